package relayd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gasrelay/core"
	nativecommon "gasrelay/native/common"
)

// Pruner drops idle rate-limit state.
type Pruner interface {
	Prune() int
}

// Worker drains the execution queue on a fixed cadence using the executor
// capability of its caller identity.
type Worker struct {
	orch      *core.Orchestrator
	caller    core.Caller
	pruner    Pruner
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewWorker builds a worker. interval is the minimum execution interval.
func NewWorker(orch *core.Orchestrator, caller core.Caller, pruner Pruner, interval time.Duration, batchSize int, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	caller.Capabilities |= core.CapExecutor
	return &Worker{orch: orch, caller: caller, pruner: pruner, interval: interval, batchSize: batchSize, logger: logger}
}

// Run starts the polling loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	lastPrune := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
			if w.pruner != nil && time.Since(lastPrune) >= time.Minute {
				if n := w.pruner.Prune(); n > 0 {
					w.logger.Debug("pruned idle rate-limit state", "users", n)
				}
				lastPrune = time.Now()
			}
		}
	}
}

// Tick executes up to batchSize queued requests and reports stale ones. It
// returns the number of requests run.
func (w *Worker) Tick(ctx context.Context) int {
	ran := 0
	for ran < w.batchSize {
		if ctx.Err() != nil {
			break
		}
		outcome, err := w.orch.ExecuteNext(ctx, w.caller)
		if errors.Is(err, core.ErrQueueEmpty) || errors.Is(err, nativecommon.ErrPaused) {
			break
		}
		if err != nil {
			w.logger.Error("execute next failed", "error", err)
			break
		}
		ran++
		if !outcome.Success {
			w.logger.Info("request failed", "request_id", outcome.RequestID, "reason", outcome.Reason)
		}
	}
	if stale := w.orch.StaleRequests(); len(stale) > 0 {
		w.logger.Warn("admitted requests past execution timeout", "count", len(stale), "oldest", stale[0].ID)
	}
	return ran
}

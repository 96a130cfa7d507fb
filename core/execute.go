package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gasrelay/core/events"
	"gasrelay/core/types"
	nativecommon "gasrelay/native/common"
	"gasrelay/native/fees"
	"gasrelay/native/ledger"
	"gasrelay/native/requests"
)

// InterruptedReason is recorded on requests found executing after a restart.
const InterruptedReason = "interrupted before completion"

// Outcome is the per-request result of an execution attempt. Target failures
// are reported here, never as the call's error.
type Outcome struct {
	RequestID   uint64        `json:"requestId"`
	Status      types.Status  `json:"status"`
	Success     bool          `json:"success"`
	Reason      string        `json:"reason,omitempty"`
	GasUsed     uint64        `json:"gasUsed"`
	GasCost     *uint256.Int  `json:"gasCost,omitempty"`
	PlatformFee *uint256.Int  `json:"platformFee,omitempty"`
	ProviderFee *uint256.Int  `json:"providerFee,omitempty"`
	Refund      *uint256.Int  `json:"refund,omitempty"`
	Duration    time.Duration `json:"duration"`
	// Err holds a per-id rejection inside ExecuteBatch, such as a request
	// that was already executed. The request was not run.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

func (o *Orchestrator) authorizeExecution(caller Caller) error {
	if err := requireCapability(caller, CapExecutor, "executor"); err != nil {
		return err
	}
	return nativecommon.Guard(&o.pause)
}

// ExecuteNext runs the highest-priority admitted request. Queue entries whose
// claim fails, because another executor ran them directly, are skipped.
func (o *Orchestrator) ExecuteNext(ctx context.Context, caller Caller) (Outcome, error) {
	if err := o.authorizeExecution(caller); err != nil {
		return Outcome{}, err
	}
	for {
		id, ok := o.queue.DequeueNext()
		if !ok {
			return Outcome{}, ErrQueueEmpty
		}
		req, err := o.registry.Claim(id)
		if err != nil {
			o.logger.Debug("skip unclaimable queue entry", slog.Uint64("requestId", id), slog.Any("error", err))
			continue
		}
		return o.run(ctx, req), nil
	}
}

// Execute runs one admitted request by id. Requests that are not Admitted
// yield ErrAlreadyExecuted.
func (o *Orchestrator) Execute(ctx context.Context, caller Caller, id uint64) (Outcome, error) {
	if err := o.authorizeExecution(caller); err != nil {
		return Outcome{}, err
	}
	return o.executeByID(ctx, id)
}

func (o *Orchestrator) executeByID(ctx context.Context, id uint64) (Outcome, error) {
	req, err := o.registry.Claim(id)
	if err != nil {
		return Outcome{}, err
	}
	o.queue.Remove(id)
	return o.run(ctx, req), nil
}

// ExecuteBatch runs each id in order. Authorization and pause are checked
// once for the whole call; per-id rejections are reported in the outcomes and
// do not stop the batch.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, caller Caller, ids []uint64) ([]Outcome, error) {
	if err := o.authorizeExecution(caller); err != nil {
		return nil, err
	}
	o.cfgMu.RLock()
	maxBatch := o.maxBatch
	o.cfgMu.RUnlock()
	if len(ids) > maxBatch {
		return nil, nativecommon.Validation("batch of %d exceeds %d", len(ids), maxBatch)
	}
	batchID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_batch", trace.WithAttributes(
		attribute.String("batch_id", batchID),
		attribute.Int("size", len(ids)),
	))
	defer span.End()

	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		outcome, err := o.executeByID(ctx, id)
		if err != nil {
			outcome = Outcome{RequestID: id, Err: err, Error: err.Error()}
		}
		outcomes = append(outcomes, outcome)
	}
	o.logger.Info("batch executed", slog.String("batchId", batchID), slog.Int("size", len(ids)))
	return outcomes, nil
}

// run invokes the target for a claimed request and settles it. The request
// always ends Executed or Failed.
func (o *Orchestrator) run(ctx context.Context, req *types.Request) Outcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.Int64("request_id", int64(req.ID)),
		attribute.Int64("network", int64(req.Network)),
		attribute.String("target", req.Target.Hex()),
	))
	defer span.End()

	started := o.now()
	receipt, invokeErr := o.invoke(ctx, req)
	duration := o.now().Sub(started)

	reason := ""
	if invokeErr != nil {
		reason = failureReason(invokeErr)
		span.RecordError(invokeErr)
		span.SetStatus(codes.Error, reason)
	}
	outcome := o.finalize(ctx, req, receipt.GasUsed, reason, duration)
	span.SetAttributes(attribute.Int64("gas_used", int64(outcome.GasUsed)), attribute.String("status", outcome.Status.String()))
	return outcome
}

func (o *Orchestrator) invoke(ctx context.Context, req *types.Request) (receipt Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt = Receipt{}
			err = &nativecommon.ExecutionError{Reason: fmt.Sprintf("target panic: %v", r)}
		}
	}()
	return o.target.Invoke(ctx, Call{
		RequestID:            req.ID,
		Requester:            req.Requester,
		Network:              req.Network,
		Target:               req.Target,
		Value:                cloneAmount(req.Value),
		Payload:              append([]byte(nil), req.Payload...),
		PayloadDigest:        req.PayloadDigest,
		GasLimit:             req.GasLimit,
		MaxFeePerGas:         cloneAmount(req.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneAmount(req.MaxPriorityFeePerGas),
	})
}

func failureReason(err error) string {
	var execErr *nativecommon.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Reason
	}
	return err.Error()
}

// releaseUnsettled returns the reservation of a request whose settlement
// failed. Nothing is charged. When the release fails too the reservation
// stays held and Restore reconciles it on the next start.
func (o *Orchestrator) releaseUnsettled(req *types.Request) bool {
	if req.Reserved == nil || req.Reserved.IsZero() {
		return false
	}
	unlock := o.locks.lock(req.Requester)
	err := o.ledger.Release(req.Requester, req.Asset, req.Reserved)
	unlock()
	if err != nil {
		o.logger.Error("release unsettled reservation", slog.Uint64("requestId", req.ID), slog.Any("error", err))
		o.metrics.RecordSettlementFailure("held")
		return false
	}
	o.metrics.RecordSettlementFailure("released")
	return true
}

// finalize settles the consumed gas and records the terminal state. An empty
// reason means the target succeeded.
func (o *Orchestrator) finalize(ctx context.Context, req *types.Request, gasUsed uint64, reason string, duration time.Duration) Outcome {
	if gasUsed == 0 || gasUsed > req.GasLimit {
		gasUsed = req.GasLimit
	}
	status := types.StatusExecuted
	if reason != "" {
		status = types.StatusFailed
	}
	rates := fees.Rates{PlatformBps: req.PlatformFeeBps, ProviderBps: req.ProviderFeeBps}
	breakdown, err := fees.Settlement(gasUsed, req.GasLimit, req.MaxFeePerGas, rates)

	var settlement ledger.Settlement
	if err == nil {
		platform, provider := o.collectors()
		unlock := o.locks.lock(req.Requester)
		settlement, err = o.ledger.Settle(req.Requester, req.Asset, req.Reserved, breakdown.GasCost, []ledger.Split{
			{Recipient: platform, Amount: breakdown.PlatformFee},
			{Recipient: provider, Amount: breakdown.ProviderFee},
		})
		unlock()
	}
	if err != nil {
		o.logger.Error("settle request", slog.Uint64("requestId", req.ID), slog.Any("error", err))
		released := o.releaseUnsettled(req)
		status = types.StatusFailed
		if reason == "" {
			reason = "settlement failed"
		}
		reason = fmt.Sprintf("%s: %v", reason, err)
		breakdown = fees.Breakdown{}
		settlement = ledger.Settlement{}
		if released {
			settlement.Refund = req.Reserved.Clone()
		}
	}

	charged := new(uint256.Int)
	if settlement.Cost != nil {
		charged.Add(settlement.Cost, settlement.Fees)
	}
	executedAt := o.now().UTC()
	if _, terr := o.registry.Transition(req.ID, status, requests.Details{
		FailureReason: reason,
		ExecutedAt:    executedAt,
		GasUsed:       gasUsed,
		Charged:       charged,
		Refund:        settlement.Refund,
	}); terr != nil {
		o.logger.Error("record terminal state", slog.Uint64("requestId", req.ID), slog.Any("error", terr))
	}

	o.perf.record(status == types.StatusExecuted, gasUsed, duration)
	o.metrics.RecordExecution(req.Network, status.String(), gasUsed, duration)
	o.meter.recordFinalized(ctx, req.Network, status, duration)
	o.publishCustody(req.Asset)

	logAttrs := []any{
		slog.Uint64("requestId", req.ID),
		slog.String("status", status.String()),
		slog.Uint64("gasUsed", gasUsed),
		slog.Duration("duration", duration),
	}
	if status == types.StatusFailed {
		o.logger.Warn("request failed", append(logAttrs, slog.String("reason", reason))...)
	} else {
		o.logger.Info("request executed", logAttrs...)
	}

	outcome := Outcome{
		RequestID:   req.ID,
		Status:      status,
		Success:     status == types.StatusExecuted,
		Reason:      reason,
		GasUsed:     gasUsed,
		GasCost:     breakdown.GasCost,
		PlatformFee: breakdown.PlatformFee,
		ProviderFee: breakdown.ProviderFee,
		Refund:      settlement.Refund,
		Duration:    duration,
	}
	o.emit(events.RequestFinalized{
		ID:          req.ID,
		Requester:   req.Requester,
		Network:     req.Network,
		Target:      req.Target,
		Asset:       req.Asset,
		Status:      status,
		Reason:      reason,
		GasUsed:     gasUsed,
		GasCost:     outcome.GasCost,
		PlatformFee: outcome.PlatformFee,
		ProviderFee: outcome.ProviderFee,
		Refund:      outcome.Refund,
		Duration:    duration,
		At:          executedAt,
	})
	return outcome
}

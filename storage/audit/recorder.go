package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gasrelay/core/types"
)

// Filter narrows audit queries. Zero fields match everything.
type Filter struct {
	Requester string
	Network   uint64
	Status    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Recorder persists terminal request outcomes.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewRecorder wraps an opened audit database.
func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// Record stores ev when it is a finalization event. Replays of an already
// recorded request are ignored.
func (r *Recorder) Record(ctx context.Context, ev *types.Event) error {
	rec, ok, err := recordFromEvent(ev)
	if err != nil || !ok {
		return err
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("audit: insert request %d: %w", rec.RequestID, res.Error)
	}
	return nil
}

// Run records events from ch until ctx is cancelled or ch closes.
func (r *Recorder) Run(ctx context.Context, ch <-chan *types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Record(ctx, ev); err != nil {
				r.logger.Error("audit record failed", "error", err)
			}
		}
	}
}

// List returns matching records ordered by request id.
func (r *Recorder) List(ctx context.Context, f Filter) ([]ExecutionRecord, error) {
	q := r.db.WithContext(ctx).Model(&ExecutionRecord{})
	if requester := strings.TrimSpace(f.Requester); requester != "" {
		q = q.Where("LOWER(requester) = ?", strings.ToLower(requester))
	}
	if f.Network != 0 {
		q = q.Where("network = ?", f.Network)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("finalized_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("finalized_at < ?", f.Until.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []ExecutionRecord
	if err := q.Order("request_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

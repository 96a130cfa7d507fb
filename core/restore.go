package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
	"gasrelay/native/requests"
)

// AbandonedReason is recorded on Pending records found after a restart.
const AbandonedReason = "abandoned before admission"

// RestoreReport summarises a Restore.
type RestoreReport struct {
	Accounts    int `json:"accounts"`
	Requests    int `json:"requests"`
	Requeued    int `json:"requeued"`
	Interrupted int `json:"interrupted"`
	Abandoned   int `json:"abandoned"`
	Released    int `json:"released"`
}

// Restore reloads the ledger and registry from their stores. Admitted
// requests are queued again in id order. Requests caught Executing are never
// re-run: they are failed and charged their full gas limit. Pending records
// are failed without charge. Finally every reservation not backed by an
// Admitted request is returned to its owner.
func (o *Orchestrator) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	accounts, err := o.ledger.Restore()
	if err != nil {
		return report, fmt.Errorf("restore ledger: %w", err)
	}
	report.Accounts = accounts
	records, err := o.registry.Restore()
	if err != nil {
		return report, fmt.Errorf("restore registry: %w", err)
	}
	report.Requests = len(records)
	for _, req := range records {
		switch req.Status {
		case types.StatusAdmitted:
			if err := o.queue.Enqueue(req.ID, req.Priority); err != nil {
				return report, fmt.Errorf("requeue %d: %w", req.ID, err)
			}
			report.Requeued++
		case types.StatusExecuting:
			o.finalize(ctx, req, req.GasLimit, InterruptedReason, 0)
			report.Interrupted++
		case types.StatusPending:
			if _, err := o.registry.Transition(req.ID, types.StatusFailed, requests.Details{
				FailureReason: AbandonedReason,
				ExecutedAt:    o.now().UTC(),
				Refund:        req.Reserved,
			}); err != nil {
				return report, fmt.Errorf("abandon %d: %w", req.ID, err)
			}
			report.Abandoned++
		}
	}
	released, err := o.releaseUnbacked()
	if err != nil {
		return report, err
	}
	report.Released = released
	o.logger.Info("state restored",
		slog.Int("accounts", report.Accounts),
		slog.Int("requests", report.Requests),
		slog.Int("requeued", report.Requeued),
		slog.Int("interrupted", report.Interrupted),
		slog.Int("abandoned", report.Abandoned),
		slog.Int("released", report.Released))
	return report, nil
}

type reservationKey struct {
	user  common.Address
	asset common.Address
}

// releaseUnbacked compares every reserved balance with the reservations of
// the Admitted requests and releases the surplus. A crash between the ledger
// write and the registry write of an admission leaves such a surplus.
func (o *Orchestrator) releaseUnbacked() (int, error) {
	backed := make(map[reservationKey]*uint256.Int)
	for _, id := range o.registry.ListByStatus(types.StatusAdmitted) {
		req, err := o.registry.Get(id)
		if err != nil {
			return 0, fmt.Errorf("reconcile %d: %w", id, err)
		}
		key := reservationKey{user: req.Requester, asset: req.Asset}
		sum, ok := backed[key]
		if !ok {
			sum = new(uint256.Int)
			backed[key] = sum
		}
		if req.Reserved != nil {
			sum.Add(sum, req.Reserved)
		}
	}
	released := 0
	for _, acct := range o.ledger.Accounts() {
		want := backed[reservationKey{user: acct.User, asset: acct.Asset}]
		if want == nil {
			want = new(uint256.Int)
		}
		switch acct.Reserved.Cmp(want) {
		case 0:
			continue
		case -1:
			o.logger.Error("reservation below admitted requests",
				slog.String("user", acct.User.Hex()),
				slog.String("asset", acct.Asset.Hex()),
				slog.String("reserved", acct.Reserved.Dec()),
				slog.String("admitted", want.Dec()))
			continue
		}
		surplus := new(uint256.Int).Sub(acct.Reserved, want)
		unlock := o.locks.lock(acct.User)
		err := o.ledger.Release(acct.User, acct.Asset, surplus)
		unlock()
		if err != nil {
			return released, fmt.Errorf("release unbacked reservation of %s: %w", acct.User.Hex(), err)
		}
		o.logger.Warn("released unbacked reservation",
			slog.String("user", acct.User.Hex()),
			slog.String("asset", acct.Asset.Hex()),
			slog.String("amount", surplus.Dec()))
		released++
	}
	return released, nil
}

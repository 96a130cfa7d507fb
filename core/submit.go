package core

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"lukechampine.com/blake3"

	"gasrelay/core/events"
	"gasrelay/core/types"
	nativecommon "gasrelay/native/common"
	"gasrelay/native/fees"
	"gasrelay/native/ledger"
)

// SubmitParams describe a sponsored call. The requester is the caller.
type SubmitParams struct {
	Network              uint64
	Target               common.Address
	Value                *uint256.Int
	Payload              []byte
	GasLimit             uint64
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
	Asset                common.Address
	Priority             types.Priority
}

// Submit validates, reserves and admits a request in one step per user. On
// any error nothing is created: no id, no reservation, no rate counter.
func (o *Orchestrator) Submit(ctx context.Context, caller Caller, params SubmitParams) (uint64, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit", trace.WithAttributes(
		attribute.Int64("network", int64(params.Network)),
		attribute.String("requester", caller.Address.Hex()),
	))
	defer span.End()

	id, err := o.submit(ctx, caller, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordSubmission(params.Network, submissionOutcome(err))
		var rl *nativecommon.RateLimitError
		if errors.As(err, &rl) {
			o.metrics.RecordRateLimit(rl.Scope, rl.Window, rl.Dimension)
		}
		return 0, err
	}
	span.SetAttributes(attribute.Int64("request_id", int64(id)))
	o.metrics.RecordSubmission(params.Network, "admitted")
	o.meter.recordAdmitted(ctx, params.Network)
	return id, nil
}

func (o *Orchestrator) submit(ctx context.Context, caller Caller, params SubmitParams) (uint64, error) {
	if err := nativecommon.Guard(&o.pause); err != nil {
		return 0, err
	}
	if err := requireCaller(caller); err != nil {
		return 0, err
	}
	network, err := o.validateSubmission(params)
	if err != nil {
		return 0, err
	}
	rates := o.currentRates()
	breakdown, err := fees.Estimate(params.GasLimit, params.MaxFeePerGas, rates)
	if err != nil {
		return 0, err
	}
	user := caller.Address
	req := &types.Request{
		Requester:            user,
		Network:              network.ChainID,
		Target:               params.Target,
		Value:                cloneAmount(params.Value),
		Payload:              append([]byte(nil), params.Payload...),
		PayloadDigest:        blake3.Sum256(params.Payload),
		GasLimit:             params.GasLimit,
		MaxFeePerGas:         params.MaxFeePerGas.Clone(),
		MaxPriorityFeePerGas: cloneAmount(params.MaxPriorityFeePerGas),
		Asset:                params.Asset,
		Reserved:             breakdown.Total.Clone(),
		PlatformFeeBps:       rates.PlatformBps,
		ProviderFeeBps:       rates.ProviderBps,
		Priority:             params.Priority,
		SubmittedAt:          o.now().UTC(),
	}

	unlock := o.locks.lock(user)
	defer unlock()

	if err := o.ledger.CanReserve(user, params.Asset, breakdown.Total); err != nil {
		return 0, err
	}
	var id uint64
	err = o.limiter.CheckAndAdmit(user, network.ChainID, params.GasLimit, func() error {
		if err := o.ledger.Reserve(user, params.Asset, breakdown.Total); err != nil {
			return err
		}
		created, err := o.registry.Admit(req)
		if err != nil {
			o.releaseOrLog(user, params.Asset, breakdown.Total)
			return err
		}
		id = created
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := o.queue.Enqueue(id, params.Priority); err != nil {
		// Admitted records are re-queued by Restore; surface the error so
		// the caller knows execution may be delayed.
		o.logger.Error("enqueue admitted request", slog.Uint64("requestId", id), slog.Any("error", err))
		return id, err
	}
	o.logger.Info("request admitted",
		slog.Uint64("requestId", id),
		slog.String("requester", user.Hex()),
		slog.Uint64("network", network.ChainID),
		slog.String("reserved", breakdown.Total.Dec()),
		slog.String("priority", params.Priority.String()))
	o.emit(events.RequestSubmitted{
		ID:        id,
		Requester: user,
		Network:   network.ChainID,
		Target:    params.Target,
		Asset:     params.Asset,
		GasLimit:  params.GasLimit,
		Reserved:  breakdown.Total,
		Priority:  params.Priority,
		At:        req.SubmittedAt,
	})
	return id, nil
}

func (o *Orchestrator) validateSubmission(params SubmitParams) (fees.NetworkConfig, error) {
	network, err := o.network(params.Network)
	if err != nil {
		return fees.NetworkConfig{}, err
	}
	if !network.Active {
		return fees.NetworkConfig{}, nativecommon.Validation("network %d inactive", network.ChainID)
	}
	if params.Target == (common.Address{}) {
		return fees.NetworkConfig{}, nativecommon.Validation("target address required")
	}
	if params.GasLimit == 0 {
		return fees.NetworkConfig{}, nativecommon.Validation("gas limit must be positive")
	}
	if params.GasLimit > network.GasLimit {
		return fees.NetworkConfig{}, nativecommon.Validation("gas limit %d above network ceiling %d", params.GasLimit, network.GasLimit)
	}
	if params.MaxFeePerGas == nil || params.MaxFeePerGas.IsZero() {
		return fees.NetworkConfig{}, nativecommon.Validation("max fee per gas must be positive")
	}
	if params.MaxFeePerGas.Gt(network.MaxGasPrice) {
		return fees.NetworkConfig{}, nativecommon.Validation("max fee per gas above network maximum %s", network.MaxGasPrice.Dec())
	}
	if params.MaxPriorityFeePerGas != nil && params.MaxPriorityFeePerGas.Gt(params.MaxFeePerGas) {
		return fees.NetworkConfig{}, nativecommon.Validation("max priority fee above max fee per gas")
	}
	if !params.Priority.Valid() {
		return fees.NetworkConfig{}, nativecommon.Validation("invalid priority %d", uint8(params.Priority))
	}
	o.cfgMu.RLock()
	maxPayload := o.maxPayload
	o.cfgMu.RUnlock()
	if len(params.Payload) > maxPayload {
		return fees.NetworkConfig{}, nativecommon.Validation("payload of %d bytes exceeds %d", len(params.Payload), maxPayload)
	}
	return network, nil
}

func (o *Orchestrator) releaseOrLog(user, asset common.Address, amount *uint256.Int) {
	if err := o.ledger.Release(user, asset, amount); err != nil {
		o.logger.Error("release reservation after failed admission",
			slog.String("user", user.Hex()),
			slog.String("amount", amount.Dec()),
			slog.Any("error", err))
	}
}

func submissionOutcome(err error) string {
	switch {
	case errors.Is(err, nativecommon.ErrPaused):
		return "paused"
	case errors.Is(err, nativecommon.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, nativecommon.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, nativecommon.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, nativecommon.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// Deposit credits amount of asset to the caller's spendable balance.
func (o *Orchestrator) Deposit(ctx context.Context, caller Caller, asset common.Address, amount *uint256.Int) error {
	if err := nativecommon.Guard(&o.pause); err != nil {
		return err
	}
	if err := requireCaller(caller); err != nil {
		return err
	}
	unlock := o.locks.lock(caller.Address)
	err := o.ledger.Deposit(caller.Address, asset, amount)
	unlock()
	if err != nil {
		return err
	}
	o.logger.Info("deposit", slog.String("user", caller.Address.Hex()), slog.String("asset", asset.Hex()), slog.String("amount", amount.Dec()))
	o.emit(events.BalanceDeposited{User: caller.Address, Asset: asset, Amount: amount.Clone(), At: o.now()})
	o.publishCustody(asset)
	return nil
}

// Withdraw debits amount of asset from the caller's spendable balance.
func (o *Orchestrator) Withdraw(ctx context.Context, caller Caller, asset common.Address, amount *uint256.Int) error {
	if err := nativecommon.Guard(&o.pause); err != nil {
		return err
	}
	if err := requireCaller(caller); err != nil {
		return err
	}
	unlock := o.locks.lock(caller.Address)
	err := o.ledger.Withdraw(caller.Address, asset, amount)
	unlock()
	if err != nil {
		return err
	}
	o.logger.Info("withdraw", slog.String("user", caller.Address.Hex()), slog.String("asset", asset.Hex()), slog.String("amount", amount.Dec()))
	o.emit(events.BalanceWithdrawn{User: caller.Address, Asset: asset, Amount: amount.Clone(), At: o.now()})
	o.publishCustody(asset)
	return nil
}

// Balance returns the spendable and reserved amounts of user for asset.
func (o *Orchestrator) Balance(user, asset common.Address) ledger.Balance {
	return o.ledger.Balance(user, asset)
}

func (o *Orchestrator) publishCustody(asset common.Address) {
	held, burned := o.ledger.Custody(asset)
	label := "native"
	if !types.IsNative(asset) {
		label = asset.Hex()
	}
	o.metrics.RecordCustody(label, held, burned)
}

// PreflightParams describe a prospective submission. When Amount is set it
// replaces the computed reservation.
type PreflightParams struct {
	User         common.Address
	Network      uint64
	GasLimit     uint64
	MaxFeePerGas *uint256.Int
	Asset        common.Address
	Amount       *uint256.Int
}

// Preflight is the answer of CanOrchestrate.
type Preflight struct {
	OK       bool         `json:"ok"`
	Reason   string       `json:"reason,omitempty"`
	Required *uint256.Int `json:"required,omitempty"`
}

// CanOrchestrate dry-runs the balance and rate-limit checks without moving
// any balance or counter.
func (o *Orchestrator) CanOrchestrate(params PreflightParams) Preflight {
	if o.pause.IsPaused() {
		return Preflight{Reason: nativecommon.ErrPaused.Error()}
	}
	if params.User == (common.Address{}) {
		return Preflight{Reason: "user required"}
	}
	network, err := o.network(params.Network)
	if err != nil {
		return Preflight{Reason: err.Error()}
	}
	if !network.Active {
		return Preflight{Reason: "network inactive"}
	}
	if params.GasLimit == 0 || params.GasLimit > network.GasLimit {
		return Preflight{Reason: "gas limit outside network bounds"}
	}
	required := cloneAmount(params.Amount)
	if required == nil {
		maxFee := params.MaxFeePerGas
		if maxFee == nil {
			maxFee = network.MaxGasPrice
		}
		breakdown, err := fees.Estimate(params.GasLimit, maxFee, o.currentRates())
		if err != nil {
			return Preflight{Reason: err.Error()}
		}
		required = breakdown.Total
	}
	if err := o.ledger.CanReserve(params.User, params.Asset, required); err != nil {
		return Preflight{Reason: err.Error(), Required: required}
	}
	if err := o.limiter.Check(params.User, network.ChainID, params.GasLimit); err != nil {
		return Preflight{Reason: err.Error(), Required: required}
	}
	return Preflight{OK: true, Required: required}
}

// EstimateFees returns the reservation a request would need at the current
// fee rates.
func (o *Orchestrator) EstimateFees(network uint64, gasLimit uint64, maxFeePerGas *uint256.Int) (fees.Breakdown, error) {
	if _, err := o.network(network); err != nil {
		return fees.Breakdown{}, err
	}
	return fees.Estimate(gasLimit, maxFeePerGas, o.currentRates())
}

// SuggestFee proposes a max fee per gas for the tier on network.
func (o *Orchestrator) SuggestFee(network uint64, priority types.Priority) (*uint256.Int, error) {
	cfg, err := o.network(network)
	if err != nil {
		return nil, err
	}
	return fees.Suggest(cfg, priority)
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

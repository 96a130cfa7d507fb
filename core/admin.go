package core

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"gasrelay/core/events"
	"gasrelay/core/types"
	nativecommon "gasrelay/native/common"
	"gasrelay/native/fees"
	"gasrelay/native/ratelimit"
)

// UpdateGasConfig applies a partial update to a configured network.
func (o *Orchestrator) UpdateGasConfig(ctx context.Context, caller Caller, network uint64, update fees.GasConfigUpdate) (fees.NetworkConfig, error) {
	if err := requireCapability(caller, CapAdmin, "admin"); err != nil {
		return fees.NetworkConfig{}, err
	}
	o.cfgMu.Lock()
	current, ok := o.networks[network]
	if !ok {
		o.cfgMu.Unlock()
		return fees.NetworkConfig{}, nativecommon.Validation("unknown network %d", network)
	}
	next, err := update.Apply(current)
	if err != nil {
		o.cfgMu.Unlock()
		return fees.NetworkConfig{}, err
	}
	o.networks[network] = next
	o.cfgMu.Unlock()

	fields := map[string]string{
		"baseGasPrice": next.BaseGasPrice.Dec(),
		"maxGasPrice":  next.MaxGasPrice.Dec(),
		"priorityFee":  next.PriorityFee.Dec(),
		"gasLimit":     strconv.FormatUint(next.GasLimit, 10),
		"active":       strconv.FormatBool(next.Active),
	}
	o.logger.Info("gas config updated", slog.Uint64("network", network), slog.String("actor", caller.Address.Hex()))
	o.emit(events.ConfigUpdated{Section: events.ConfigSectionGas, Network: network, Actor: caller.Address, Fields: fields, At: o.now()})
	return next.Clone(), nil
}

// UpdateFeePercentages replaces the platform and provider rates. Requests
// already admitted keep the rates captured at submission.
func (o *Orchestrator) UpdateFeePercentages(ctx context.Context, caller Caller, rates fees.Rates) error {
	if err := requireCapability(caller, CapAdmin, "admin"); err != nil {
		return err
	}
	if err := rates.Validate(); err != nil {
		return err
	}
	o.cfgMu.Lock()
	o.rates = rates
	o.cfgMu.Unlock()
	o.logger.Info("fee rates updated",
		slog.Uint64("platformBps", uint64(rates.PlatformBps)),
		slog.Uint64("providerBps", uint64(rates.ProviderBps)),
		slog.String("actor", caller.Address.Hex()))
	o.emit(events.ConfigUpdated{Section: events.ConfigSectionFees, Actor: caller.Address, At: o.now(), Fields: map[string]string{
		"platformBps": strconv.FormatUint(uint64(rates.PlatformBps), 10),
		"providerBps": strconv.FormatUint(uint64(rates.ProviderBps), 10),
	}})
	return nil
}

// UpdateRateLimits replaces the limits of a configured network.
func (o *Orchestrator) UpdateRateLimits(ctx context.Context, caller Caller, network uint64, limits ratelimit.NetworkLimits) error {
	if err := requireCapability(caller, CapAdmin, "admin"); err != nil {
		return err
	}
	if _, err := o.network(network); err != nil {
		return err
	}
	o.limiter.UpdateLimits(network, limits)
	o.logger.Info("rate limits updated", slog.Uint64("network", network), slog.String("actor", caller.Address.Hex()))
	o.emit(events.ConfigUpdated{Section: events.ConfigSectionLimits, Network: network, Actor: caller.Address, At: o.now(), Fields: map[string]string{
		"active":             strconv.FormatBool(limits.Active),
		"userTxPerSecond":    strconv.FormatUint(limits.User.TxPerSecond, 10),
		"userGasPerHour":     strconv.FormatUint(limits.User.GasPerHour, 10),
		"networkTxPerSecond": strconv.FormatUint(limits.Network.TxPerSecond, 10),
		"networkGasPerHour":  strconv.FormatUint(limits.Network.GasPerHour, 10),
	}})
	return nil
}

// Pause blocks every mutating operation until Unpause.
func (o *Orchestrator) Pause(ctx context.Context, caller Caller) error {
	return o.setPaused(caller, true)
}

// Unpause lifts the pause guard.
func (o *Orchestrator) Unpause(ctx context.Context, caller Caller) error {
	return o.setPaused(caller, false)
}

func (o *Orchestrator) setPaused(caller Caller, paused bool) error {
	if err := requireCapability(caller, CapAdmin, "admin"); err != nil {
		return err
	}
	if !o.pause.Set(paused) {
		return nil
	}
	o.metrics.SetPause(paused)
	o.logger.Warn("pause state changed", slog.Bool("paused", paused), slog.String("actor", caller.Address.Hex()))
	o.emit(events.PauseChanged{Paused: paused, Actor: caller.Address, At: o.now()})
	return nil
}

// Paused reports whether the pause guard is engaged.
func (o *Orchestrator) Paused() bool {
	return o.pause.IsPaused()
}

// NetworkStatus pairs a network's gas configuration with its limits.
type NetworkStatus struct {
	Config fees.NetworkConfig      `json:"config"`
	Limits ratelimit.NetworkLimits `json:"limits"`
	Usage  ratelimit.Usage         `json:"usage"`
}

// StatusReport is the administrative view of the orchestrator.
type StatusReport struct {
	Paused      bool               `json:"paused"`
	Rates       fees.Rates         `json:"rates"`
	Networks    []NetworkStatus    `json:"networks"`
	Queue       QueueStats         `json:"queue"`
	Performance PerformanceMetrics `json:"performance"`
}

// Status returns the current parameters and aggregates.
func (o *Orchestrator) Status() StatusReport {
	report := StatusReport{
		Paused:      o.pause.IsPaused(),
		Rates:       o.currentRates(),
		Queue:       o.QueueStats(),
		Performance: o.PerformanceMetrics(),
	}
	for _, network := range o.Networks() {
		status := NetworkStatus{Config: network}
		if limits, err := o.limiter.Limits(network.ChainID); err == nil {
			status.Limits = limits
		}
		if usage, err := o.limiter.NetworkState(network.ChainID); err == nil {
			status.Usage = usage
		}
		report.Networks = append(report.Networks, status)
	}
	return report
}

// QueueStats summarises the execution queue.
type QueueStats struct {
	Depth map[string]int `json:"depth"`
	Total int            `json:"total"`
	Stale int            `json:"stale"`
}

// QueueStats returns the depth per priority tier and the stale count.
func (o *Orchestrator) QueueStats() QueueStats {
	stats := QueueStats{Depth: make(map[string]int, types.PriorityCount)}
	for tier, depth := range o.queue.Stats() {
		stats.Depth[tier.String()] = depth
		stats.Total += depth
		o.metrics.SetQueueDepth(tier.String(), depth)
	}
	stats.Stale = len(o.StaleRequests())
	return stats
}

// PerformanceMetrics returns the aggregate over terminal transitions.
func (o *Orchestrator) PerformanceMetrics() PerformanceMetrics {
	return o.perf.snapshot()
}

// StaleRequests returns admitted requests waiting longer than the execution
// timeout. Staleness is informational only.
func (o *Orchestrator) StaleRequests() []*types.Request {
	o.cfgMu.RLock()
	timeout := o.executionTimeout
	o.cfgMu.RUnlock()
	stale := o.registry.Stale(o.now(), timeout)
	o.metrics.SetStale(len(stale))
	return stale
}

// Request returns a copy of the request record.
func (o *Orchestrator) Request(id uint64) (*types.Request, error) {
	return o.registry.Get(id)
}

// RequestsByUser returns the records submitted by user in submission order.
func (o *Orchestrator) RequestsByUser(user common.Address) []*types.Request {
	ids := o.registry.ListByUser(user)
	out := make([]*types.Request, 0, len(ids))
	for _, id := range ids {
		if req, err := o.registry.Get(id); err == nil {
			out = append(out, req)
		}
	}
	return out
}

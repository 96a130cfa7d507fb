package events

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
)

const (
	// TypeRequestSubmitted marks a request admitted into the queue.
	TypeRequestSubmitted = "request.submitted"
	// TypeRequestExecuted marks a request whose target call succeeded.
	TypeRequestExecuted = "request.executed"
	// TypeRequestFailed marks a request whose target call failed.
	TypeRequestFailed = "request.failed"
)

// RequestSubmitted captures a successful admission.
type RequestSubmitted struct {
	ID        uint64
	Requester common.Address
	Network   uint64
	Target    common.Address
	Asset     common.Address
	GasLimit  uint64
	Reserved  *uint256.Int
	Priority  types.Priority
	At        time.Time
}

// EventType satisfies the events.Event interface.
func (RequestSubmitted) EventType() string { return TypeRequestSubmitted }

// Event renders the submission payload.
func (e RequestSubmitted) Event() *types.Event {
	attrs := map[string]string{
		"requestId": formatUint(e.ID),
		"requester": e.Requester.Hex(),
		"network":   formatUint(e.Network),
		"target":    e.Target.Hex(),
		"asset":     assetLabel(e.Asset),
		"gasLimit":  formatUint(e.GasLimit),
		"priority":  e.Priority.String(),
	}
	setAmount(attrs, "reserved", e.Reserved)
	return &types.Event{Type: TypeRequestSubmitted, Timestamp: timestamp(e.At), Attributes: attrs}
}

// RequestFinalized captures the terminal outcome of a request. The event
// type follows Status.
type RequestFinalized struct {
	ID          uint64
	Requester   common.Address
	Network     uint64
	Target      common.Address
	Asset       common.Address
	Status      types.Status
	Reason      string
	GasUsed     uint64
	GasCost     *uint256.Int
	PlatformFee *uint256.Int
	ProviderFee *uint256.Int
	Refund      *uint256.Int
	Duration    time.Duration
	At          time.Time
}

// EventType satisfies the events.Event interface.
func (e RequestFinalized) EventType() string {
	if e.Status == types.StatusExecuted {
		return TypeRequestExecuted
	}
	return TypeRequestFailed
}

// Event renders the settlement payload.
func (e RequestFinalized) Event() *types.Event {
	attrs := map[string]string{
		"requestId":  formatUint(e.ID),
		"requester":  e.Requester.Hex(),
		"network":    formatUint(e.Network),
		"target":     e.Target.Hex(),
		"asset":      assetLabel(e.Asset),
		"status":     e.Status.String(),
		"gasUsed":    formatUint(e.GasUsed),
		"durationMs": formatUint(uint64(e.Duration.Milliseconds())),
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	setAmount(attrs, "gasCost", e.GasCost)
	setAmount(attrs, "platformFee", e.PlatformFee)
	setAmount(attrs, "providerFee", e.ProviderFee)
	setAmount(attrs, "refund", e.Refund)
	return &types.Event{Type: e.EventType(), Timestamp: timestamp(e.At), Attributes: attrs}
}

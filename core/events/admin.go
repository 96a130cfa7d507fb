package events

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gasrelay/core/types"
)

const (
	TypeConfigUpdated = "admin.config.updated"
	TypePauseChanged  = "admin.pause.changed"

	ConfigSectionGas    = "gas"
	ConfigSectionFees   = "fees"
	ConfigSectionLimits = "limits"
)

// ConfigUpdated records an administrative parameter change. Fields carries
// the new values rendered as strings.
type ConfigUpdated struct {
	Section string
	Network uint64
	Actor   common.Address
	Fields  map[string]string
	At      time.Time
}

// EventType satisfies the events.Event interface.
func (ConfigUpdated) EventType() string { return TypeConfigUpdated }

// Event renders the update payload.
func (e ConfigUpdated) Event() *types.Event {
	attrs := make(map[string]string, len(e.Fields)+3)
	for k, v := range e.Fields {
		attrs[k] = v
	}
	attrs["section"] = e.Section
	attrs["actor"] = e.Actor.Hex()
	if e.Network != 0 {
		attrs["network"] = formatUint(e.Network)
	}
	return &types.Event{Type: TypeConfigUpdated, Timestamp: timestamp(e.At), Attributes: attrs}
}

// PauseChanged records the orchestrator entering or leaving the paused state.
type PauseChanged struct {
	Paused bool
	Actor  common.Address
	At     time.Time
}

// EventType satisfies the events.Event interface.
func (PauseChanged) EventType() string { return TypePauseChanged }

// Event renders the pause payload.
func (e PauseChanged) Event() *types.Event {
	return &types.Event{
		Type:      TypePauseChanged,
		Timestamp: timestamp(e.At),
		Attributes: map[string]string{
			"paused": strconv.FormatBool(e.Paused),
			"actor":  e.Actor.Hex(),
		},
	}
}

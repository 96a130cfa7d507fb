package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
)

const (
	TypeBalanceDeposited = "balance.deposited"
	TypeBalanceWithdrawn = "balance.withdrawn"
)

// BalanceDeposited records funds entering custody.
type BalanceDeposited struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
	At     time.Time
}

// EventType satisfies the events.Event interface.
func (BalanceDeposited) EventType() string { return TypeBalanceDeposited }

// Event renders the deposit payload.
func (e BalanceDeposited) Event() *types.Event {
	attrs := map[string]string{"user": e.User.Hex(), "asset": assetLabel(e.Asset)}
	setAmount(attrs, "amount", e.Amount)
	return &types.Event{Type: TypeBalanceDeposited, Timestamp: timestamp(e.At), Attributes: attrs}
}

// BalanceWithdrawn records funds leaving custody at the user's request.
type BalanceWithdrawn struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
	At     time.Time
}

// EventType satisfies the events.Event interface.
func (BalanceWithdrawn) EventType() string { return TypeBalanceWithdrawn }

// Event renders the withdrawal payload.
func (e BalanceWithdrawn) Event() *types.Event {
	attrs := map[string]string{"user": e.User.Hex(), "asset": assetLabel(e.Asset)}
	setAmount(attrs, "amount", e.Amount)
	return &types.Event{Type: TypeBalanceWithdrawn, Timestamp: timestamp(e.At), Attributes: attrs}
}

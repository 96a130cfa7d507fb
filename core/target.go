package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call is the downstream action an executor performs on a requester's behalf.
type Call struct {
	RequestID            uint64
	Requester            common.Address
	Network              uint64
	Target               common.Address
	Value                *uint256.Int
	Payload              []byte
	PayloadDigest        [32]byte
	GasLimit             uint64
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
}

// Receipt reports what the target consumed. A GasUsed of zero, or one above
// the request's gas limit, is charged as the full gas limit.
type Receipt struct {
	GasUsed uint64
	Output  []byte
}

// Target performs sponsored calls. Returning an error marks the request
// Failed; the receipt's gas is still charged.
type Target interface {
	Invoke(ctx context.Context, call Call) (Receipt, error)
}

// TargetFunc adapts a function to the Target interface.
type TargetFunc func(ctx context.Context, call Call) (Receipt, error)

// Invoke implements Target.
func (f TargetFunc) Invoke(ctx context.Context, call Call) (Receipt, error) {
	return f(ctx, call)
}

package requests

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
)

// record is the RLP shape of a stored request. Timestamps are unix
// nanoseconds; zero means unset.
type record struct {
	ID                   uint64
	Requester            common.Address
	Network              uint64
	Target               common.Address
	Value                *uint256.Int
	Payload              []byte
	PayloadDigest        [32]byte
	GasLimit             uint64
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
	Asset                common.Address
	Reserved             *uint256.Int
	PlatformFeeBps       uint32
	ProviderFeeBps       uint32
	Priority             uint8
	SubmittedAt          uint64
	Status               uint8
	FailureReason        string
	ExecutedAt           uint64
	GasUsed              uint64
	Charged              *uint256.Int
	Refund               *uint256.Int
}

func newRecord(req *types.Request) *record {
	return &record{
		ID:                   req.ID,
		Requester:            req.Requester,
		Network:              req.Network,
		Target:               req.Target,
		Value:                cloneOrZero(req.Value),
		Payload:              req.Payload,
		PayloadDigest:        req.PayloadDigest,
		GasLimit:             req.GasLimit,
		MaxFeePerGas:         cloneOrZero(req.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneOrZero(req.MaxPriorityFeePerGas),
		Asset:                req.Asset,
		Reserved:             cloneOrZero(req.Reserved),
		PlatformFeeBps:       req.PlatformFeeBps,
		ProviderFeeBps:       req.ProviderFeeBps,
		Priority:             uint8(req.Priority),
		SubmittedAt:          unixNano(req.SubmittedAt),
		Status:               uint8(req.Status),
		FailureReason:        req.FailureReason,
		ExecutedAt:           unixNano(req.ExecutedAt),
		GasUsed:              req.GasUsed,
		Charged:              cloneOrZero(req.Charged),
		Refund:               cloneOrZero(req.Refund),
	}
}

func (r *record) request() *types.Request {
	return &types.Request{
		ID:                   r.ID,
		Requester:            r.Requester,
		Network:              r.Network,
		Target:               r.Target,
		Value:                cloneOrZero(r.Value),
		Payload:              r.Payload,
		PayloadDigest:        r.PayloadDigest,
		GasLimit:             r.GasLimit,
		MaxFeePerGas:         cloneOrZero(r.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneOrZero(r.MaxPriorityFeePerGas),
		Asset:                r.Asset,
		Reserved:             cloneOrZero(r.Reserved),
		PlatformFeeBps:       r.PlatformFeeBps,
		ProviderFeeBps:       r.ProviderFeeBps,
		Priority:             types.Priority(r.Priority),
		SubmittedAt:          fromUnixNano(r.SubmittedAt),
		Status:               types.Status(r.Status),
		FailureReason:        r.FailureReason,
		ExecutedAt:           fromUnixNano(r.ExecutedAt),
		GasUsed:              r.GasUsed,
		Charged:              cloneOrZero(r.Charged),
		Refund:               cloneOrZero(r.Refund),
	}
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

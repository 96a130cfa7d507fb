package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a sponsored request.
type Status uint8

const (
	StatusPending Status = iota
	StatusAdmitted
	StatusExecuting
	StatusExecuted
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusAdmitted:  "admitted",
	StatusExecuting: "executing",
	StatusExecuted:  "executed",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus accepts a status name case-insensitively.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if name == trimmed {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", raw)
}

// Request is the authoritative record of a sponsored transaction request.
// Fields above the divider are fixed at submission.
type Request struct {
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
	Priority             Priority
	SubmittedAt          time.Time

	Status        Status
	FailureReason string
	ExecutedAt    time.Time
	GasUsed       uint64
	Charged       *uint256.Int
	Refund        *uint256.Int
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Value = cloneU256(r.Value)
	out.MaxFeePerGas = cloneU256(r.MaxFeePerGas)
	out.MaxPriorityFeePerGas = cloneU256(r.MaxPriorityFeePerGas)
	out.Reserved = cloneU256(r.Reserved)
	out.Charged = cloneU256(r.Charged)
	out.Refund = cloneU256(r.Refund)
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	return &out
}

func cloneU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

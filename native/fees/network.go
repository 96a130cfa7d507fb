package fees

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"gasrelay/native/common"
)

// NetworkConfig captures the gas parameters configured for a supported
// network. Values are configuration inputs, not oracle observations.
type NetworkConfig struct {
	ChainID      uint64       `json:"chainId"`
	Name         string       `json:"name"`
	BaseGasPrice *uint256.Int `json:"baseGasPrice"`
	MaxGasPrice  *uint256.Int `json:"maxGasPrice"`
	GasLimit     uint64       `json:"gasLimit"`
	PriorityFee  *uint256.Int `json:"priorityFee"`
	Active       bool         `json:"active"`
}

// Clone returns a deep copy of the network configuration.
func (n NetworkConfig) Clone() NetworkConfig {
	clone := n
	clone.BaseGasPrice = cloneOrZero(n.BaseGasPrice)
	clone.MaxGasPrice = cloneOrZero(n.MaxGasPrice)
	clone.PriorityFee = cloneOrZero(n.PriorityFee)
	return clone
}

// Validate checks the internal consistency of the configuration.
func (n NetworkConfig) Validate() error {
	if n.ChainID == 0 {
		return common.Validation("network chain id required")
	}
	if strings.TrimSpace(n.Name) == "" {
		return common.Validation("network %d: name required", n.ChainID)
	}
	if n.GasLimit == 0 {
		return common.Validation("network %d: gas limit ceiling must be positive", n.ChainID)
	}
	if n.MaxGasPrice == nil || n.MaxGasPrice.IsZero() {
		return common.Validation("network %d: max gas price must be positive", n.ChainID)
	}
	if n.BaseGasPrice != nil && n.BaseGasPrice.Gt(n.MaxGasPrice) {
		return common.Validation("network %d: base gas price above max gas price", n.ChainID)
	}
	return nil
}

// GasConfigUpdate is a partial update applied by admin operations. Nil fields
// are left unchanged.
type GasConfigUpdate struct {
	BaseGasPrice *uint256.Int `json:"baseGasPrice,omitempty"`
	MaxGasPrice  *uint256.Int `json:"maxGasPrice,omitempty"`
	GasLimit     *uint64      `json:"gasLimit,omitempty"`
	PriorityFee  *uint256.Int `json:"priorityFee,omitempty"`
	Active       *bool        `json:"active,omitempty"`
}

// Apply returns a copy of n with the update applied and validated.
func (u GasConfigUpdate) Apply(n NetworkConfig) (NetworkConfig, error) {
	next := n.Clone()
	if u.BaseGasPrice != nil {
		next.BaseGasPrice = u.BaseGasPrice.Clone()
	}
	if u.MaxGasPrice != nil {
		next.MaxGasPrice = u.MaxGasPrice.Clone()
	}
	if u.GasLimit != nil {
		next.GasLimit = *u.GasLimit
	}
	if u.PriorityFee != nil {
		next.PriorityFee = u.PriorityFee.Clone()
	}
	if u.Active != nil {
		next.Active = *u.Active
	}
	if err := next.Validate(); err != nil {
		return n, fmt.Errorf("gas config update: %w", err)
	}
	return next, nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the reserved sentinel identifying the network's native asset.
// Every other asset id is a fungible token address.
var NativeAsset = common.Address{}

// IsNative reports whether asset refers to the native asset.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// ParseAddress parses a 0x-prefixed hex address. The zero address is accepted
// so callers can pass the native asset sentinel; use ParseAccount where a
// real account is required.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "native") {
		return NativeAsset, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseAccount parses an address that must identify an account (non-zero).
func ParseAccount(raw string) (common.Address, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("account address cannot be zero")
	}
	return addr, nil
}

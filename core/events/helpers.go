package events

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
)

func assetLabel(asset common.Address) string {
	if types.IsNative(asset) {
		return "native"
	}
	return asset.Hex()
}

func setAmount(attrs map[string]string, key string, v *uint256.Int) {
	if v != nil {
		attrs[key] = v.Dec()
	}
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

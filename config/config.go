package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"gasrelay/core"
	"gasrelay/core/types"
	"gasrelay/native/fees"
	"gasrelay/native/ledger"
	"gasrelay/native/ratelimit"
)

// LoadParams loads the parameters from the given path, writing a default file
// when none exists.
func LoadParams(path string) (*Params, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Params{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	applyDefaults(cfg)
	if err := ValidateParams(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Params) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./gasrelay-data"
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = "leveldb"
	}
	if cfg.Execution.MinIntervalMillis == 0 {
		cfg.Execution.MinIntervalMillis = 500
	}
	if cfg.Execution.MaxPayloadBytes == 0 {
		cfg.Execution.MaxPayloadBytes = core.DefaultMaxPayloadBytes
	}
	if cfg.Execution.MaxBatchSize == 0 {
		cfg.Execution.MaxBatchSize = core.DefaultMaxBatchSize
	}
}

// Default returns the parameters written by LoadParams for a missing file.
func Default() *Params {
	cfg := &Params{
		Fees: Fees{PlatformBps: 50, ProviderBps: 100},
		Deposits: Deposits{
			Native: Bound{Min: "1000000000000", Max: "100000000000000000000"},
			Token:  Bound{Min: "1", Max: ""},
		},
		Execution: Execution{TimeoutSeconds: 300},
		Networks: []Network{{
			ChainID:      1,
			Name:         "ethereum",
			BaseGasPrice: "18000000000",
			MaxGasPrice:  "200000000000",
			PriorityFee:  "2000000000",
			GasLimit:     30_000_000,
			Active:       true,
			UserLimits:   ratelimit.Limits{TxPerSecond: 5, TxPerMinute: 60, TxPerHour: 1000},
		}},
	}
	applyDefaults(cfg)
	return cfg
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Params, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Params) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ExecutionTimeout returns the staleness threshold.
func (p Params) ExecutionTimeout() time.Duration {
	return time.Duration(p.Execution.TimeoutSeconds) * time.Second
}

// MinExecutionInterval returns the executor worker cadence.
func (p Params) MinExecutionInterval() time.Duration {
	return time.Duration(p.Execution.MinIntervalMillis) * time.Millisecond
}

// OrchestratorConfig converts the parameters into the orchestrator config.
func (p Params) OrchestratorConfig() (core.Config, error) {
	cfg := core.Config{
		Rates:            fees.Rates{PlatformBps: p.Fees.PlatformBps, ProviderBps: p.Fees.ProviderBps},
		ExecutionTimeout: p.ExecutionTimeout(),
		MaxPayloadBytes:  p.Execution.MaxPayloadBytes,
		MaxBatchSize:     p.Execution.MaxBatchSize,
	}
	var err error
	if cfg.PlatformCollector, err = parseOptionalAccount("Fees.PlatformCollector", p.Fees.PlatformCollector); err != nil {
		return core.Config{}, err
	}
	if cfg.ProviderCollector, err = parseOptionalAccount("Fees.ProviderCollector", p.Fees.ProviderCollector); err != nil {
		return core.Config{}, err
	}
	for _, n := range p.Networks {
		network, err := n.gasConfig()
		if err != nil {
			return core.Config{}, err
		}
		cfg.Networks = append(cfg.Networks, network)
	}
	return cfg, nil
}

// LedgerConfig converts the deposit bounds and gas collector.
func (p Params) LedgerConfig() (ledger.Config, error) {
	var cfg ledger.Config
	var err error
	if cfg.Native, err = p.Deposits.Native.parse("Deposits.Native"); err != nil {
		return cfg, err
	}
	if cfg.Token, err = p.Deposits.Token.parse("Deposits.Token"); err != nil {
		return cfg, err
	}
	if cfg.GasCollector, err = parseOptionalAccount("Fees.GasCollector", p.Fees.GasCollector); err != nil {
		return cfg, err
	}
	if len(p.Deposits.Overrides) > 0 {
		cfg.Overrides = make(map[common.Address]ledger.Bounds, len(p.Deposits.Overrides))
		for i, o := range p.Deposits.Overrides {
			field := fmt.Sprintf("Deposits.Overrides[%d]", i)
			asset, err := types.ParseAddress(o.Asset)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s.Asset: %w", field, err)
			}
			bounds, err := o.Bound.parse(field)
			if err != nil {
				return cfg, err
			}
			cfg.Overrides[asset] = bounds
		}
	}
	return cfg, nil
}

// RateLimits returns the limiter configuration keyed by chain id.
func (p Params) RateLimits() map[uint64]ratelimit.NetworkLimits {
	out := make(map[uint64]ratelimit.NetworkLimits, len(p.Networks))
	for _, n := range p.Networks {
		out[n.ChainID] = ratelimit.NetworkLimits{User: n.UserLimits, Network: n.NetworkLimits, Active: true}
	}
	return out
}

func (n Network) gasConfig() (fees.NetworkConfig, error) {
	field := fmt.Sprintf("Networks[%d]", n.ChainID)
	base, err := parseUintAmount(n.BaseGasPrice)
	if err != nil {
		return fees.NetworkConfig{}, fmt.Errorf("invalid %s.BaseGasPrice: %w", field, err)
	}
	maxPrice, err := parseUintAmount(n.MaxGasPrice)
	if err != nil {
		return fees.NetworkConfig{}, fmt.Errorf("invalid %s.MaxGasPrice: %w", field, err)
	}
	tip, err := parseUintAmount(n.PriorityFee)
	if err != nil {
		return fees.NetworkConfig{}, fmt.Errorf("invalid %s.PriorityFee: %w", field, err)
	}
	cfg := fees.NetworkConfig{
		ChainID:      n.ChainID,
		Name:         strings.TrimSpace(n.Name),
		BaseGasPrice: base,
		MaxGasPrice:  maxPrice,
		GasLimit:     n.GasLimit,
		PriorityFee:  tip,
		Active:       n.Active,
	}
	if err := cfg.Validate(); err != nil {
		return fees.NetworkConfig{}, err
	}
	return cfg, nil
}

func (b Bound) parse(field string) (ledger.Bounds, error) {
	min, err := parseUintAmount(b.Min)
	if err != nil {
		return ledger.Bounds{}, fmt.Errorf("invalid %s.Min: %w", field, err)
	}
	max, err := parseUintAmount(b.Max)
	if err != nil {
		return ledger.Bounds{}, fmt.Errorf("invalid %s.Max: %w", field, err)
	}
	if !max.IsZero() && min.Gt(max) {
		return ledger.Bounds{}, fmt.Errorf("invalid %s: min above max", field)
	}
	return ledger.Bounds{Min: min, Max: max}, nil
}

// parseUintAmount parses a decimal amount; an empty string is zero.
func parseUintAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	return value, nil
}

func parseOptionalAccount(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	addr, err := types.ParseAccount(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return addr, nil
}

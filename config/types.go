package config

import "gasrelay/native/ratelimit"

// Network is the TOML form of a supported network. Prices are decimal wei
// strings.
type Network struct {
	ChainID       uint64
	Name          string
	BaseGasPrice  string
	MaxGasPrice   string
	PriorityFee   string
	GasLimit      uint64
	Active        bool
	UserLimits    ratelimit.Limits
	NetworkLimits ratelimit.Limits
}

// Fees captures the fee rates and the accounts credited at settlement. An
// empty collector means the amount leaves custody.
type Fees struct {
	PlatformBps       uint32
	ProviderBps       uint32
	PlatformCollector string
	ProviderCollector string
	GasCollector      string
}

// Bound is an inclusive deposit range in base units. An empty Max means
// unbounded.
type Bound struct {
	Min string
	Max string
}

// AssetBound overrides the class bound for a single token.
type AssetBound struct {
	Asset string
	Bound
}

// Deposits groups the deposit bounds per asset class.
type Deposits struct {
	Native    Bound
	Token     Bound
	Overrides []AssetBound
}

// Execution controls the executor cadence and request limits.
type Execution struct {
	// TimeoutSeconds marks admitted requests stale for alerting only.
	TimeoutSeconds    uint64
	MinIntervalMillis uint64
	MaxPayloadBytes   int
	MaxBatchSize      int
}

// Params bundles the orchestrator parameters enforced by ValidateParams.
type Params struct {
	DataDir        string
	StorageBackend string
	Fees           Fees
	Deposits       Deposits
	Execution      Execution
	Networks       []Network
}

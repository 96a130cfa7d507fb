package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gasrelay/core/events"
	"gasrelay/mempool"
	nativecommon "gasrelay/native/common"
	"gasrelay/native/fees"
	"gasrelay/native/ledger"
	"gasrelay/native/ratelimit"
	"gasrelay/native/requests"
	"gasrelay/observability"
)

const instrumentationName = "gasrelay/core"

// DefaultMaxPayloadBytes bounds the opaque payload of a request.
const DefaultMaxPayloadBytes = 128 << 10

// DefaultMaxBatchSize bounds the number of ids accepted by ExecuteBatch.
const DefaultMaxBatchSize = 256

// ErrQueueEmpty is returned by ExecuteNext when nothing is admitted.
var ErrQueueEmpty = errors.New("orchestrator: queue empty")

// Capabilities is the set of privileged roles held by a caller.
type Capabilities uint8

const (
	// CapExecutor may run admitted requests.
	CapExecutor Capabilities = 1 << iota
	// CapAdmin may change parameters and pause the orchestrator.
	CapAdmin
)

// Caller identifies who invokes an operation. The address is the user for
// balance and submission operations.
type Caller struct {
	Address      common.Address
	Capabilities Capabilities
}

// Has reports whether the caller holds every capability in c.
func (c Caller) Has(caps Capabilities) bool {
	return c.Capabilities&caps == caps
}

// Config carries the orchestrator parameters.
type Config struct {
	Networks          []fees.NetworkConfig
	Rates             fees.Rates
	PlatformCollector common.Address
	ProviderCollector common.Address
	// ExecutionTimeout marks admitted requests as stale for monitoring. It
	// never changes a request's state.
	ExecutionTimeout time.Duration
	MaxPayloadBytes  int
	MaxBatchSize     int
}

// Components are the collaborating stores owned by the orchestrator.
type Components struct {
	Ledger   *ledger.Ledger
	Limiter  *ratelimit.Limiter
	Registry *requests.Registry
	Queue    *mempool.Queue
	Target   Target
}

// Orchestrator admits, queues, executes and settles sponsored requests.
type Orchestrator struct {
	ledger   *ledger.Ledger
	limiter  *ratelimit.Limiter
	registry *requests.Registry
	queue    *mempool.Queue
	target   Target

	emitter events.Emitter
	metrics *observability.OrchestratorMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   instruments
	now     func() time.Time

	pause nativecommon.PauseSwitch
	locks userLocks
	perf  performance

	cfgMu             sync.RWMutex
	networks          map[uint64]fees.NetworkConfig
	rates             fees.Rates
	platformCollector common.Address
	providerCollector common.Address
	executionTimeout  time.Duration
	maxPayload        int
	maxBatch          int
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithEmitter sets the sink for orchestrator events.
func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithMetrics overrides the prometheus registry. A nil value disables
// prometheus recording.
func WithMetrics(m *observability.OrchestratorMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) {
		if mp != nil {
			o.meter = newInstruments(mp.Meter(instrumentationName))
		}
	}
}

// New wires an orchestrator from its components. Ledger, Limiter and Target
// are required; Registry and Queue default to in-memory instances.
func New(cfg Config, parts Components, opts ...Option) (*Orchestrator, error) {
	if parts.Ledger == nil || parts.Limiter == nil || parts.Target == nil {
		return nil, fmt.Errorf("orchestrator: ledger, limiter and target are required")
	}
	if err := cfg.Rates.Validate(); err != nil {
		return nil, err
	}
	networks := make(map[uint64]fees.NetworkConfig, len(cfg.Networks))
	for _, network := range cfg.Networks {
		if err := network.Validate(); err != nil {
			return nil, err
		}
		if _, dup := networks[network.ChainID]; dup {
			return nil, nativecommon.Validation("network %d configured twice", network.ChainID)
		}
		networks[network.ChainID] = network.Clone()
	}
	o := &Orchestrator{
		ledger:            parts.Ledger,
		limiter:           parts.Limiter,
		registry:          parts.Registry,
		queue:             parts.Queue,
		target:            parts.Target,
		emitter:           events.NoopEmitter{},
		metrics:           observability.Orchestrator(),
		logger:            slog.Default(),
		tracer:            otel.Tracer(instrumentationName),
		meter:             newInstruments(otel.Meter(instrumentationName)),
		now:               time.Now,
		networks:          networks,
		rates:             cfg.Rates,
		platformCollector: cfg.PlatformCollector,
		providerCollector: cfg.ProviderCollector,
		executionTimeout:  cfg.ExecutionTimeout,
		maxPayload:        cfg.MaxPayloadBytes,
		maxBatch:          cfg.MaxBatchSize,
	}
	if o.registry == nil {
		o.registry = requests.New(nil)
	}
	if o.queue == nil {
		o.queue = mempool.NewQueue()
	}
	if o.maxPayload <= 0 {
		o.maxPayload = DefaultMaxPayloadBytes
	}
	if o.maxBatch <= 0 {
		o.maxBatch = DefaultMaxBatchSize
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "orchestrator"))
	return o, nil
}

func (o *Orchestrator) network(id uint64) (fees.NetworkConfig, error) {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	network, ok := o.networks[id]
	if !ok {
		return fees.NetworkConfig{}, nativecommon.Validation("unknown network %d", id)
	}
	return network.Clone(), nil
}

func (o *Orchestrator) currentRates() fees.Rates {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.rates
}

func (o *Orchestrator) collectors() (platform, provider common.Address) {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.platformCollector, o.providerCollector
}

// Networks returns every configured network ordered by chain id.
func (o *Orchestrator) Networks() []fees.NetworkConfig {
	o.cfgMu.RLock()
	out := make([]fees.NetworkConfig, 0, len(o.networks))
	for _, network := range o.networks {
		out = append(out, network.Clone())
	}
	o.cfgMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func (o *Orchestrator) emit(ev events.Event) {
	o.emitter.Emit(ev)
}

func requireCaller(caller Caller) error {
	if caller.Address == (common.Address{}) {
		return fmt.Errorf("%w: caller identity required", nativecommon.ErrUnauthorized)
	}
	return nil
}

func requireCapability(caller Caller, caps Capabilities, name string) error {
	if !caller.Has(caps) {
		return fmt.Errorf("%w: %s capability required", nativecommon.ErrUnauthorized, name)
	}
	return nil
}

package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gasrelay/core/events"
	"gasrelay/core/types"
	"gasrelay/mempool"
	nativecommon "gasrelay/native/common"
	"gasrelay/native/fees"
	"gasrelay/native/ledger"
	"gasrelay/native/ratelimit"
	"gasrelay/native/requests"
	"gasrelay/storage"
)

const chainID = uint64(1)

var (
	alice        = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	platformAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	providerAddr = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	gasCollector = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	targetAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	executor     = Caller{Address: common.HexToAddress("0x0000000000000000000000000000000000000e0e"), Capabilities: CapExecutor}
	admin        = Caller{Address: common.HexToAddress("0x000000000000000000000000000000000000ad01"), Capabilities: CapAdmin}

	// 100_000 gas at 20 gwei with 50 + 100 bps.
	referenceReservation = uint256.NewInt(2_030_000_000_000_000)
)

func gwei(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000))
}

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func user(addr common.Address) Caller { return Caller{Address: addr} }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubTarget struct {
	mu    sync.Mutex
	calls []Call
	fn    func(Call) (Receipt, error)
}

func (s *stubTarget) Invoke(_ context.Context, call Call) (Receipt, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return Receipt{GasUsed: call.GasLimit}, nil
	}
	return fn(call)
}

func (s *stubTarget) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	orch     *Orchestrator
	ledger   *ledger.Ledger
	limiter  *ratelimit.Limiter
	registry *requests.Registry
	queue    *mempool.Queue
	target   *stubTarget
	clock    *fakeClock
	events   *events.Broadcaster
}

type fixtureOptions struct {
	limits       ratelimit.NetworkLimits
	gasCollector common.Address
	db           storage.Database
	timeout      time.Duration
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.limits.Active = true
	f := &fixture{
		ledger: ledger.New(ledger.Config{
			Native:       ledger.Bounds{Min: uint256.NewInt(1), Max: ether(10)},
			Token:        ledger.Bounds{Min: uint256.NewInt(1), Max: ether(1_000)},
			GasCollector: opts.gasCollector,
		}, ledger.WithDatabase(opts.db)),
		limiter:  ratelimit.New(map[uint64]ratelimit.NetworkLimits{chainID: opts.limits}, ratelimit.WithClock(clock.Now)),
		registry: requests.New(opts.db),
		queue:    mempool.NewQueue(),
		target:   &stubTarget{},
		clock:    clock,
		events:   events.NewBroadcaster(),
	}
	orch, err := New(Config{
		Networks: []fees.NetworkConfig{{
			ChainID:      chainID,
			Name:         "mainnet",
			BaseGasPrice: gwei(18),
			MaxGasPrice:  gwei(100),
			GasLimit:     1_000_000,
			PriorityFee:  gwei(2),
			Active:       true,
		}},
		Rates:             fees.Rates{PlatformBps: 50, ProviderBps: 100},
		PlatformCollector: platformAddr,
		ProviderCollector: providerAddr,
		ExecutionTimeout:  opts.timeout,
	}, Components{
		Ledger:   f.ledger,
		Limiter:  f.limiter,
		Registry: f.registry,
		Queue:    f.queue,
		Target:   f.target,
	}, WithClock(clock.Now), WithMetrics(nil), WithEmitter(f.events))
	require.NoError(t, err)
	f.orch = orch
	return f
}

func referenceParams(priority types.Priority) SubmitParams {
	return SubmitParams{
		Network:              chainID,
		Target:               targetAddr,
		Payload:              []byte("transfer"),
		GasLimit:             100_000,
		MaxFeePerGas:         gwei(20),
		MaxPriorityFeePerGas: gwei(2),
		Asset:                types.NativeAsset,
		Priority:             priority,
	}
}

func (f *fixture) fund(t *testing.T, who common.Address, amount *uint256.Int) {
	t.Helper()
	require.NoError(t, f.orch.Deposit(context.Background(), user(who), types.NativeAsset, amount))
}

func (f *fixture) submit(t *testing.T, who common.Address, priority types.Priority) uint64 {
	t.Helper()
	id, err := f.orch.Submit(context.Background(), user(who), referenceParams(priority))
	require.NoError(t, err)
	return id
}

func TestSubmitReservesAndExecuteSettlesReferenceVector(t *testing.T) {
	f := newFixture(t, fixtureOptions{gasCollector: gasCollector})
	ctx := context.Background()
	f.fund(t, alice, ether(1))

	id := f.submit(t, alice, types.PriorityNormal)
	require.Equal(t, uint64(1), id)

	req, err := f.orch.Request(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusAdmitted, req.Status)
	require.True(t, req.Reserved.Eq(referenceReservation))

	bal := f.orch.Balance(alice, types.NativeAsset)
	require.True(t, bal.Reserved.Eq(referenceReservation))
	require.True(t, new(uint256.Int).Add(bal.Spendable, bal.Reserved).Eq(ether(1)))

	outcome, err := f.orch.ExecuteNext(ctx, executor)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, types.StatusExecuted, outcome.Status)
	require.Equal(t, uint64(100_000), outcome.GasUsed)
	require.True(t, outcome.Refund.IsZero())
	require.Equal(t, "2000000000000000", outcome.GasCost.Dec())
	require.Equal(t, "10000000000000", outcome.PlatformFee.Dec())
	require.Equal(t, "20000000000000", outcome.ProviderFee.Dec())

	bal = f.orch.Balance(alice, types.NativeAsset)
	require.True(t, bal.Reserved.IsZero())
	require.True(t, new(uint256.Int).Sub(ether(1), referenceReservation).Eq(bal.Spendable))
	require.Equal(t, "2000000000000000", f.orch.Balance(gasCollector, types.NativeAsset).Spendable.Dec())
	require.Equal(t, "10000000000000", f.orch.Balance(platformAddr, types.NativeAsset).Spendable.Dec())
	require.Equal(t, "20000000000000", f.orch.Balance(providerAddr, types.NativeAsset).Spendable.Dec())

	req, err = f.orch.Request(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusExecuted, req.Status)
	require.True(t, req.Charged.Eq(referenceReservation))
	require.Equal(t, 1, f.target.callCount())
}

func TestPartialGasIsRefunded(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.target.fn = func(Call) (Receipt, error) { return Receipt{GasUsed: 50_000}, nil }
	f.fund(t, alice, ether(1))
	f.submit(t, alice, types.PriorityNormal)

	outcome, err := f.orch.ExecuteNext(context.Background(), executor)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), outcome.GasUsed)
	require.Equal(t, "1015000000000000", outcome.Refund.Dec())

	// reserved = cost + fees + refund
	sum := new(uint256.Int).Add(outcome.GasCost, outcome.PlatformFee)
	sum.Add(sum, outcome.ProviderFee)
	sum.Add(sum, outcome.Refund)
	require.True(t, sum.Eq(referenceReservation))
}

func TestUnreportedGasChargesFullLimit(t *testing.T) {
	for name, gas := range map[string]uint64{"zero": 0, "above limit": 5_000_000} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			f.target.fn = func(Call) (Receipt, error) { return Receipt{GasUsed: gas}, nil }
			f.fund(t, alice, ether(1))
			f.submit(t, alice, types.PriorityNormal)
			outcome, err := f.orch.ExecuteNext(context.Background(), executor)
			require.NoError(t, err)
			require.Equal(t, uint64(100_000), outcome.GasUsed)
			require.True(t, outcome.Refund.IsZero())
		})
	}
}

func TestInsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, uint256.NewInt(1_000))

	_, err := f.orch.Submit(ctx, user(alice), referenceParams(types.PriorityNormal))
	require.ErrorIs(t, err, nativecommon.ErrInsufficientBalance)
	require.Zero(t, f.registry.Len())
	require.Zero(t, f.queue.Len())
	require.Zero(t, f.limiter.UserState(alice, chainID).TotalTransactions)
	require.Equal(t, uint64(1_000), f.orch.Balance(alice, types.NativeAsset).Spendable.Uint64())

	f.fund(t, alice, ether(1))
	require.Equal(t, uint64(1), f.submit(t, alice, types.PriorityNormal), "rejected submissions never consume an id")
}

func TestRateLimitAdmitsExactlyN(t *testing.T) {
	f := newFixture(t, fixtureOptions{limits: ratelimit.NetworkLimits{User: ratelimit.Limits{TxPerSecond: 3}}})
	f.fund(t, alice, ether(1))
	for i := 0; i < 3; i++ {
		f.submit(t, alice, types.PriorityNormal)
	}
	_, err := f.orch.Submit(context.Background(), user(alice), referenceParams(types.PriorityNormal))
	require.ErrorIs(t, err, nativecommon.ErrRateLimitExceeded)
	var rl *nativecommon.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, ratelimit.ScopeUser, rl.Scope)
	require.Equal(t, "second", rl.Window)

	// The rejected attempt reserved nothing.
	want := new(uint256.Int).Mul(referenceReservation, uint256.NewInt(3))
	require.True(t, f.orch.Balance(alice, types.NativeAsset).Reserved.Eq(want))
	require.Equal(t, 3, f.registry.Len())

	f.clock.Advance(time.Second)
	f.submit(t, alice, types.PriorityNormal)
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, ether(1))
	a := f.submit(t, alice, types.PriorityLow)
	b := f.submit(t, alice, types.PriorityCritical)
	c := f.submit(t, alice, types.PriorityLow)

	var order []uint64
	for {
		outcome, err := f.orch.ExecuteNext(ctx, executor)
		if errors.Is(err, ErrQueueEmpty) {
			break
		}
		require.NoError(t, err)
		order = append(order, outcome.RequestID)
	}
	require.Equal(t, []uint64{b, a, c}, order)
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)

	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Execute(context.Background(), executor, id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, nativecommon.ErrAlreadyExecuted):
				already.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(15), already.Load())
	require.Equal(t, 1, f.target.callCount())

	_, err := f.orch.ExecuteNext(context.Background(), executor)
	require.ErrorIs(t, err, ErrQueueEmpty, "directly executed requests leave the queue")
}

func TestTargetFailureIsRecordedNotReturned(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.target.fn = func(Call) (Receipt, error) {
		return Receipt{GasUsed: 30_000}, errors.New("execution reverted")
	}
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)

	outcome, err := f.orch.Execute(context.Background(), executor, id)
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, types.StatusFailed, outcome.Status)
	require.Equal(t, "execution reverted", outcome.Reason)
	require.Equal(t, uint64(30_000), outcome.GasUsed)

	req, err := f.orch.Request(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, req.Status)
	require.Equal(t, "execution reverted", req.FailureReason)
	require.True(t, f.orch.Balance(alice, types.NativeAsset).Reserved.IsZero())

	_, err = f.orch.Execute(context.Background(), executor, id)
	require.ErrorIs(t, err, nativecommon.ErrAlreadyExecuted)
}

func TestTargetPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.target.fn = func(Call) (Receipt, error) { panic("boom") }
	f.fund(t, alice, ether(1))
	f.submit(t, alice, types.PriorityNormal)

	outcome, err := f.orch.ExecuteNext(context.Background(), executor)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, outcome.Status)
	require.Contains(t, outcome.Reason, "boom")
	require.Equal(t, uint64(100_000), outcome.GasUsed)
}

func TestExecuteBatchReportsPerRequest(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, ether(1))
	first := f.submit(t, alice, types.PriorityNormal)
	second := f.submit(t, alice, types.PriorityNormal)
	_, err := f.orch.Execute(ctx, executor, second)
	require.NoError(t, err)

	outcomes, err := f.orch.ExecuteBatch(ctx, executor, []uint64{first, second, 99})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	require.True(t, outcomes[0].Success)
	require.ErrorIs(t, outcomes[1].Err, nativecommon.ErrAlreadyExecuted)
	require.ErrorIs(t, outcomes[2].Err, requests.ErrNotFound)
	require.NotEmpty(t, outcomes[2].Error)

	_, err = f.orch.ExecuteBatch(ctx, user(alice), []uint64{first})
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)
}

func TestExecutorCapabilityRequired(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)

	_, err := f.orch.ExecuteNext(context.Background(), user(alice))
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)
	_, err = f.orch.Execute(context.Background(), admin, id)
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)
	require.Zero(t, f.target.callCount())
}

func TestPauseBlocksMutationsOnly(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)

	require.ErrorIs(t, f.orch.Pause(ctx, user(alice)), nativecommon.ErrUnauthorized)
	require.NoError(t, f.orch.Pause(ctx, admin))
	require.True(t, f.orch.Paused())

	require.ErrorIs(t, f.orch.Deposit(ctx, user(alice), types.NativeAsset, uint256.NewInt(5)), nativecommon.ErrPaused)
	require.ErrorIs(t, f.orch.Withdraw(ctx, user(alice), types.NativeAsset, uint256.NewInt(5)), nativecommon.ErrPaused)
	_, err := f.orch.Submit(ctx, user(alice), referenceParams(types.PriorityNormal))
	require.ErrorIs(t, err, nativecommon.ErrPaused)
	_, err = f.orch.ExecuteNext(ctx, executor)
	require.ErrorIs(t, err, nativecommon.ErrPaused)
	_, err = f.orch.ExecuteBatch(ctx, executor, []uint64{id})
	require.ErrorIs(t, err, nativecommon.ErrPaused)
	require.False(t, f.orch.CanOrchestrate(PreflightParams{User: alice, Network: chainID, GasLimit: 21_000}).OK)

	_, err = f.orch.Request(id)
	require.NoError(t, err)
	require.True(t, f.orch.Status().Paused)
	require.Equal(t, 1, f.orch.QueueStats().Total)

	require.NoError(t, f.orch.Unpause(ctx, admin))
	_, err = f.orch.Execute(ctx, executor, id)
	require.NoError(t, err)
}

func TestCanOrchestrateIsReadOnly(t *testing.T) {
	f := newFixture(t, fixtureOptions{limits: ratelimit.NetworkLimits{User: ratelimit.Limits{TxPerSecond: 1}}})
	f.fund(t, alice, ether(1))

	params := PreflightParams{User: alice, Network: chainID, GasLimit: 100_000, MaxFeePerGas: gwei(20)}
	for i := 0; i < 5; i++ {
		pre := f.orch.CanOrchestrate(params)
		require.True(t, pre.OK, pre.Reason)
		require.True(t, pre.Required.Eq(referenceReservation))
	}
	require.True(t, f.orch.Balance(alice, types.NativeAsset).Reserved.IsZero())
	require.Zero(t, f.limiter.UserState(alice, chainID).TotalTransactions)

	f.submit(t, alice, types.PriorityNormal)
	pre := f.orch.CanOrchestrate(params)
	require.False(t, pre.OK)
	require.Contains(t, pre.Reason, "rate limit")

	pre = f.orch.CanOrchestrate(PreflightParams{User: bob, Network: chainID, GasLimit: 21_000, Amount: uint256.NewInt(1)})
	require.False(t, pre.OK)
	require.Contains(t, pre.Reason, "insufficient")
}

func TestFeeChangesDoNotAffectAdmittedRequests(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)

	require.ErrorIs(t, f.orch.UpdateFeePercentages(ctx, executor, fees.Rates{PlatformBps: 1}), nativecommon.ErrUnauthorized)
	require.ErrorIs(t, f.orch.UpdateFeePercentages(ctx, admin, fees.Rates{PlatformBps: 6_000, ProviderBps: 5_000}), nativecommon.ErrValidation)
	require.NoError(t, f.orch.UpdateFeePercentages(ctx, admin, fees.Rates{PlatformBps: 500, ProviderBps: 500}))

	outcome, err := f.orch.Execute(ctx, executor, id)
	require.NoError(t, err)
	require.Equal(t, "10000000000000", outcome.PlatformFee.Dec())
	require.True(t, outcome.Refund.IsZero())

	next := f.submit(t, alice, types.PriorityNormal)
	req, err := f.orch.Request(next)
	require.NoError(t, err)
	require.Equal(t, uint32(500), req.PlatformFeeBps)
	require.Equal(t, "2200000000000000", req.Reserved.Dec())
}

func TestPerformanceMetricsCountEveryTerminalTransition(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	calls := 0
	f.target.fn = func(call Call) (Receipt, error) {
		calls++
		if calls == 2 {
			return Receipt{GasUsed: 40_000}, errors.New("reverted")
		}
		f.clock.Advance(30 * time.Millisecond)
		return Receipt{GasUsed: 60_000}, nil
	}
	f.fund(t, alice, ether(1))
	for i := 0; i < 3; i++ {
		f.submit(t, alice, types.PriorityNormal)
	}
	for i := 0; i < 3; i++ {
		_, err := f.orch.ExecuteNext(ctx, executor)
		require.NoError(t, err)
	}
	perf := f.orch.PerformanceMetrics()
	require.Equal(t, uint64(3), perf.TotalProcessed)
	require.Equal(t, uint64(2), perf.TotalSucceeded)
	require.Equal(t, uint64(1), perf.TotalFailed)
	require.Equal(t, uint64(160_000), perf.TotalGasUsed)
	require.Equal(t, uint64(6_666), perf.SuccessRateBps)
	require.Equal(t, 20*time.Millisecond, perf.AverageExecutionTime)
}

func TestConcurrentSubmissionsNeverOverReserve(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	deposit := new(uint256.Int).Mul(referenceReservation, uint256.NewInt(5))
	f.fund(t, alice, deposit)

	var admitted, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Submit(context.Background(), user(alice), referenceParams(types.PriorityNormal))
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, nativecommon.ErrInsufficientBalance):
				insufficient.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(5), admitted.Load())
	require.Equal(t, int32(15), insufficient.Load())
	bal := f.orch.Balance(alice, types.NativeAsset)
	require.True(t, bal.Spendable.IsZero())
	require.True(t, bal.Reserved.Eq(deposit))
	require.Equal(t, uint64(5), f.limiter.UserState(alice, chainID).TotalTransactions)
}

func TestCustodyIsConserved(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.target.fn = func(call Call) (Receipt, error) { return Receipt{GasUsed: 70_000}, nil }
	f.fund(t, alice, ether(2))
	f.fund(t, bob, ether(1))
	f.submit(t, alice, types.PriorityNormal)
	f.submit(t, bob, types.PriorityHigh)
	_, err := f.orch.ExecuteNext(ctx, executor)
	require.NoError(t, err)
	require.NoError(t, f.orch.Withdraw(ctx, user(bob), types.NativeAsset, uint256.NewInt(12345)))

	held, burned := f.ledger.Custody(types.NativeAsset)
	total := new(uint256.Int).Add(held, burned)
	want := new(uint256.Int).Sub(ether(3), uint256.NewInt(12345))
	require.True(t, total.Eq(want), "held %s burned %s", held.Dec(), burned.Dec())
	require.False(t, burned.IsZero(), "gas cost leaves custody without a collector")
}

func TestStaleRequestsAreInformational(t *testing.T) {
	f := newFixture(t, fixtureOptions{timeout: time.Minute})
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)
	require.Empty(t, f.orch.StaleRequests())

	f.clock.Advance(2 * time.Minute)
	stale := f.orch.StaleRequests()
	require.Len(t, stale, 1)
	require.Equal(t, id, stale[0].ID)
	require.Equal(t, 1, f.orch.QueueStats().Stale)

	req, err := f.orch.Request(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusAdmitted, req.Status)
}

func TestRestoreRequeuesAdmittedAndFailsInterrupted(t *testing.T) {
	db := storage.NewMemDB()
	f := newFixture(t, fixtureOptions{db: db})
	f.fund(t, alice, ether(1))
	interrupted := f.submit(t, alice, types.PriorityHigh)
	waiting := f.submit(t, alice, types.PriorityNormal)
	_, err := f.registry.Claim(interrupted)
	require.NoError(t, err)

	restarted := newFixture(t, fixtureOptions{db: db})
	report, err := restarted.orch.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Requests)
	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 1, report.Interrupted)

	req, err := restarted.orch.Request(interrupted)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, req.Status)
	require.Equal(t, InterruptedReason, req.FailureReason)
	require.True(t, req.Charged.Eq(referenceReservation))
	require.Zero(t, restarted.target.callCount())

	outcome, err := restarted.orch.ExecuteNext(context.Background(), executor)
	require.NoError(t, err)
	require.Equal(t, waiting, outcome.RequestID)

	next := restarted.submit(t, alice, types.PriorityNormal)
	require.Equal(t, uint64(3), next)
	require.True(t, restarted.orch.Balance(alice, types.NativeAsset).Reserved.Eq(referenceReservation))
}

func TestAdminGasConfigAndSuggestions(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	suggested, err := f.orch.SuggestFee(chainID, types.PriorityUrgent)
	require.NoError(t, err)
	require.True(t, suggested.Eq(gwei(30)))

	inactive := false
	_, err = f.orch.UpdateGasConfig(ctx, admin, chainID, fees.GasConfigUpdate{Active: &inactive})
	require.NoError(t, err)
	f.fund(t, alice, ether(1))
	_, err = f.orch.Submit(ctx, user(alice), referenceParams(types.PriorityNormal))
	require.ErrorIs(t, err, nativecommon.ErrValidation)

	_, err = f.orch.UpdateGasConfig(ctx, admin, 42, fees.GasConfigUpdate{})
	require.ErrorIs(t, err, nativecommon.ErrValidation)
	_, err = f.orch.UpdateGasConfig(ctx, user(alice), chainID, fees.GasConfigUpdate{})
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)

	require.NoError(t, f.orch.UpdateRateLimits(ctx, admin, chainID, ratelimit.NetworkLimits{Active: true, User: ratelimit.Limits{TxPerHour: 7}}))
	status := f.orch.Status()
	require.Len(t, status.Networks, 1)
	require.Equal(t, uint64(7), status.Networks[0].Limits.User.TxPerHour)
	require.False(t, status.Networks[0].Config.Active)
	require.ErrorIs(t, f.orch.UpdateRateLimits(ctx, admin, 42, ratelimit.NetworkLimits{}), nativecommon.ErrValidation)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, ether(1))

	cases := map[string]func(*SubmitParams){
		"unknown network":   func(p *SubmitParams) { p.Network = 42 },
		"zero target":       func(p *SubmitParams) { p.Target = common.Address{} },
		"zero gas":          func(p *SubmitParams) { p.GasLimit = 0 },
		"gas above ceiling": func(p *SubmitParams) { p.GasLimit = 2_000_000 },
		"zero fee":          func(p *SubmitParams) { p.MaxFeePerGas = uint256.NewInt(0) },
		"fee above max":     func(p *SubmitParams) { p.MaxFeePerGas = gwei(101) },
		"tip above fee":     func(p *SubmitParams) { p.MaxPriorityFeePerGas = gwei(21) },
		"bad priority":      func(p *SubmitParams) { p.Priority = types.Priority(9) },
		"huge payload":      func(p *SubmitParams) { p.Payload = make([]byte, DefaultMaxPayloadBytes+1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := referenceParams(types.PriorityNormal)
			mutate(&params)
			_, err := f.orch.Submit(ctx, user(alice), params)
			require.ErrorIs(t, err, nativecommon.ErrValidation)
		})
	}
	_, err := f.orch.Submit(ctx, Caller{}, referenceParams(types.PriorityNormal))
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)
	require.Zero(t, f.registry.Len())
}

func TestEventsArePublished(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	stream, cancel := f.events.Subscribe(16)
	defer cancel()

	f.fund(t, alice, ether(1))
	f.submit(t, alice, types.PriorityNormal)
	_, err := f.orch.ExecuteNext(context.Background(), executor)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, (<-stream).Type)
	}
	require.Equal(t, []string{events.TypeBalanceDeposited, events.TypeRequestSubmitted, events.TypeRequestExecuted}, got)
}

func TestExecuteBatchRecordsPartialFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.fund(t, alice, ether(1))
	ids := []uint64{
		f.submit(t, alice, types.PriorityNormal),
		f.submit(t, alice, types.PriorityNormal),
		f.submit(t, alice, types.PriorityNormal),
	}
	f.target.fn = func(call Call) (Receipt, error) {
		if call.RequestID == ids[1] {
			return Receipt{GasUsed: 40_000}, &nativecommon.ExecutionError{Reason: "reverted"}
		}
		return Receipt{GasUsed: call.GasLimit}, nil
	}
	before := f.orch.PerformanceMetrics()

	outcomes, err := f.orch.ExecuteBatch(ctx, executor, ids)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	want := []types.Status{types.StatusExecuted, types.StatusFailed, types.StatusExecuted}
	for i, outcome := range outcomes {
		require.Equal(t, ids[i], outcome.RequestID)
		require.NoError(t, outcome.Err)
		require.Equal(t, want[i], outcome.Status)
		req, err := f.orch.Request(ids[i])
		require.NoError(t, err)
		require.Equal(t, want[i], req.Status)
	}
	failed, err := f.orch.Request(ids[1])
	require.NoError(t, err)
	require.Equal(t, "reverted", failed.FailureReason)
	require.Equal(t, uint64(40_000), failed.GasUsed)

	after := f.orch.PerformanceMetrics()
	require.Equal(t, before.TotalProcessed+3, after.TotalProcessed)
	require.Equal(t, before.TotalFailed+1, after.TotalFailed)
	require.Zero(t, f.orch.Balance(alice, types.NativeAsset).Reserved.Uint64())
}

func TestRestoreReleasesUnadmittedReservations(t *testing.T) {
	db := storage.NewMemDB()
	f := newFixture(t, fixtureOptions{db: db})
	f.fund(t, alice, ether(1))
	live := f.submit(t, alice, types.PriorityNormal)

	// A Pending record with its reservation, then a reservation whose record
	// was never written.
	require.NoError(t, f.ledger.Reserve(alice, types.NativeAsset, referenceReservation))
	pending, err := f.registry.Create(&types.Request{
		Requester:    alice,
		Network:      chainID,
		Target:       targetAddr,
		GasLimit:     100_000,
		MaxFeePerGas: gwei(20),
		Asset:        types.NativeAsset,
		Reserved:     referenceReservation.Clone(),
		Priority:     types.PriorityNormal,
	})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reserve(alice, types.NativeAsset, referenceReservation))

	restarted := newFixture(t, fixtureOptions{db: db})
	report, err := restarted.orch.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 1, report.Abandoned)
	require.Equal(t, 1, report.Released)

	req, err := restarted.orch.Request(pending)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, req.Status)
	require.Equal(t, AbandonedReason, req.FailureReason)
	require.True(t, req.Charged.IsZero())

	bal := restarted.orch.Balance(alice, types.NativeAsset)
	require.True(t, bal.Reserved.Eq(referenceReservation), "only the admitted request stays reserved")
	require.True(t, new(uint256.Int).Add(bal.Spendable, bal.Reserved).Eq(ether(1)))

	outcome, err := restarted.orch.ExecuteNext(context.Background(), executor)
	require.NoError(t, err)
	require.Equal(t, live, outcome.RequestID)
	require.Equal(t, 1, restarted.target.callCount())
}

// failingPuts rejects writes to keys starting with prefix once it is set.
type failingPuts struct {
	storage.Database
	prefix []byte
}

func (d *failingPuts) Put(key, value []byte) error {
	if len(d.prefix) > 0 && bytes.HasPrefix(key, d.prefix) {
		return errors.New("disk full")
	}
	return d.Database.Put(key, value)
}

func TestSettlementFailureReleasesReservation(t *testing.T) {
	db := &failingPuts{Database: storage.NewMemDB()}
	f := newFixture(t, fixtureOptions{db: db})
	f.fund(t, alice, ether(1))
	id := f.submit(t, alice, types.PriorityNormal)
	db.prefix = []byte(fmt.Sprintf("ledger/%x/", platformAddr[:]))

	outcome, err := f.orch.Execute(context.Background(), executor, id)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, outcome.Status)

	req, err := f.orch.Request(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, req.Status)
	require.Contains(t, req.FailureReason, "settlement failed")
	require.True(t, req.Charged.IsZero())
	require.True(t, req.Refund.Eq(referenceReservation))

	bal := f.orch.Balance(alice, types.NativeAsset)
	require.True(t, bal.Reserved.IsZero())
	require.True(t, bal.Spendable.Eq(ether(1)))
	require.True(t, f.orch.Balance(platformAddr, types.NativeAsset).Spendable.IsZero())
}

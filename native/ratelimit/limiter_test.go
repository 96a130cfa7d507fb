package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	nativecommon "gasrelay/native/common"
)

const testNetwork = uint64(1)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func newLimiter(clock *fakeClock, limits NetworkLimits) *Limiter {
	limits.Active = true
	return New(map[uint64]NetworkLimits{testNetwork: limits}, WithClock(clock.Now))
}

func requireRateLimit(t *testing.T, err error, scope string, window Window, dimension string) {
	t.Helper()
	require.ErrorIs(t, err, nativecommon.ErrRateLimitExceeded)
	var rl *nativecommon.RateLimitError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, scope, rl.Scope)
	require.Equal(t, window.String(), rl.Window)
	require.Equal(t, dimension, rl.Dimension)
}

func TestPerSecondCapAdmitsExactlyN(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerSecond: 5}})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 21_000, nil))
	}
	err := l.CheckAndAdmit(alice, testNetwork, 21_000, nil)
	requireRateLimit(t, err, ScopeUser, Second, DimensionTransactions)

	// Other users keep their own windows.
	require.NoError(t, l.CheckAndAdmit(bob, testNetwork, 21_000, nil))

	state := l.UserState(alice, testNetwork)
	require.Equal(t, uint64(5), state.Window(Second).Transactions)
	require.Equal(t, uint64(5), state.TotalTransactions)
	require.Equal(t, uint64(5*21_000), state.TotalGas)
}

func TestWindowRollsOverAfterLength(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerSecond: 1, TxPerMinute: 2}})

	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	requireRateLimit(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), ScopeUser, Second, DimensionTransactions)

	clock.Advance(999 * time.Millisecond)
	requireRateLimit(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), ScopeUser, Second, DimensionTransactions)

	clock.Advance(time.Millisecond)
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))

	clock.Advance(time.Second)
	requireRateLimit(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), ScopeUser, Minute, DimensionTransactions)

	clock.Advance(time.Minute)
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	require.Equal(t, uint64(3), l.UserState(alice, testNetwork).TotalTransactions)
}

func TestGasCaps(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{GasPerHour: 100_000}})

	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 60_000, nil))
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 40_000, nil))
	requireRateLimit(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), ScopeUser, Hour, DimensionGas)

	clock.Advance(time.Hour)
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 100_000, nil))
}

func TestNetworkCeilingSpansUsers(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{
		User:    Limits{TxPerMinute: 10},
		Network: Limits{TxPerMinute: 3},
	})

	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	require.NoError(t, l.CheckAndAdmit(bob, testNetwork, 1, nil))
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	requireRateLimit(t, l.CheckAndAdmit(bob, testNetwork, 1, nil), ScopeNetwork, Minute, DimensionTransactions)

	net, err := l.NetworkState(testNetwork)
	require.NoError(t, err)
	require.Equal(t, uint64(3), net.Window(Minute).Transactions)
	// The rejected attempt left bob's own counters alone.
	require.Equal(t, uint64(1), l.UserState(bob, testNetwork).TotalTransactions)
}

func TestCommitFailureLeavesCountersUntouched(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerSecond: 1}, Network: Limits{TxPerSecond: 1}})

	boom := errors.New("insufficient")
	err := l.CheckAndAdmit(alice, testNetwork, 500, func() error { return boom })
	require.ErrorIs(t, err, boom)

	require.Zero(t, l.UserState(alice, testNetwork).TotalTransactions)
	net, err := l.NetworkState(testNetwork)
	require.NoError(t, err)
	require.Zero(t, net.TotalTransactions)

	committed := false
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 500, func() error {
		committed = true
		return nil
	}))
	require.True(t, committed)
}

func TestCommitNotCalledOnRejection(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerSecond: 1}})
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))

	called := false
	err := l.CheckAndAdmit(alice, testNetwork, 1, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, nativecommon.ErrRateLimitExceeded)
	require.False(t, called)
}

func TestCheckDoesNotMoveCounters(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerSecond: 1}})

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Check(alice, testNetwork, 1))
	}
	require.Zero(t, l.UserState(alice, testNetwork).TotalTransactions)
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	requireRateLimit(t, l.Check(alice, testNetwork, 1), ScopeUser, Second, DimensionTransactions)
}

func TestUnknownAndInactiveNetworks(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{})

	require.ErrorIs(t, l.CheckAndAdmit(alice, 99, 1, nil), nativecommon.ErrValidation)
	require.ErrorIs(t, l.Check(alice, 99, 1), nativecommon.ErrValidation)

	l.UpdateLimits(testNetwork, NetworkLimits{Active: false})
	require.ErrorIs(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), nativecommon.ErrValidation)

	l.UpdateLimits(testNetwork, NetworkLimits{Active: true, User: Limits{TxPerHour: 1}})
	limits, err := l.Limits(testNetwork)
	require.NoError(t, err)
	require.Equal(t, uint64(1), limits.User.TxPerHour)
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	requireRateLimit(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), ScopeUser, Hour, DimensionTransactions)
}

func TestZeroLimitsAreUnlimited(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{})
	for i := 0; i < 1_000; i++ {
		require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1_000_000, nil))
	}
}

func TestConcurrentAdmissionsRespectCap(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{Network: Limits{TxPerSecond: 25}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := common.BigToAddress(common.Big1)
			if i%2 == 0 {
				user = alice
			}
			if err := l.CheckAndAdmit(user, testNetwork, 1, nil); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 25, admitted)
}

func TestPruneDropsIdleUsers(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerHour: 1}})
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	require.Equal(t, 1, l.Tracked())

	require.Zero(t, l.Prune())
	clock.Advance(time.Hour)
	require.Equal(t, 1, l.Prune())
	require.Zero(t, l.Tracked())
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
}

func TestPruneKeepsRecentlyAdmittedUsers(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, NetworkLimits{User: Limits{TxPerMinute: 1}})
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))

	// The hour window opened at the first admission; the second one lands
	// just before it expires.
	clock.Advance(time.Hour - 500*time.Millisecond)
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
	clock.Advance(500 * time.Millisecond)

	requireRateLimit(t, l.Check(alice, testNetwork, 1), ScopeUser, Minute, DimensionTransactions)
	require.Zero(t, l.Prune())
	require.Equal(t, 1, l.Tracked())
	requireRateLimit(t, l.CheckAndAdmit(alice, testNetwork, 1, nil), ScopeUser, Minute, DimensionTransactions)

	clock.Advance(time.Hour)
	require.Equal(t, 1, l.Prune())
	require.NoError(t, l.CheckAndAdmit(alice, testNetwork, 1, nil))
}

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"gasrelay/core/types"
)

var user = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type bare struct{}

func (bare) EventType() string { return "bare" }

func TestRequestFinalizedRendering(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := Render(RequestFinalized{
		ID:          9,
		Requester:   user,
		Network:     1,
		Status:      types.StatusFailed,
		Reason:      " reverted ",
		GasUsed:     21_000,
		GasCost:     uint256.NewInt(420),
		PlatformFee: uint256.NewInt(2),
		ProviderFee: uint256.NewInt(4),
		Refund:      uint256.NewInt(0),
		Duration:    1500 * time.Millisecond,
		At:          at,
	})
	require.Equal(t, TypeRequestFailed, evt.Type)
	require.NotEmpty(t, evt.ID)
	require.True(t, evt.Timestamp.Equal(at))
	require.Equal(t, "9", evt.Attributes["requestId"])
	require.Equal(t, "reverted", evt.Attributes["reason"])
	require.Equal(t, "native", evt.Attributes["asset"])
	require.Equal(t, "420", evt.Attributes["gasCost"])
	require.Equal(t, "1500", evt.Attributes["durationMs"])

	executed := RequestFinalized{Status: types.StatusExecuted}.Event()
	require.Equal(t, TypeRequestExecuted, executed.Type)
	_, hasReason := executed.Attributes["reason"]
	require.False(t, hasReason)
}

func TestRenderFallsBackToType(t *testing.T) {
	evt := Render(bare{})
	require.Equal(t, "bare", evt.Type)
	require.NotNil(t, evt.Attributes)
	require.Nil(t, Render(nil))
}

func TestBroadcasterDeliversWithoutBlocking(t *testing.T) {
	b := NewBroadcaster()
	fast, cancelFast := b.Subscribe(8)
	defer cancelFast()
	_, cancelSlow := b.Subscribe(1)
	require.Equal(t, 2, b.Subscribers())

	for i := 0; i < 3; i++ {
		b.Emit(PauseChanged{Paused: i%2 == 0, Actor: user})
	}
	for i := 0; i < 3; i++ {
		evt := <-fast
		require.Equal(t, TypePauseChanged, evt.Type)
	}
	require.Equal(t, uint64(2), b.Dropped())

	cancelSlow()
	cancelSlow()
	require.Equal(t, 1, b.Subscribers())
}

func TestBroadcasterConcurrentCancel(t *testing.T) {
	b := NewBroadcaster()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		_, cancel := b.Subscribe(1)
		go func() {
			defer wg.Done()
			b.Emit(BalanceDeposited{User: user, Amount: uint256.NewInt(1)})
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
	require.Zero(t, b.Subscribers())
}

type recorder struct{ got []string }

func (r *recorder) Emit(ev Event) { r.got = append(r.got, ev.EventType()) }

func TestFanout(t *testing.T) {
	a, c := &recorder{}, &recorder{}
	Fanout{a, nil, c}.Emit(ConfigUpdated{Section: ConfigSectionFees})
	require.Equal(t, []string{TypeConfigUpdated}, a.got)
	require.Equal(t, []string{TypeConfigUpdated}, c.got)
	NoopEmitter{}.Emit(bare{})
}

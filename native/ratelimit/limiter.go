package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "gasrelay/native/common"
)

// Window identifies one of the tracked sliding windows.
type Window uint8

const (
	Second Window = iota
	Minute
	Hour
	windowCount
)

var windowLengths = [windowCount]time.Duration{time.Second, time.Minute, time.Hour}

// Windows returns every tracked window in ascending length.
func Windows() []Window { return []Window{Second, Minute, Hour} }

// Length returns the duration covered by the window.
func (w Window) Length() time.Duration {
	if w >= windowCount {
		return 0
	}
	return windowLengths[w]
}

func (w Window) String() string {
	switch w {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return fmt.Sprintf("window(%d)", uint8(w))
	}
}

const (
	ScopeUser    = "user"
	ScopeNetwork = "network"

	DimensionTransactions = "transactions"
	DimensionGas          = "gas"
)

// Limits caps transactions and gas per window. Zero disables a cap.
type Limits struct {
	TxPerSecond  uint64 `toml:"TxPerSecond" json:"txPerSecond"`
	TxPerMinute  uint64 `toml:"TxPerMinute" json:"txPerMinute"`
	TxPerHour    uint64 `toml:"TxPerHour" json:"txPerHour"`
	GasPerSecond uint64 `toml:"GasPerSecond" json:"gasPerSecond"`
	GasPerMinute uint64 `toml:"GasPerMinute" json:"gasPerMinute"`
	GasPerHour   uint64 `toml:"GasPerHour" json:"gasPerHour"`
}

func (l Limits) transactions(w Window) uint64 {
	switch w {
	case Second:
		return l.TxPerSecond
	case Minute:
		return l.TxPerMinute
	default:
		return l.TxPerHour
	}
}

func (l Limits) gas(w Window) uint64 {
	switch w {
	case Second:
		return l.GasPerSecond
	case Minute:
		return l.GasPerMinute
	default:
		return l.GasPerHour
	}
}

// NetworkLimits holds the per-user caps and the cross-user ceiling for one
// network.
type NetworkLimits struct {
	User    Limits `toml:"User" json:"user"`
	Network Limits `toml:"Network" json:"network"`
	Active  bool   `toml:"Active" json:"active"`
}

// WindowUsage is the counter pair of a single window.
type WindowUsage struct {
	Start        time.Time `json:"start"`
	Transactions uint64    `json:"transactions"`
	Gas          uint64    `json:"gas"`
}

// Usage is the fixed-size counter set kept for a user or a network.
type Usage struct {
	Windows           [windowCount]WindowUsage `json:"windows"`
	TotalTransactions uint64                   `json:"totalTransactions"`
	TotalGas          uint64                   `json:"totalGas"`
}

// Window returns the counters of w.
func (u Usage) Window(w Window) WindowUsage {
	if w >= windowCount {
		return WindowUsage{}
	}
	return u.Windows[w]
}

// rolled returns u with every expired window reset to start at now.
func (u Usage) rolled(now time.Time) Usage {
	for i := range u.Windows {
		if now.Sub(u.Windows[i].Start) >= windowLengths[i] {
			u.Windows[i] = WindowUsage{Start: now}
		}
	}
	return u
}

// admit checks the counters of u against limits and returns the incremented
// counters. u is left untouched.
func (u Usage) admit(scope string, limits Limits, gasLimit uint64) (Usage, error) {
	next := u
	for _, w := range Windows() {
		cur := next.Windows[w]
		if cur.Transactions == math.MaxUint64 {
			return u, &nativecommon.RateLimitError{Scope: scope, Window: w.String(), Dimension: DimensionTransactions, Limit: limits.transactions(w)}
		}
		if max := limits.transactions(w); max > 0 && cur.Transactions+1 > max {
			return u, &nativecommon.RateLimitError{Scope: scope, Window: w.String(), Dimension: DimensionTransactions, Limit: max}
		}
		if cur.Gas > math.MaxUint64-gasLimit {
			return u, &nativecommon.RateLimitError{Scope: scope, Window: w.String(), Dimension: DimensionGas, Limit: limits.gas(w)}
		}
		if max := limits.gas(w); max > 0 && cur.Gas+gasLimit > max {
			return u, &nativecommon.RateLimitError{Scope: scope, Window: w.String(), Dimension: DimensionGas, Limit: max}
		}
		cur.Transactions++
		cur.Gas += gasLimit
		next.Windows[w] = cur
	}
	next.TotalTransactions++
	if next.TotalGas > math.MaxUint64-gasLimit {
		next.TotalGas = math.MaxUint64
	} else {
		next.TotalGas += gasLimit
	}
	return next, nil
}

type userKey struct {
	user    common.Address
	network uint64
}

type userState struct {
	mu       sync.Mutex
	usage    Usage
	lastSeen time.Time
	pruned   bool
}

type networkState struct {
	mu     sync.Mutex
	limits NetworkLimits
	usage  Usage
}

// Limiter enforces the per-user and per-network windows. Each user/network
// pair keeps a fixed-size Usage so memory grows only with the number of
// distinct callers.
type Limiter struct {
	now func() time.Time

	mu       sync.RWMutex
	users    map[userKey]*userState
	networks map[uint64]*networkState
}

// Option customises the limiter.
type Option func(*Limiter)

// WithClock sets the function used to derive window boundaries.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// New returns a limiter enforcing the supplied per-network limits.
func New(limits map[uint64]NetworkLimits, opts ...Option) *Limiter {
	l := &Limiter{
		now:      time.Now,
		users:    make(map[userKey]*userState),
		networks: make(map[uint64]*networkState, len(limits)),
	}
	for _, opt := range opts {
		opt(l)
	}
	for id, cfg := range limits {
		l.networks[id] = &networkState{limits: cfg}
	}
	return l
}

func (l *Limiter) network(id uint64) (*networkState, error) {
	l.mu.RLock()
	ns, ok := l.networks[id]
	l.mu.RUnlock()
	if !ok {
		return nil, nativecommon.Validation("network %d not configured", id)
	}
	return ns, nil
}

func (l *Limiter) user(user common.Address, network uint64) *userState {
	key := userKey{user: user, network: network}
	l.mu.RLock()
	st, ok := l.users[key]
	l.mu.RUnlock()
	if ok {
		return st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.users[key]; ok {
		return st
	}
	st = &userState{}
	l.users[key] = st
	return st
}

// lockUser returns the locked state of user on network, retrying when a
// concurrent Prune removed the entry between lookup and lock.
func (l *Limiter) lockUser(user common.Address, network uint64) *userState {
	for {
		us := l.user(user, network)
		us.mu.Lock()
		if !us.pruned {
			return us
		}
		us.mu.Unlock()
	}
}

// CheckAndAdmit admits one transaction of gasLimit for user on network. The
// user windows are checked first, then the network ceiling. When both pass,
// commit runs while both locks are held; counters are only incremented if
// commit succeeds. A nil commit is allowed.
func (l *Limiter) CheckAndAdmit(user common.Address, network uint64, gasLimit uint64, commit func() error) error {
	ns, err := l.network(network)
	if err != nil {
		return err
	}
	now := l.now()
	us := l.lockUser(user, network)
	defer us.mu.Unlock()

	ns.mu.Lock()
	limits := ns.limits
	ns.mu.Unlock()
	if !limits.Active {
		return nativecommon.Validation("network %d inactive", network)
	}

	nextUser, err := us.usage.rolled(now).admit(ScopeUser, limits.User, gasLimit)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	nextNetwork, err := ns.usage.rolled(now).admit(ScopeNetwork, ns.limits.Network, gasLimit)
	if err != nil {
		return err
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	us.usage = nextUser
	us.lastSeen = now
	ns.usage = nextNetwork
	return nil
}

// Check reports whether CheckAndAdmit would currently succeed without moving
// any counter.
func (l *Limiter) Check(user common.Address, network uint64, gasLimit uint64) error {
	ns, err := l.network(network)
	if err != nil {
		return err
	}
	now := l.now()

	l.mu.RLock()
	us, ok := l.users[userKey{user: user, network: network}]
	l.mu.RUnlock()
	var usage Usage
	if ok {
		us.mu.Lock()
		usage = us.usage
		us.mu.Unlock()
	}

	ns.mu.Lock()
	limits := ns.limits
	netUsage := ns.usage
	ns.mu.Unlock()
	if !limits.Active {
		return nativecommon.Validation("network %d inactive", network)
	}
	if _, err := usage.rolled(now).admit(ScopeUser, limits.User, gasLimit); err != nil {
		return err
	}
	_, err = netUsage.rolled(now).admit(ScopeNetwork, limits.Network, gasLimit)
	return err
}

// UserState returns the rolled counters of user on network.
func (l *Limiter) UserState(user common.Address, network uint64) Usage {
	l.mu.RLock()
	us, ok := l.users[userKey{user: user, network: network}]
	l.mu.RUnlock()
	if !ok {
		return Usage{}
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.usage.rolled(l.now())
}

// NetworkState returns the rolled cross-user counters of network.
func (l *Limiter) NetworkState(network uint64) (Usage, error) {
	ns, err := l.network(network)
	if err != nil {
		return Usage{}, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.usage.rolled(l.now()), nil
}

// Limits returns the limits configured for network.
func (l *Limiter) Limits(network uint64) (NetworkLimits, error) {
	ns, err := l.network(network)
	if err != nil {
		return NetworkLimits{}, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.limits, nil
}

// UpdateLimits replaces the limits of network, registering it when unknown.
// Existing counters are kept.
func (l *Limiter) UpdateLimits(network uint64, limits NetworkLimits) {
	l.mu.Lock()
	ns, ok := l.networks[network]
	if !ok {
		l.networks[network] = &networkState{limits: limits}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	ns.mu.Lock()
	ns.limits = limits
	ns.mu.Unlock()
}

// Networks returns the ids of every configured network.
func (l *Limiter) Networks() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint64, 0, len(l.networks))
	for id := range l.networks {
		ids = append(ids, id)
	}
	return ids
}

// Prune drops the counters of users whose last admission is at least an hour
// old and returns the number of entries removed. Every window of such a user
// has expired, so dropping it cannot loosen a limit. Their lifetime totals are discarded;
// the network totals still account for them.
func (l *Limiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, st := range l.users {
		if !st.mu.TryLock() {
			continue
		}
		if now.Sub(st.lastSeen) >= windowLengths[Hour] {
			st.pruned = true
			delete(l.users, key)
			removed++
		}
		st.mu.Unlock()
	}
	return removed
}

// Tracked returns the number of user/network pairs currently holding counters.
func (l *Limiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}

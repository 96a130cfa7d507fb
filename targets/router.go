// Package targets provides the downstream Target implementations the
// executor invokes on a requester's behalf.
package targets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"gasrelay/core"
)

// ErrUnknownTarget is returned when no handler serves the call's target.
var ErrUnknownTarget = errors.New("targets: unknown target")

// Router dispatches calls to handlers keyed by target address.
type Router struct {
	mu       sync.RWMutex
	routes   map[common.Address]core.Target
	fallback core.Target
}

// NewRouter returns a router that sends unmatched calls to fallback, or
// fails them when fallback is nil.
func NewRouter(fallback core.Target) *Router {
	return &Router{routes: make(map[common.Address]core.Target), fallback: fallback}
}

// Handle registers t for calls addressed to target, replacing any previous
// handler.
func (r *Router) Handle(target common.Address, t core.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == nil {
		delete(r.routes, target)
		return
	}
	r.routes[target] = t
}

// Routes returns the number of registered targets.
func (r *Router) Routes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Invoke implements core.Target.
func (r *Router) Invoke(ctx context.Context, call core.Call) (core.Receipt, error) {
	r.mu.RLock()
	t, ok := r.routes[call.Target]
	if !ok {
		t = r.fallback
	}
	r.mu.RUnlock()
	if t == nil {
		return core.Receipt{}, fmt.Errorf("%w %s", ErrUnknownTarget, call.Target.Hex())
	}
	return t.Invoke(ctx, call)
}

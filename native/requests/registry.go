package requests

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
	nativecommon "gasrelay/native/common"
	"gasrelay/storage"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("request not found")
	// ErrInvalidTransition reports a lifecycle edge the state machine does not
	// allow, such as Pending directly to Executed.
	ErrInvalidTransition = errors.New("invalid request transition")
)

const (
	recordPrefix = "requests/id/"
	nextKey      = "requests/next"
)

var allowed = map[types.Status][]types.Status{
	types.StatusPending:   {types.StatusAdmitted, types.StatusFailed},
	types.StatusAdmitted:  {types.StatusExecuting},
	types.StatusExecuting: {types.StatusExecuted, types.StatusFailed},
}

// Details carries the outcome fields recorded on a terminal transition.
type Details struct {
	FailureReason string
	ExecutedAt    time.Time
	GasUsed       uint64
	Charged       *uint256.Int
	Refund        *uint256.Int
}

// Registry is the authoritative store of request records and their lifecycle.
type Registry struct {
	mu      sync.RWMutex
	next    uint64
	records map[uint64]*types.Request
	byUser  map[common.Address][]uint64
	db      storage.Database
}

// New constructs a registry. db may be nil for a purely in-memory registry.
func New(db storage.Database) *Registry {
	return &Registry{
		records: make(map[uint64]*types.Request),
		byUser:  make(map[common.Address][]uint64),
		db:      db,
	}
}

// Create stores req as Pending under the next id and returns that id. Ids are
// never reused, including after a failed write.
func (r *Registry) Create(req *types.Request) (uint64, error) {
	return r.create(req, types.StatusPending)
}

// Admit stores req directly as Admitted under the next id. The record is
// written once, so a crash never leaves a Pending record behind an admission
// that already passed its checks.
func (r *Registry) Admit(req *types.Request) (uint64, error) {
	return r.create(req, types.StatusAdmitted)
}

func (r *Registry) create(req *types.Request, status types.Status) (uint64, error) {
	if req == nil {
		return 0, nativecommon.Validation("request required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	rec := req.Clone()
	rec.ID = id
	rec.Status = status
	rec.FailureReason = ""
	normalize(rec)
	if err := r.persistNext(); err != nil {
		return 0, err
	}
	if err := r.persist(rec); err != nil {
		return 0, err
	}
	r.records[id] = rec
	r.byUser[rec.Requester] = append(r.byUser[rec.Requester], id)
	return id, nil
}

// Get returns a copy of the request.
func (r *Registry) Get(id uint64) (*types.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Transition moves the request to status, applying details when the target
// is terminal. Terminal records reject every transition with
// ErrAlreadyExecuted.
func (r *Registry) Transition(id uint64, status types.Status, details Details) (*types.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: request %d is %s", nativecommon.ErrAlreadyExecuted, id, rec.Status)
	}
	if !edgeAllowed(rec.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, status)
	}
	next := rec.Clone()
	next.Status = status
	if status.Terminal() {
		next.ExecutedAt = details.ExecutedAt
		next.GasUsed = details.GasUsed
		next.Charged = cloneOrZero(details.Charged)
		next.Refund = cloneOrZero(details.Refund)
		if status == types.StatusFailed {
			next.FailureReason = details.FailureReason
		}
	}
	if err := r.persist(next); err != nil {
		return nil, err
	}
	r.records[id] = next
	return next.Clone(), nil
}

// Claim atomically moves an Admitted request to Executing. Any other state
// yields ErrAlreadyExecuted so two executors never run the same request.
func (r *Registry) Claim(id uint64) (*types.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if rec.Status != types.StatusAdmitted {
		return nil, fmt.Errorf("%w: request %d is %s", nativecommon.ErrAlreadyExecuted, id, rec.Status)
	}
	next := rec.Clone()
	next.Status = types.StatusExecuting
	if err := r.persist(next); err != nil {
		return nil, err
	}
	r.records[id] = next
	return next.Clone(), nil
}

// ListByUser returns the ids submitted by user in insertion order.
func (r *Registry) ListByUser(user common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint64(nil), r.byUser[user]...)
}

// ListByStatus returns the ids currently in status, ascending.
func (r *Registry) ListByStatus(status types.Status) []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0)
	for id, rec := range r.records {
		if rec.Status == status {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stale returns Admitted requests submitted at least timeout before now,
// oldest first. A non-positive timeout disables the check.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []*types.Request {
	if timeout <= 0 {
		return nil
	}
	r.mu.RLock()
	out := make([]*types.Request, 0)
	for _, rec := range r.records {
		if rec.Status == types.StatusAdmitted && now.Sub(rec.SubmittedAt) >= timeout {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored requests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Restore reloads every stored request and returns them ordered by id.
func (r *Registry) Restore() ([]*types.Request, error) {
	if r.db == nil {
		return nil, nil
	}
	records := make(map[uint64]*types.Request)
	byUser := make(map[common.Address][]uint64)
	var maxID uint64
	err := r.db.ForEach([]byte(recordPrefix), func(_, value []byte) error {
		var stored record
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("requests: decode record: %w", err)
		}
		rec := stored.request()
		records[rec.ID] = rec
		if rec.ID > maxID {
			maxID = rec.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	next := maxID
	raw, err := r.db.Get([]byte(nextKey))
	switch {
	case err == nil:
		if len(raw) == 8 {
			if stored := binary.BigEndian.Uint64(raw); stored > next {
				next = stored
			}
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("requests: load next id: %w", err)
	}

	ordered := make([]*types.Request, 0, len(records))
	for _, rec := range records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	out := make([]*types.Request, len(ordered))
	for i, rec := range ordered {
		byUser[rec.Requester] = append(byUser[rec.Requester], rec.ID)
		out[i] = rec.Clone()
	}

	r.mu.Lock()
	r.records = records
	r.byUser = byUser
	r.next = next
	r.mu.Unlock()
	return out, nil
}

func edgeAllowed(from, to types.Status) bool {
	for _, candidate := range allowed[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func (r *Registry) persistNext() error {
	if r.db == nil {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.next)
	if err := r.db.Put([]byte(nextKey), buf[:]); err != nil {
		return fmt.Errorf("requests: persist next id: %w", err)
	}
	return nil
}

func (r *Registry) persist(rec *types.Request) error {
	if r.db == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(newRecord(rec))
	if err != nil {
		return fmt.Errorf("requests: encode %d: %w", rec.ID, err)
	}
	if err := r.db.Put(recordKey(rec.ID), encoded); err != nil {
		return fmt.Errorf("requests: persist %d: %w", rec.ID, err)
	}
	return nil
}

func recordKey(id uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], id)
	return key
}

// normalize replaces nil amounts with zero so stored and restored records
// compare equal.
func normalize(rec *types.Request) {
	for _, field := range []**uint256.Int{&rec.Value, &rec.MaxFeePerGas, &rec.MaxPriorityFeePerGas, &rec.Reserved, &rec.Charged, &rec.Refund} {
		if *field == nil {
			*field = new(uint256.Int)
		}
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

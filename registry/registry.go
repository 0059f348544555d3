package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pixperk/deisync/types"
)

var (
	// ErrStaleReplaceTarget is returned by Replace when the id is not rendered.
	// It is not fatal; the call is a no-op.
	ErrStaleReplaceTarget = errors.New("registry: replace target not found")

	// ErrInconsistentCount means more rings are rendered than the cycle has slots.
	ErrInconsistentCount = errors.New("registry: ring count exceeds capacity")
)

// Op names the mutation a Change came from.
type Op int

const (
	OpInitialize Op = iota
	OpAppend
	OpReplace
	OpReset
)

func (o Op) String() string {
	switch o {
	case OpInitialize:
		return "initialize"
	case OpAppend:
		return "append"
	case OpReplace:
		return "replace"
	case OpReset:
		return "reset"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Change is the state a subscriber sees after one mutation.
type Change struct {
	Op      Op
	Version uint64
	Rings   []types.Ring
}

// Listener receives every change after it is applied.
type Listener func(Change)

// Registry is the ordered sequence of rendered rings for the current cycle
// plus the set of slots they occupy. It only changes through Initialize,
// Append, Replace and ResetAll.
type Registry struct {
	lock      sync.RWMutex
	capacity  int
	rings     []types.Ring
	used      map[types.SlotIndex]int // slot -> number of rendered rings on it
	version   uint64
	listeners map[int]Listener
	nextSub   int

	logger *zap.Logger
}

// New returns an empty registry for capacity slots.
func New(capacity int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		capacity:  capacity,
		used:      make(map[types.SlotIndex]int),
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Initialize clears everything and replays rings as appends. Length checks
// against capacity are the caller's job.
func (r *Registry) Initialize(rings []types.Ring) {
	r.lock.Lock()
	r.rings = make([]types.Ring, 0, len(rings))
	r.used = make(map[types.SlotIndex]int, len(rings))
	for _, ring := range rings {
		r.appendLocked(ring)
	}
	change := r.commitLocked(OpInitialize)
	r.lock.Unlock()

	r.notify(change)
}

// Append adds a ring to the end of the rendered sequence and marks its slot
// used. It does not check that the slot is free.
func (r *Registry) Append(ring types.Ring) {
	r.lock.Lock()
	r.appendLocked(ring)
	change := r.commitLocked(OpAppend)
	r.lock.Unlock()

	r.notify(change)
}

// Replace substitutes the rendered ring with existingID in place.
func (r *Registry) Replace(existingID string, ring types.Ring) error {
	r.lock.Lock()
	idx := -1
	for i, cur := range r.rings {
		if cur.ID == existingID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.lock.Unlock()
		r.logger.Warn("replace target not rendered",
			zap.String("id", existingID),
			zap.String("replacement", ring.ID))
		return fmt.Errorf("%w: %s", ErrStaleReplaceTarget, existingID)
	}

	old := r.rings[idx]
	r.rings[idx] = ring
	if old.SlotIndex != ring.SlotIndex {
		r.releaseLocked(old.SlotIndex)
		r.used[ring.SlotIndex]++
	}
	change := r.commitLocked(OpReplace)
	r.lock.Unlock()

	r.notify(change)
	return nil
}

// ResetAll clears the rendered sequence and the used slots. Called when a
// cycle completes.
func (r *Registry) ResetAll() {
	r.lock.Lock()
	r.rings = nil
	r.used = make(map[types.SlotIndex]int)
	change := r.commitLocked(OpReset)
	r.lock.Unlock()

	r.notify(change)
}

func (r *Registry) appendLocked(ring types.Ring) {
	r.rings = append(r.rings, ring)
	r.used[ring.SlotIndex]++
}

func (r *Registry) releaseLocked(slot types.SlotIndex) {
	if r.used[slot] <= 1 {
		delete(r.used, slot)
		return
	}
	r.used[slot]--
}

func (r *Registry) commitLocked(op Op) Change {
	r.version++
	rings := make([]types.Ring, len(r.rings))
	copy(rings, r.rings)
	return Change{Op: op, Version: r.version, Rings: rings}
}

// notify runs outside the lock so listeners may read the registry.
func (r *Registry) notify(change Change) {
	r.lock.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.lock.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}

// Subscribe registers a read-only listener for every mutation. The returned
// func removes it.
func (r *Registry) Subscribe(l Listener) (cancel func()) {
	r.lock.Lock()
	defer r.lock.Unlock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		delete(r.listeners, id)
	}
}

// Rings returns a copy of the rendered sequence.
func (r *Registry) Rings() []types.Ring {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]types.Ring, len(r.rings))
	copy(out, r.rings)
	return out
}

// Used returns a copy of the occupied slot set.
func (r *Registry) Used() map[types.SlotIndex]struct{} {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make(map[types.SlotIndex]struct{}, len(r.used))
	for slot := range r.used {
		out[slot] = struct{}{}
	}
	return out
}

// IsUsed reports whether any rendered ring occupies slot.
func (r *Registry) IsUsed(slot types.SlotIndex) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.used[slot] > 0
}

// Len is the number of rendered rings.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.rings)
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// Version increases by one on every mutation.
func (r *Registry) Version() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.version
}

// Full reports whether the cycle has every slot rendered.
func (r *Registry) Full() bool {
	return r.Len() >= r.capacity
}

// Find returns the rendered ring with the given id.
func (r *Registry) Find(id string) (types.Ring, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, ring := range r.rings {
		if ring.ID == id {
			return ring, true
		}
	}
	return types.Ring{}, false
}

// Check reports ErrInconsistentCount when more rings are rendered than
// there are slots. Nothing is corrected.
func (r *Registry) Check() error {
	n := r.Len()
	if n > r.capacity {
		return fmt.Errorf("%w: %d rendered, capacity %d", ErrInconsistentCount, n, r.capacity)
	}
	return nil
}

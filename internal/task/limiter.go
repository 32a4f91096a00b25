package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
)

// Admission is the outcome of a TryAdmit call.
type Admission int

const (
	// AdmissionGranted means a slot was reserved for the task.
	AdmissionGranted Admission = iota
	// AdmissionDeniedOwner means the owner is at its per-owner ceiling.
	AdmissionDeniedOwner
	// AdmissionDeniedGlobal means the process-wide ceiling is reached.
	AdmissionDeniedGlobal
)

func (a Admission) String() string {
	switch a {
	case AdmissionGranted:
		return "granted"
	case AdmissionDeniedOwner:
		return "denied_owner"
	case AdmissionDeniedGlobal:
		return "denied_global"
	default:
		return fmt.Sprintf("admission(%d)", int(a))
	}
}

// LimiterConfig holds the two concurrency ceilings.
type LimiterConfig struct {
	MaxPerOwner int
	MaxGlobal   int
}

type slotEntry struct {
	owner uuid.UUID
	seq   uint64
	// unconfirmed entries are admitted in the ledger but not yet recorded in
	// the store, so a store snapshot cannot know about them.
	unconfirmed bool
}

// Limiter is the concurrency ledger. It counts tasks holding a slot per owner
// and globally. The task store is authoritative; the ledger is a cache that
// Rebuild resynchronises from it.
//
// Slots are keyed by task ID, which makes Release idempotent and lets a
// double release be detected and ignored.
type Limiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	slots   map[uuid.UUID]slotEntry
	owners  map[uuid.UUID]int
	seq     uint64
	marking bool
	// released records releases that happened after the last Mark so a
	// rebuild from an older snapshot does not resurrect them.
	released map[uuid.UUID]uint64
}

// NewLimiter creates an empty ledger. Ceilings below one are raised to one.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.MaxPerOwner < 1 {
		cfg.MaxPerOwner = 1
	}
	if cfg.MaxGlobal < 1 {
		cfg.MaxGlobal = 1
	}
	return &Limiter{
		cfg:      cfg,
		slots:    make(map[uuid.UUID]slotEntry),
		owners:   make(map[uuid.UUID]int),
		released: make(map[uuid.UUID]uint64),
	}
}

// Config returns the configured ceilings.
func (l *Limiter) Config() LimiterConfig { return l.cfg }

// TryAdmit reserves a slot for taskID on behalf of owner when both ceilings
// allow it. Both counters are checked and incremented under one lock.
// Admitting a task that already holds a slot is granted without counting it
// twice.
func (l *Limiter) TryAdmit(owner, taskID uuid.UUID) Admission {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.slots[taskID]; held {
		return AdmissionGranted
	}
	if len(l.slots) >= l.cfg.MaxGlobal {
		return AdmissionDeniedGlobal
	}
	if l.owners[owner] >= l.cfg.MaxPerOwner {
		return AdmissionDeniedOwner
	}

	l.seq++
	l.slots[taskID] = slotEntry{owner: owner, seq: l.seq, unconfirmed: true}
	l.owners[owner]++
	delete(l.released, taskID)
	return AdmissionGranted
}

// Confirm records that the admission of taskID has been persisted.
func (l *Limiter) Confirm(taskID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, held := l.slots[taskID]; held {
		entry.unconfirmed = false
		l.slots[taskID] = entry
	}
}

// Release frees the slot held by taskID. It reports whether a slot was
// actually freed; releasing an unknown or already released task is a no-op.
func (l *Limiter) Release(taskID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, held := l.slots[taskID]
	if !held {
		return false
	}
	delete(l.slots, taskID)
	l.decrementOwner(entry.owner)

	l.seq++
	if l.marking {
		l.released[taskID] = l.seq
	}
	return true
}

// GlobalInFlight returns the number of slots held across all owners.
func (l *Limiter) GlobalInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// InFlight returns the number of slots held by owner.
func (l *Limiter) InFlight(owner uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[owner]
}

// SaturatedOwners returns the owners holding MaxPerOwner slots. A scan can
// skip them: none of their tasks would be admitted.
func (l *Limiter) SaturatedOwners() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	full := make([]uuid.UUID, 0)
	for owner, n := range l.owners {
		if n >= l.cfg.MaxPerOwner {
			full = append(full, owner)
		}
	}
	return full
}

// Holds reports whether taskID currently holds a slot.
func (l *Limiter) Holds(taskID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.slots[taskID]
	return held
}

// Mark returns a sequence number to pass to Rebuild. Take it before reading
// the in-flight snapshot from the store.
func (l *Limiter) Mark() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marking = true
	clear(l.released)
	return l.seq
}

// Rebuild replaces the ledger with slots read from the store. Admissions and
// releases that happened after mark are newer than the snapshot and win over
// it, as do admissions not yet confirmed. It returns how many entries changed.
func (l *Limiter) Rebuild(slots []domain.Slot, mark uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[uuid.UUID]slotEntry, len(slots))
	for _, s := range slots {
		if seq, ok := l.released[s.TaskID]; ok && seq > mark {
			continue
		}
		entry := slotEntry{owner: s.OwnerID}
		if old, ok := l.slots[s.TaskID]; ok {
			entry.seq = old.seq
		}
		next[s.TaskID] = entry
	}
	for id, entry := range l.slots {
		if _, ok := next[id]; !ok && (entry.seq > mark || entry.unconfirmed) {
			next[id] = entry
		}
	}

	drift := 0
	for id := range next {
		if _, ok := l.slots[id]; !ok {
			drift++
		}
	}
	for id := range l.slots {
		if _, ok := next[id]; !ok {
			drift++
		}
	}

	l.slots = next
	l.owners = make(map[uuid.UUID]int, len(next))
	for _, entry := range next {
		l.owners[entry.owner]++
	}
	l.marking = false
	clear(l.released)
	return drift
}

func (l *Limiter) decrementOwner(owner uuid.UUID) {
	if l.owners[owner] <= 1 {
		delete(l.owners, owner)
		return
	}
	l.owners[owner]--
}

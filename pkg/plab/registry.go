// Package plab implements the physical-layer admission binding
// registry: a fixed-capacity, open-addressed table mapping subscriber
// identities to enrolled fingerprint handles and the timestamp at
// which they were last bound.
package plab

import (
	"errors"
	"sync"

	"github.com/arc3silicon/dgateplus/pkg/fingerprint"
)

// ErrFull is returned by Upsert when no slot for the subscriber-id is
// available within the probe window.
var ErrFull = errors.New("plab: registry full within probe window")

// Entry is a binding record. An entry with Valid false carries no
// meaningful other fields.
type Entry struct {
	SubscriberID uint64
	Handle       fingerprint.Handle
	Timestamp    uint32
	Valid        bool
}

// Registry is a fixed-capacity, open-addressed table of binding
// entries indexed by subscriber-id modulo capacity with bounded linear
// probing.
type Registry struct {
	mu             sync.Mutex
	entries        []Entry
	probeLimit     int
	validityWindow uint32
}

// New constructs a Registry with the given capacity (reference:
// 10,000), probe limit (reference: 4), and binding validity window in
// timestamp-counter units.
func New(capacity, probeLimit int, validityWindow uint32) *Registry {
	return &Registry{
		entries:        make([]Entry, capacity),
		probeLimit:     probeLimit,
		validityWindow: validityWindow,
	}
}

func (r *Registry) index(id uint64) int {
	return int(id % uint64(len(r.entries)))
}

// Lookup returns the valid entry for id, probing up to the probe
// limit, or reports ok=false if none is found.
func (r *Registry) Lookup(id uint64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index(id)
	n := len(r.entries)
	for i := 0; i < r.probeLimit; i++ {
		slot := &r.entries[(idx+i)%n]
		if slot.Valid && slot.SubscriberID == id {
			return *slot, true
		}
	}
	return Entry{}, false
}

// Upsert writes handle and timestamp for id, reusing the existing slot
// for id if found within the probe window, else the first empty slot
// encountered. It fails with ErrFull if neither exists within the
// probe limit.
func (r *Registry) Upsert(id uint64, handle fingerprint.Handle, timestamp uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index(id)
	n := len(r.entries)
	firstEmpty := -1
	for i := 0; i < r.probeLimit; i++ {
		slotIdx := (idx + i) % n
		slot := &r.entries[slotIdx]
		if slot.Valid && slot.SubscriberID == id {
			slot.Handle = handle
			slot.Timestamp = timestamp
			return nil
		}
		if !slot.Valid && firstEmpty == -1 {
			firstEmpty = slotIdx
		}
	}
	if firstEmpty == -1 {
		return ErrFull
	}
	r.entries[firstEmpty] = Entry{
		SubscriberID: id,
		Handle:       handle,
		Timestamp:    timestamp,
		Valid:        true,
	}
	return nil
}

// Age returns now minus timestamp using modular (wrap-tolerant)
// subtraction, valid as long as the true age is less than half the
// counter's range.
func Age(now, timestamp uint32) uint32 {
	return now - timestamp
}

// IsExpired reports whether an entry bound at timestamp is stale at
// now given a validity window.
func IsExpired(now, timestamp, validityWindow uint32) bool {
	return Age(now, timestamp) > validityWindow
}

// EntryExpired reports whether e is stale at now given the registry's
// own validity window.
func (r *Registry) EntryExpired(e Entry, now uint32) bool {
	return IsExpired(now, e.Timestamp, r.validityWindow)
}

// Expire clears every valid entry whose age, measured modularly
// against now, exceeds the registry's validity window.
func (r *Registry) Expire(now uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		slot := &r.entries[i]
		if slot.Valid && IsExpired(now, slot.Timestamp, r.validityWindow) {
			*slot = Entry{}
		}
	}
}

// Stats reports the number of valid entries and the oldest timestamp
// among them. hasAny is false if the registry holds no valid entries.
func (r *Registry) Stats() (count int, oldestTimestamp uint32, hasAny bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if !e.Valid {
			continue
		}
		count++
		if !hasAny || e.Timestamp < oldestTimestamp {
			oldestTimestamp = e.Timestamp
			hasAny = true
		}
	}
	return count, oldestTimestamp, hasAny
}

// Capacity returns the fixed number of slots in the registry.
func (r *Registry) Capacity() int { return len(r.entries) }

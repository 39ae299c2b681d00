// Package reconcile merges authoritative snapshots and pushed deltas of one
// resource collection into a single consistent, order-stable view.
//
// Every write is stamped with a logical mark. BeginFetch hands out a mark
// before a snapshot request starts; Seed uses it to tell which deltas the
// snapshot could not have seen. Per id, the highest version wins regardless
// of arrival order, so duplicated and reordered deltas never regress state.
package reconcile

import (
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
)

// Ticket marks the moment a snapshot fetch started.
type Ticket uint64

// ChangeKind says which operation changed the collection.
type ChangeKind int

const (
	ChangeSeeded ChangeKind = iota
	ChangeUpserted
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSeeded:
		return "seeded"
	case ChangeUpserted:
		return "upserted"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// Change describes one effective mutation. ID is empty for seeds.
type Change struct {
	Kind ChangeKind
	ID   string
}

// Listener is notified after every mutation that changed the collection.
type Listener func(Change)

type entry[T any] struct {
	record  T
	version int64
	mark    uint64
}

// Store owns one resource collection. It is safe for concurrent use;
// listeners are invoked outside the lock.
type Store[T any] struct {
	idOf      func(T) string
	versionOf func(T) int64
	less      func(a, b T) bool

	mu         sync.Mutex
	entries    map[string]*entry[T]
	order      []string
	tombstones map[string]uint64
	inflight   map[Ticket]struct{}
	clock      uint64
	seeded     Ticket
	hasSeed    bool

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithOrder makes Items return records sorted by less instead of insertion
// order. Ties keep insertion order.
func WithOrder[T any](less func(a, b T) bool) Option[T] {
	return func(s *Store[T]) { s.less = less }
}

// New creates an empty store. idOf and versionOf extract the key and the
// version marker from records passed to Seed.
func New[T any](idOf func(T) string, versionOf func(T) int64, opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		idOf:       idOf,
		versionOf:  versionOf,
		entries:    make(map[string]*entry[T]),
		tombstones: make(map[string]uint64),
		inflight:   make(map[Ticket]struct{}),
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginFetch returns the ticket a snapshot fetch must present to Seed.
// Call it before the request is sent, and call Abandon if the fetch fails.
func (s *Store[T]) BeginFetch() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	t := Ticket(s.clock)
	s.inflight[t] = struct{}{}
	return t
}

// Abandon releases a ticket whose snapshot will never be seeded.
func (s *Store[T]) Abandon(ticket Ticket) {
	s.mu.Lock()
	delete(s.inflight, ticket)
	s.trimTombstonesLocked()
	s.mu.Unlock()
}

// trimTombstonesLocked drops tombstones no in-flight fetch can consult: a
// snapshot under ticket t only skips ids removed after t. Caller holds s.mu.
func (s *Store[T]) trimTombstonesLocked() {
	if len(s.inflight) == 0 {
		clear(s.tombstones)
		return
	}
	oldest := Ticket(^uint64(0))
	for t := range s.inflight {
		if t < oldest {
			oldest = t
		}
	}
	for id, mark := range s.tombstones {
		if mark <= uint64(oldest) {
			delete(s.tombstones, id)
		}
	}
}

// Seed replaces the collection with records fetched under ticket. It returns
// false when a seed with a later ticket has already landed, in which case
// nothing changes.
//
// Deltas applied after the fetch started survive: a stored record with a
// newer version beats the snapshot's copy, records only known from such
// deltas are kept, and ids removed after the fetch started are not restored.
func (s *Store[T]) Seed(ticket Ticket, records []T) bool {
	s.mu.Lock()
	delete(s.inflight, ticket)
	if s.hasSeed && ticket < s.seeded {
		s.trimTombstonesLocked()
		s.mu.Unlock()
		return false
	}

	next := make(map[string]*entry[T], len(records))
	order := make([]string, 0, len(records))
	for _, r := range records {
		id := s.idOf(r)
		v := s.versionOf(r)
		if mark, ok := s.tombstones[id]; ok && mark > uint64(ticket) {
			continue
		}
		if e, ok := next[id]; ok {
			// Duplicate id inside one snapshot: keep the newer copy.
			if v >= e.version {
				e.record, e.version = r, v
			}
			continue
		}
		if old, ok := s.entries[id]; ok && old.version > v {
			kept := *old
			next[id] = &kept
		} else {
			next[id] = &entry[T]{record: r, version: v, mark: uint64(ticket)}
		}
		order = append(order, id)
	}
	for _, id := range s.order {
		if _, ok := next[id]; ok {
			continue
		}
		if e := s.entries[id]; e.mark > uint64(ticket) {
			next[id] = e
			order = append(order, id)
		}
	}
	// Older fetches can no longer land.
	for t := range s.inflight {
		if t < ticket {
			delete(s.inflight, t)
		}
	}
	s.trimTombstonesLocked()

	changed := !s.sameAs(next, order)
	s.entries = next
	s.order = order
	s.seeded = ticket
	s.hasSeed = true
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeSeeded})
	}
	return true
}

// ApplyUpsert stores record under id unless the stored version is strictly
// newer. Replaying an identical upsert is a no-op. It reports whether the
// collection changed.
func (s *Store[T]) ApplyUpsert(id string, record T, version int64) bool {
	s.mu.Lock()
	s.clock++
	mark := s.clock

	e, exists := s.entries[id]
	if exists {
		if version < e.version {
			s.mu.Unlock()
			return false
		}
		if version == e.version && cmp.Equal(e.record, record) {
			s.mu.Unlock()
			return false
		}
		e.record, e.version, e.mark = record, version, mark
	} else {
		s.entries[id] = &entry[T]{record: record, version: version, mark: mark}
		s.order = append(s.order, id)
	}
	delete(s.tombstones, id)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUpserted, ID: id})
	return true
}

// ApplyRemoval deletes id unconditionally. Removing an unknown id changes
// nothing but still keeps an in-flight snapshot from restoring it.
func (s *Store[T]) ApplyRemoval(id string) bool {
	s.mu.Lock()
	s.clock++
	if len(s.inflight) > 0 {
		s.tombstones[id] = s.clock
	}

	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, ID: id})
	return true
}

// Items returns a copy of the collection in display order.
func (s *Store[T]) Items() []T {
	s.mu.Lock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].record)
	}
	s.mu.Unlock()

	if s.less != nil {
		sort.SliceStable(out, func(i, j int) bool { return s.less(out[i], out[j]) })
	}
	return out
}

// Get returns the record stored for id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.record, true
}

// Version returns the version stored for id.
func (s *Store[T]) Version(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Subscribe registers l and returns a function that removes it.
func (s *Store[T]) Subscribe(l Listener) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store[T]) notify(c Change) {
	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.listenersMu.Unlock()

	for _, l := range ls {
		l(c)
	}
}

// sameAs reports whether next/order hold exactly the current contents.
// Caller holds s.mu.
func (s *Store[T]) sameAs(next map[string]*entry[T], order []string) bool {
	if len(order) != len(s.order) {
		return false
	}
	for i, id := range order {
		if s.order[i] != id {
			return false
		}
		a, b := s.entries[id], next[id]
		if a == b {
			continue
		}
		if a.version != b.version || !cmp.Equal(a.record, b.record) {
			return false
		}
	}
	return true
}

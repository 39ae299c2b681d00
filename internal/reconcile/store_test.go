package reconcile

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID      string
	Status  string
	Version int64
}

func newStore() *Store[item] {
	return New(
		func(i item) string { return i.ID },
		func(i item) int64 { return i.Version },
	)
}

func upsert(s *Store[item], i item) bool {
	return s.ApplyUpsert(i.ID, i, i.Version)
}

func ids(s *Store[item]) []string {
	var out []string
	for _, i := range s.Items() {
		out = append(out, i.ID)
	}
	return out
}

// recorder collects change notifications.
type recorder struct{ changes []Change }

func (r *recorder) listen(c Change) { r.changes = append(r.changes, c) }

func TestStaleDeltaIsIgnored(t *testing.T) {
	s := newStore()
	s.Seed(s.BeginFetch(), []item{{ID: "e1", Status: "pending", Version: 1}})

	require.True(t, upsert(s, item{ID: "e1", Status: "approved", Version: 2}))
	got, _ := s.Get("e1")
	assert.Equal(t, "approved", got.Status)

	rec := &recorder{}
	s.Subscribe(rec.listen)

	assert.False(t, upsert(s, item{ID: "e1", Status: "pending", Version: 1}))
	got, _ = s.Get("e1")
	assert.Equal(t, "approved", got.Status)
	assert.Empty(t, rec.changes, "stale delta must not notify")
}

func TestRemovalThenReinsert(t *testing.T) {
	s := newStore()
	s.Seed(s.BeginFetch(), []item{{ID: "e1"}, {ID: "e2"}})

	require.True(t, s.ApplyRemoval("e1"))
	assert.Equal(t, []string{"e2"}, ids(s))

	require.True(t, upsert(s, item{ID: "e1", Status: "back", Version: 0}))
	assert.Equal(t, []string{"e2", "e1"}, ids(s))
}

func TestRemovalOfUnknownIDIsSilent(t *testing.T) {
	s := newStore()
	rec := &recorder{}
	s.Subscribe(rec.listen)

	assert.False(t, s.ApplyRemoval("ghost"))
	assert.Empty(t, rec.changes)
}

func tombstoneCount(s *Store[item]) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tombstones)
}

func TestTombstonesOnlyWhileFetching(t *testing.T) {
	tests := []struct {
		name string
		run  func(s *Store[item])
	}{
		{"no fetch in flight", func(s *Store[item]) {
			for i := 0; i < 100; i++ {
				s.ApplyRemoval(fmt.Sprintf("ghost-%d", i))
			}
		}},
		{"fetch seeded", func(s *Store[item]) {
			ticket := s.BeginFetch()
			s.ApplyRemoval("a")
			s.Seed(ticket, []item{{ID: "a"}, {ID: "b"}})
			assert.Equal(t, []string{"b"}, ids(s), "removal during the fetch wins")
		}},
		{"fetch abandoned", func(s *Store[item]) {
			ticket := s.BeginFetch()
			s.ApplyRemoval("a")
			s.Abandon(ticket)
		}},
		{"superseded fetch", func(s *Store[item]) {
			older := s.BeginFetch()
			newer := s.BeginFetch()
			s.ApplyRemoval("a")
			s.Seed(newer, nil)
			assert.False(t, s.Seed(older, []item{{ID: "a"}}))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			tt.run(s)
			assert.Zero(t, tombstoneCount(s))
		})
	}
}

func TestTombstoneKeptForOlderPendingFetch(t *testing.T) {
	s := newStore()
	older := s.BeginFetch()
	s.ApplyRemoval("a")
	newer := s.BeginFetch()
	s.Abandon(newer)

	require.Equal(t, 1, tombstoneCount(s), "the older fetch can still land")
	s.Seed(older, []item{{ID: "a"}, {ID: "b"}})
	assert.Equal(t, []string{"b"}, ids(s))
	assert.Zero(t, tombstoneCount(s))
}

func TestIdempotentReplay(t *testing.T) {
	s := newStore()
	rec := &recorder{}
	s.Subscribe(rec.listen)

	d := item{ID: "r1", Status: "reviewed", Version: 5}
	assert.True(t, upsert(s, d))
	assert.False(t, upsert(s, d))

	assert.Equal(t, []item{d}, s.Items())
	assert.Len(t, rec.changes, 1)
}

func TestEqualVersionWithNewDataOverwrites(t *testing.T) {
	s := newStore()
	upsert(s, item{ID: "n1", Status: "unread", Version: 3})

	assert.True(t, upsert(s, item{ID: "n1", Status: "read", Version: 3}))
	got, _ := s.Get("n1")
	assert.Equal(t, "read", got.Status)
}

func TestUpsertKeepsPosition(t *testing.T) {
	s := newStore()
	s.Seed(s.BeginFetch(), []item{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	upsert(s, item{ID: "a", Version: 9})
	assert.Equal(t, []string{"a", "b", "c"}, ids(s))
}

func TestMaxVersionWinsForAnyDeliveryOrder(t *testing.T) {
	var deltas []item
	want := map[string]item{}
	for _, id := range []string{"a", "b", "c", "d"} {
		for v := int64(1); v <= 6; v++ {
			d := item{ID: id, Status: fmt.Sprintf("%s-v%d", id, v), Version: v}
			deltas = append(deltas, d)
			want[id] = d
		}
	}
	// Duplicate every delta to model at-least-once replays.
	deltas = append(deltas, deltas...)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		rng.Shuffle(len(deltas), func(i, j int) { deltas[i], deltas[j] = deltas[j], deltas[i] })

		s := newStore()
		for _, d := range deltas {
			upsert(s, d)
		}

		require.Equal(t, len(want), s.Len())
		for id, w := range want {
			got, ok := s.Get(id)
			require.True(t, ok)
			require.Equal(t, w, got, "round %d id %s", round, id)
		}
	}
}

func TestSeed_LastFetchWins(t *testing.T) {
	s := newStore()
	older := s.BeginFetch()
	newer := s.BeginFetch()

	require.True(t, s.Seed(newer, []item{{ID: "fresh"}}))
	assert.False(t, s.Seed(older, []item{{ID: "stale"}}))
	assert.Equal(t, []string{"fresh"}, ids(s))
}

func TestSeed_InOrderFetchesBothLand(t *testing.T) {
	s := newStore()
	first := s.BeginFetch()
	require.True(t, s.Seed(first, []item{{ID: "a"}}))

	second := s.BeginFetch()
	require.True(t, s.Seed(second, []item{{ID: "b"}}))
	assert.Equal(t, []string{"b"}, ids(s))
}

func TestSeed_KeepsDeltasThatRacedTheFetch(t *testing.T) {
	s := newStore()
	s.Seed(s.BeginFetch(), []item{{ID: "e1", Status: "pending", Version: 1}, {ID: "gone", Version: 1}})

	ticket := s.BeginFetch()
	// While the fetch is in flight:
	upsert(s, item{ID: "e1", Status: "approved", Version: 2}) // newer than the snapshot's copy
	upsert(s, item{ID: "e9", Status: "new", Version: 1})      // created after the fetch started
	s.ApplyRemoval("e2")                                      // removed after the fetch started

	// The snapshot reflects the server before those deltas.
	s.Seed(ticket, []item{
		{ID: "e1", Status: "pending", Version: 1},
		{ID: "e2", Status: "pending", Version: 1},
	})

	assert.Equal(t, []string{"e1", "e9"}, ids(s))
	got, _ := s.Get("e1")
	assert.Equal(t, "approved", got.Status)
}

func TestSeed_DropsRecordsAbsentFromSnapshot(t *testing.T) {
	s := newStore()
	s.Seed(s.BeginFetch(), []item{{ID: "a"}})
	upsert(s, item{ID: "b"})

	// b was applied before this fetch started, so the snapshot is
	// authoritative about its absence.
	s.Seed(s.BeginFetch(), []item{{ID: "a"}})
	assert.Equal(t, []string{"a"}, ids(s))
}

func TestSeed_SnapshotNewerThanDelta(t *testing.T) {
	s := newStore()
	ticket := s.BeginFetch()
	upsert(s, item{ID: "e1", Status: "old", Version: 1})
	s.Seed(ticket, []item{{ID: "e1", Status: "newest", Version: 3}})

	got, _ := s.Get("e1")
	assert.Equal(t, "newest", got.Status)
}

func TestSeed_DuplicateIDsInSnapshot(t *testing.T) {
	s := newStore()
	s.Seed(s.BeginFetch(), []item{
		{ID: "a", Status: "v2", Version: 2},
		{ID: "a", Status: "v1", Version: 1},
		{ID: "b"},
	})

	assert.Equal(t, []string{"a", "b"}, ids(s))
	got, _ := s.Get("a")
	assert.Equal(t, "v2", got.Status)
}

func TestSeed_NotifiesOnlyOnChange(t *testing.T) {
	s := newStore()
	rec := &recorder{}
	s.Subscribe(rec.listen)

	snap := []item{{ID: "a", Version: 1}, {ID: "b", Version: 1}}
	s.Seed(s.BeginFetch(), snap)
	s.Seed(s.BeginFetch(), snap)

	assert.Equal(t, []Change{{Kind: ChangeSeeded}}, rec.changes)
}

func TestSubscribeCancel(t *testing.T) {
	s := newStore()
	rec := &recorder{}
	cancel := s.Subscribe(rec.listen)

	upsert(s, item{ID: "a", Version: 1})
	cancel()
	upsert(s, item{ID: "a", Version: 2})

	assert.Equal(t, []Change{{Kind: ChangeUpserted, ID: "a"}}, rec.changes)
}

func TestWithOrder(t *testing.T) {
	s := New(
		func(i item) string { return i.ID },
		func(i item) int64 { return i.Version },
		WithOrder(func(a, b item) bool { return a.Version > b.Version }),
	)
	upsert(s, item{ID: "old", Version: 1})
	upsert(s, item{ID: "new", Version: 5})
	upsert(s, item{ID: "mid", Version: 3})

	assert.Equal(t, []string{"new", "mid", "old"}, ids(s))
}

func TestListenerMayReadStore(t *testing.T) {
	s := newStore()
	var seen int
	s.Subscribe(func(Change) { seen = s.Len() })

	upsert(s, item{ID: "a"})
	assert.Equal(t, 1, seen)
}

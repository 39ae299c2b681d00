package mockserver

import (
	"testing"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Seed(t *testing.T) {
	store := NewStore()
	g := NewGenerator(store, NewBroadcaster(time.Hour, zerolog.Nop()), time.Hour, 1)
	g.Seed()

	assert.Len(t, store.Profiles(), len(fixtureUsers))
	assert.Len(t, store.Events(), 4)
	assert.Len(t, store.Reports(protocol.ReportPending), 1)
	require.Len(t, store.DeletionRequests(), 1)
	assert.Len(t, store.Notifications("u-admin"), 1)

	req := store.DeletionRequests()[0]
	ev, ok := store.Event(req.EventID)
	require.True(t, ok)
	assert.Equal(t, ev.Title, req.EventTitle)
}

func TestGenerator_StepsQueueFrames(t *testing.T) {
	store := NewStore()
	bc := NewBroadcaster(time.Hour, zerolog.Nop())
	g := NewGenerator(store, bc, time.Hour, 42)
	g.Seed()

	for i := 0; i < 50; i++ {
		g.Step()
	}

	bc.flushMu.Lock()
	queued := len(bc.pending)
	bc.flushMu.Unlock()
	assert.Greater(t, queued, 0)
	assert.LessOrEqual(t, queued, 50)

	// Every queued frame decodes to a known topic.
	bc.flushMu.Lock()
	defer bc.flushMu.Unlock()
	for _, data := range bc.pending {
		_, err := protocol.Decode(data, time.Now())
		assert.NoError(t, err)
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	topics := func() []string {
		store := NewStore()
		bc := NewBroadcaster(time.Hour, zerolog.Nop())
		g := NewGenerator(store, bc, time.Hour, 7)
		g.Seed()
		for i := 0; i < 20; i++ {
			g.Step()
		}
		bc.flushMu.Lock()
		defer bc.flushMu.Unlock()
		var out []string
		for _, data := range bc.pending {
			env, err := protocol.Decode(data, time.Now())
			require.NoError(t, err)
			out = append(out, string(env.Topic))
		}
		return out
	}
	assert.Equal(t, topics(), topics())
}

func TestStore_VersionsAdvance(t *testing.T) {
	store := NewStore()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	ev := store.PutEvent(protocol.Event{ID: "e1"})
	upd, ok := store.SetEventStatus("e1", protocol.EventApproved)
	require.True(t, ok)
	assert.True(t, upd.UpdatedAt.After(ev.UpdatedAt), "a frozen clock still yields a newer version")

	p1 := store.PutProfile(protocol.Profile{ID: "u1"})
	p2 := store.PutProfile(protocol.Profile{ID: "u1", Bio: "x"})
	assert.True(t, p2.UpdatedAt.After(p1.UpdatedAt))

	store.PutReport(protocol.Report{ID: "r1"})
	r1, _ := store.ReviewReport("r1", protocol.ReportReviewed, "")
	r2, _ := store.ReviewReport("r1", protocol.ReportDismissed, "")
	assert.True(t, r2.ReviewedAt.After(*r1.ReviewedAt))
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := NewStore()
	store.PutEvent(protocol.Event{ID: "e1", Title: "a"})

	ev, _ := store.Event("e1")
	ev.Title = "mutated"

	again, _ := store.Event("e1")
	assert.Equal(t, "a", again.Title)
}

func TestBroadcaster_FlushKeepsOrder(t *testing.T) {
	bc := NewBroadcaster(time.Hour, zerolog.Nop())
	bc.Queue(protocol.DeletionRequestResolved{EventID: "1"})
	bc.Queue(protocol.DeletionRequestResolved{EventID: "2"})

	bc.flushMu.Lock()
	require.Len(t, bc.pending, 2)
	require.NotNil(t, bc.flushTimer, "one timer for the batch")
	bc.flushTimer.Stop()
	bc.flushMu.Unlock()

	bc.flush()
	bc.flushMu.Lock()
	defer bc.flushMu.Unlock()
	assert.Empty(t, bc.pending)
	assert.Nil(t, bc.flushTimer)
}

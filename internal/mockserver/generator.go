package mockserver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/google/uuid"
)

var (
	fixtureUsers = []protocol.Profile{
		{ID: "u-admin", Name: "Ada Admin", Email: "ada@example.com", Role: "admin"},
		{ID: "u-olga", Name: "Olga Organizer", Email: "olga@example.com", Role: "organizer"},
		{ID: "u-omar", Name: "Omar Organizer", Email: "omar@example.com", Role: "organizer"},
		{ID: "u-uma", Name: "Uma User", Email: "uma@example.com", Role: "user"},
	}

	eventTitles = []string{
		"Community Garden Day", "Night Market", "Jazz in the Park", "Hack Night",
		"Charity 5K", "Board Game Social", "Photography Walk", "Book Swap",
	}
	categories     = []string{"music", "sports", "tech", "community", "arts"}
	reportReasons  = []string{"spam", "inappropriate", "misleading", "duplicate"}
	deleteReasons  = []string{"venue cancelled", "duplicate listing", "date changed", "low signups"}
	profileBios    = []string{"Coffee first.", "Organizing since 2019.", "Here for the music.", "Runner, reader."}
	moderationNext = []protocol.EventStatus{protocol.EventApproved, protocol.EventRejected}
)

// Generator produces a plausible stream of platform activity. Frames go
// through the broadcaster's throttled queue, and now and then the previous
// frame is queued again to model duplicate delivery.
type Generator struct {
	store       *Store
	broadcaster *Broadcaster
	interval    time.Duration

	mu   sync.Mutex
	rng  *rand.Rand
	last protocol.Message
	tick int
}

func NewGenerator(store *Store, broadcaster *Broadcaster, interval time.Duration, seed int64) *Generator {
	return &Generator{
		store:       store,
		broadcaster: broadcaster,
		interval:    interval,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Seed loads the fixture users, a few events, and one pending report and
// deletion request, without broadcasting.
func (g *Generator) Seed() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, p := range fixtureUsers {
		g.store.PutProfile(p)
	}
	var first protocol.Event
	for i := 0; i < 4; i++ {
		ev := g.store.PutEvent(g.newEventLocked())
		if i == 0 {
			first = ev
		}
	}
	g.store.PutReport(g.newReportLocked(first.ID))
	g.store.RequestDeletion(first.ID, first.OrganizerID, deleteReasons[0])
	g.store.AddNotification("u-admin", protocol.Notification{
		ID:      uuid.NewString(),
		Kind:    "deletion_request",
		Message: fmt.Sprintf("Deletion requested for %q", first.Title),
		EventID: first.ID,
	})
}

// Start runs the generator until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step()
		}
	}
}

// Step performs one random activity.
func (g *Generator) Step() {
	g.mu.Lock()
	g.tick++
	roll := g.rng.Intn(100)
	var msg protocol.Message
	var notifyUser string
	var notification protocol.Notification

	switch {
	case roll < 8 && g.last != nil:
		msg = g.last
	case roll < 30:
		ev := g.store.PutEvent(g.newEventLocked())
		msg = protocol.EventCreated{Event: ev}
	case roll < 45:
		if ev, ok := g.pickEventLocked(protocol.EventPending); ok {
			status := moderationNext[g.rng.Intn(len(moderationNext))]
			if updated, ok := g.store.SetEventStatus(ev.ID, status); ok {
				msg = protocol.EventStatusUpdated{Event: updated}
				notifyUser = updated.OrganizerID
				notification = protocol.Notification{
					Kind:    "event_" + string(status),
					Message: fmt.Sprintf("%q was %s", updated.Title, status),
					EventID: updated.ID,
				}
			}
		}
	case roll < 60:
		if ev, ok := g.pickEventLocked(""); ok {
			if r, ok := g.store.RequestDeletion(ev.ID, ev.OrganizerID, deleteReasons[g.rng.Intn(len(deleteReasons))]); ok {
				msg = protocol.DeletionRequested{Request: r}
			}
		}
	case roll < 80:
		if ev, ok := g.pickEventLocked(""); ok {
			r := g.store.PutReport(g.newReportLocked(ev.ID))
			msg = protocol.NewReportSubmitted{Report: r}
			notifyUser = "u-admin"
			notification = protocol.Notification{
				Kind:    "new_report",
				Message: fmt.Sprintf("New report on %q: %s", ev.Title, r.Reason),
				EventID: ev.ID,
			}
		}
	default:
		p := fixtureUsers[g.rng.Intn(len(fixtureUsers))]
		if cur, ok := g.store.Profile(p.ID); ok {
			p = cur
		}
		p.Bio = profileBios[g.rng.Intn(len(profileBios))]
		msg = protocol.ProfileUpdated{Profile: g.store.PutProfile(p)}
	}

	if msg != nil {
		g.last = msg
	}
	g.mu.Unlock()

	if msg != nil {
		g.broadcaster.Queue(msg)
	}
	if notifyUser != "" {
		notification.ID = uuid.NewString()
		n := g.store.AddNotification(notifyUser, notification)
		g.broadcaster.PublishTo(notifyUser, protocol.NewNotification{Notification: n})
	}
}

func (g *Generator) newEventLocked() protocol.Event {
	organizers := fixtureUsers[1:3]
	return protocol.Event{
		ID:          uuid.NewString(),
		Title:       eventTitles[g.rng.Intn(len(eventTitles))],
		Category:    categories[g.rng.Intn(len(categories))],
		Location:    fmt.Sprintf("Hall %d", g.rng.Intn(9)+1),
		OrganizerID: organizers[g.rng.Intn(len(organizers))].ID,
		Status:      protocol.EventPending,
		StartsAt:    time.Now().UTC().Add(time.Duration(g.rng.Intn(30)+1) * 24 * time.Hour).Truncate(time.Hour),
	}
}

func (g *Generator) newReportLocked(eventID string) protocol.Report {
	return protocol.Report{
		ID:         uuid.NewString(),
		EventID:    eventID,
		ReporterID: "u-uma",
		Reason:     reportReasons[g.rng.Intn(len(reportReasons))],
		Status:     protocol.ReportPending,
	}
}

// pickEventLocked returns a random event, optionally with the given status.
func (g *Generator) pickEventLocked(status protocol.EventStatus) (protocol.Event, bool) {
	var candidates []protocol.Event
	for _, ev := range g.store.Events() {
		if status == "" || ev.Status == status {
			candidates = append(candidates, ev)
		}
	}
	if len(candidates) == 0 {
		return protocol.Event{}, false
	}
	return candidates[g.rng.Intn(len(candidates))], true
}

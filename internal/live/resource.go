package live

import (
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
)

// Delta is one pushed change to a collection, extracted from an envelope.
type Delta[T any] struct {
	ID      string
	Record  T
	Version int64
	Remove  bool
}

// Route maps one topic onto deltas for a collection. Apply reports false
// for messages that do not concern the collection.
type Route[T any] struct {
	Topic protocol.Topic
	Apply func(protocol.Message) (Delta[T], bool)
}

// Resource describes a collection: where its snapshot lives, how records
// are keyed and versioned, and which pushed topics change it.
type Resource[T any] struct {
	Name    string
	Path    string
	ID      func(T) string
	Version func(T) int64
	Less    func(a, b T) bool
	Routes  []Route[T]
}

func (r Resource[T]) upsert(rec T) Delta[T] {
	return Delta[T]{ID: r.ID(rec), Record: rec, Version: r.Version(rec)}
}

func stamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func latest(ts ...time.Time) int64 {
	var v int64
	for _, t := range ts {
		if s := stamp(t); s > v {
			v = s
		}
	}
	return v
}

// DeletionRequests is the admin queue of pending deletion requests, keyed by
// event id. A resolution from any admin removes the row.
var DeletionRequests = Resource[protocol.DeletionRequest]{
	Name:    "deletion-requests",
	Path:    "/api/events/deletion-requests",
	ID:      func(r protocol.DeletionRequest) string { return r.EventID },
	Version: func(r protocol.DeletionRequest) int64 { return stamp(r.SubmittedAt) },
	Less: func(a, b protocol.DeletionRequest) bool {
		return a.SubmittedAt.After(b.SubmittedAt)
	},
}

// Events lists platform events, newest first.
var Events = Resource[protocol.Event]{
	Name:    "events",
	Path:    "/api/events",
	ID:      func(e protocol.Event) string { return e.ID },
	Version: func(e protocol.Event) int64 { return latest(e.CreatedAt, e.UpdatedAt) },
	Less: func(a, b protocol.Event) bool {
		return a.CreatedAt.After(b.CreatedAt)
	},
}

// Reports is the admin report queue, newest first.
var Reports = Resource[protocol.Report]{
	Name: "reports",
	Path: "/api/reports",
	ID:   func(r protocol.Report) string { return r.ID },
	Version: func(r protocol.Report) int64 {
		if r.ReviewedAt != nil {
			return latest(r.SubmittedAt, *r.ReviewedAt)
		}
		return stamp(r.SubmittedAt)
	},
	Less: func(a, b protocol.Report) bool {
		return a.SubmittedAt.After(b.SubmittedAt)
	},
}

// Profiles is the user directory.
var Profiles = Resource[protocol.Profile]{
	Name:    "profiles",
	Path:    "/api/users",
	ID:      func(p protocol.Profile) string { return p.ID },
	Version: func(p protocol.Profile) int64 { return stamp(p.UpdatedAt) },
	Less: func(a, b protocol.Profile) bool {
		return a.Name < b.Name
	},
}

// Notifications is the current user's inbox, newest first. Marking read
// moves the version forward.
var Notifications = Resource[protocol.Notification]{
	Name: "notifications",
	Path: "/api/notifications",
	ID:   func(n protocol.Notification) string { return n.ID },
	Version: func(n protocol.Notification) int64 {
		if n.ReadAt != nil {
			return latest(n.CreatedAt, *n.ReadAt)
		}
		return stamp(n.CreatedAt)
	},
	Less: func(a, b protocol.Notification) bool {
		return a.CreatedAt.After(b.CreatedAt)
	},
}

// Routes reference the resource values above, so they are attached here.
func init() {
	DeletionRequests.Routes = []Route[protocol.DeletionRequest]{
		{Topic: protocol.TopicDeletionRequested, Apply: func(m protocol.Message) (Delta[protocol.DeletionRequest], bool) {
			msg, ok := m.(protocol.DeletionRequested)
			if !ok {
				return Delta[protocol.DeletionRequest]{}, false
			}
			return DeletionRequests.upsert(msg.Request), true
		}},
		{Topic: protocol.TopicDeletionRequestResolved, Apply: func(m protocol.Message) (Delta[protocol.DeletionRequest], bool) {
			msg, ok := m.(protocol.DeletionRequestResolved)
			if !ok || msg.EventID == "" {
				return Delta[protocol.DeletionRequest]{}, false
			}
			return Delta[protocol.DeletionRequest]{ID: msg.EventID, Remove: true}, true
		}},
	}

	eventUpsert := func(m protocol.Message) (Delta[protocol.Event], bool) {
		switch msg := m.(type) {
		case protocol.EventCreated:
			return Events.upsert(msg.Event), true
		case protocol.EventStatusUpdated:
			return Events.upsert(msg.Event), true
		}
		return Delta[protocol.Event]{}, false
	}
	Events.Routes = []Route[protocol.Event]{
		{Topic: protocol.TopicEventCreated, Apply: eventUpsert},
		{Topic: protocol.TopicEventStatusUpdated, Apply: eventUpsert},
	}

	reportUpsert := func(m protocol.Message) (Delta[protocol.Report], bool) {
		switch msg := m.(type) {
		case protocol.NewReportSubmitted:
			return Reports.upsert(msg.Report), true
		case protocol.ReportUpdated:
			return Reports.upsert(msg.Report), true
		}
		return Delta[protocol.Report]{}, false
	}
	Reports.Routes = []Route[protocol.Report]{
		{Topic: protocol.TopicNewReportSubmitted, Apply: reportUpsert},
		{Topic: protocol.TopicReportUpdated, Apply: reportUpsert},
	}

	Profiles.Routes = []Route[protocol.Profile]{
		{Topic: protocol.TopicProfileUpdated, Apply: func(m protocol.Message) (Delta[protocol.Profile], bool) {
			msg, ok := m.(protocol.ProfileUpdated)
			if !ok {
				return Delta[protocol.Profile]{}, false
			}
			return Profiles.upsert(msg.Profile), true
		}},
	}

	Notifications.Routes = []Route[protocol.Notification]{
		{Topic: protocol.TopicNewNotification, Apply: func(m protocol.Message) (Delta[protocol.Notification], bool) {
			msg, ok := m.(protocol.NewNotification)
			if !ok {
				return Delta[protocol.Notification]{}, false
			}
			return Notifications.upsert(msg.Notification), true
		}},
	}
}

package mockserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
)

// Store is the mock platform's in-memory database. Every getter returns
// copies.
type Store struct {
	mu            sync.RWMutex
	events        map[string]*protocol.Event
	requests      map[string]*protocol.DeletionRequest
	reports       map[string]*protocol.Report
	profiles      map[string]*protocol.Profile
	notifications map[string]*protocol.Notification
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		events:        make(map[string]*protocol.Event),
		requests:      make(map[string]*protocol.DeletionRequest),
		reports:       make(map[string]*protocol.Report),
		profiles:      make(map[string]*protocol.Profile),
		notifications: make(map[string]*protocol.Notification),
		now:           time.Now,
	}
}

// stamp returns a timestamp strictly after prev so versions always advance,
// even on coarse clocks.
func (s *Store) stamp(prev time.Time) time.Time {
	t := s.now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Millisecond)
	}
	return t
}

func (s *Store) PutEvent(e protocol.Event) protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.stamp(time.Time{})
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	cp := e
	s.events[e.ID] = &cp
	return e
}

func (s *Store) Event(id string) (protocol.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return protocol.Event{}, false
	}
	return *e, true
}

func (s *Store) Events() []protocol.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SetEventStatus updates an event's status and bumps its version.
func (s *Store) SetEventStatus(id string, status protocol.EventStatus) (protocol.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return protocol.Event{}, false
	}
	e.Status = status
	e.UpdatedAt = s.stamp(e.UpdatedAt)
	return *e, true
}

// RequestDeletion files a deletion request for an existing event.
func (s *Store) RequestDeletion(eventID, requestedBy, reason string) (protocol.DeletionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return protocol.DeletionRequest{}, false
	}
	r := protocol.DeletionRequest{
		EventID:     eventID,
		EventTitle:  e.Title,
		RequestedBy: requestedBy,
		Reason:      reason,
		SubmittedAt: s.stamp(time.Time{}),
	}
	cp := r
	s.requests[eventID] = &cp
	return r, true
}

func (s *Store) DeletionRequests() []protocol.DeletionRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.DeletionRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// ResolveDeletion closes the request for eventID. An approval deletes the
// event as well.
func (s *Store) ResolveDeletion(eventID string, approve bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[eventID]; !ok {
		return false
	}
	delete(s.requests, eventID)
	if approve {
		delete(s.events, eventID)
	}
	return true
}

func (s *Store) PutReport(r protocol.Report) protocol.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = s.stamp(time.Time{})
	}
	if r.Status == "" {
		r.Status = protocol.ReportPending
	}
	cp := r
	s.reports[r.ID] = &cp
	return r
}

func (s *Store) Reports(status protocol.ReportStatus) []protocol.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Report, 0, len(s.reports))
	for _, r := range s.reports {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// ReviewReport records an admin decision and bumps the report's version.
func (s *Store) ReviewReport(id string, status protocol.ReportStatus, note string) (protocol.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return protocol.Report{}, false
	}
	prev := r.SubmittedAt
	if r.ReviewedAt != nil {
		prev = *r.ReviewedAt
	}
	at := s.stamp(prev)
	r.Status = status
	r.AdminNote = note
	r.ReviewedAt = &at
	return *r, true
}

func (s *Store) PutProfile(p protocol.Profile) protocol.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.profiles[p.ID]; ok {
		p.UpdatedAt = s.stamp(old.UpdatedAt)
	} else if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.stamp(time.Time{})
	}
	cp := p
	s.profiles[p.ID] = &cp
	return p
}

func (s *Store) Profile(id string) (protocol.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return protocol.Profile{}, false
	}
	return *p, true
}

func (s *Store) Profiles() []protocol.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddNotification stores n for userID.
func (s *Store) AddNotification(userID string, n protocol.Notification) protocol.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.stamp(time.Time{})
	}
	cp := n
	s.notifications[userID+"/"+n.ID] = &cp
	return n
}

func (s *Store) Notifications(userID string) []protocol.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := userID + "/"
	out := []protocol.Notification{}
	for key, n := range s.notifications {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) MarkRead(userID, id string) (protocol.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[userID+"/"+id]
	if !ok {
		return protocol.Notification{}, false
	}
	if !n.Read {
		readAt := s.stamp(n.CreatedAt)
		n.Read, n.ReadAt = true, &readAt
	}
	return *n, true
}

package live

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/eventdesk/livesync/internal/rest"
	"github.com/rs/zerolog"
)

// Sender relays client messages over the channel.
type Sender interface {
	Send(protocol.Message) error
}

// Decision resolves a deletion request.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ProfileUpdate carries the editable profile fields. Empty fields are left
// unchanged by the server.
type ProfileUpdate struct {
	Name      string `json:"name,omitempty"`
	Bio       string `json:"bio,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Moderator performs admin and account mutations and applies their results
// to whichever feeds are attached, without waiting for the push echo. Nil
// feeds are skipped.
type Moderator struct {
	client *rest.Client
	sender Sender
	logger zerolog.Logger

	Requests      *Feed[protocol.DeletionRequest]
	Events        *Feed[protocol.Event]
	Reports       *Feed[protocol.Report]
	Profiles      *Feed[protocol.Profile]
	Notifications *Feed[protocol.Notification]
}

// Moderator returns a moderator bound to the hub's REST client and channel.
func (h *Hub) Moderator() *Moderator {
	return NewModerator(h.client, h.conn, h.logger)
}

// NewModerator builds a moderator. sender may be nil to skip relays.
func NewModerator(client *rest.Client, sender Sender, logger zerolog.Logger) *Moderator {
	return &Moderator{
		client: client,
		sender: sender,
		logger: logger.With().Str("component", "moderator").Logger(),
	}
}

// ResolveDeletionRequest approves or rejects the deletion request for
// eventID. On success the request leaves the queue; an approval also drops
// the event. The resolution is then relayed so other admins' queues update.
// A failed relay is logged, not returned: the server already has the result.
func (m *Moderator) ResolveDeletionRequest(ctx context.Context, eventID string, decision Decision, note string) error {
	body := struct {
		Action Decision `json:"action"`
		Note   string   `json:"adminNote,omitempty"`
	}{decision, note}

	if _, _, err := rest.Put[struct{}](ctx, m.client, eventPath(eventID, "deletion-request"), body); err != nil {
		return fmt.Errorf("resolve deletion request %s: %w", eventID, err)
	}

	if m.Requests != nil {
		m.Requests.apply(Delta[protocol.DeletionRequest]{ID: eventID, Remove: true})
	}
	if decision == Approve && m.Events != nil {
		m.Events.apply(Delta[protocol.Event]{ID: eventID, Remove: true})
	}

	if m.sender != nil {
		if err := m.sender.Send(protocol.DeletionRequestResolved{EventID: eventID}); err != nil {
			m.logger.Warn().Err(err).Str("event_id", eventID).Msg("relay of deletion resolution failed")
		}
	}
	return nil
}

// UpdateEventStatus sets an event's moderation status.
func (m *Moderator) UpdateEventStatus(ctx context.Context, eventID string, status protocol.EventStatus) (*protocol.Event, error) {
	body := struct {
		Status protocol.EventStatus `json:"status"`
	}{status}

	ev, _, err := rest.Put[protocol.Event](ctx, m.client, eventPath(eventID, "status"), body)
	if err != nil {
		return nil, fmt.Errorf("update event %s status: %w", eventID, err)
	}
	if ev != nil && m.Events != nil {
		m.Events.apply(Events.upsert(*ev))
	}
	return ev, nil
}

// ReviewReport records an admin decision on a report.
func (m *Moderator) ReviewReport(ctx context.Context, reportID string, status protocol.ReportStatus, note string) (*protocol.Report, error) {
	body := struct {
		Status    protocol.ReportStatus `json:"status"`
		AdminNote string                `json:"adminNote,omitempty"`
	}{status, note}

	r, _, err := rest.Put[protocol.Report](ctx, m.client, "/api/reports/"+url.PathEscape(reportID), body)
	if err != nil {
		return nil, fmt.Errorf("review report %s: %w", reportID, err)
	}
	if r != nil && m.Reports != nil {
		m.Reports.apply(Reports.upsert(*r))
	}
	return r, nil
}

// UpdateProfile edits the current user's profile.
func (m *Moderator) UpdateProfile(ctx context.Context, u ProfileUpdate) (*protocol.Profile, error) {
	p, _, err := rest.Put[protocol.Profile](ctx, m.client, "/api/users/me", u)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if p != nil && m.Profiles != nil {
		m.Profiles.apply(Profiles.upsert(*p))
	}
	return p, nil
}

// MarkNotificationRead marks one notification read. When the server answers
// without the record, the local copy is marked read at the local time.
func (m *Moderator) MarkNotificationRead(ctx context.Context, id string) error {
	n, _, err := rest.Put[protocol.Notification](ctx, m.client, "/api/notifications/"+url.PathEscape(id)+"/read", nil)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	if m.Notifications == nil {
		return nil
	}
	if n == nil {
		cur, ok := m.Notifications.Get(id)
		if !ok {
			return nil
		}
		now := time.Now().UTC()
		cur.Read, cur.ReadAt = true, &now
		n = &cur
	}
	m.Notifications.apply(Notifications.upsert(*n))
	return nil
}

func eventPath(id, action string) string {
	return "/api/events/" + url.PathEscape(id) + "/" + action
}

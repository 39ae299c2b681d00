// Package protocol defines the wire format shared with the event platform:
// the push channel envelope, its topics, and the resource records carried by
// both the channel and the REST API.
package protocol

import "time"

// EventStatus is the moderation status of an event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventApproved  EventStatus = "approved"
	EventRejected  EventStatus = "rejected"
	EventCancelled EventStatus = "cancelled"
)

// Event is a platform event as returned by /api/events.
type Event struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Location    string      `json:"location,omitempty"`
	Category    string      `json:"category,omitempty"`
	OrganizerID string      `json:"organizerId"`
	Status      EventStatus `json:"status"`
	StartsAt    time.Time   `json:"startsAt"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// DeletionRequest is an organizer's request to delete one of their events.
// It is keyed by the event it targets.
type DeletionRequest struct {
	EventID     string    `json:"eventId"`
	EventTitle  string    `json:"eventTitle,omitempty"`
	RequestedBy string    `json:"requestedBy"`
	Reason      string    `json:"reason,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ReportStatus tracks admin review of a report.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportReviewed  ReportStatus = "reviewed"
	ReportDismissed ReportStatus = "dismissed"
)

// Report is a user report against an event.
type Report struct {
	ID          string       `json:"id"`
	EventID     string       `json:"eventId"`
	ReporterID  string       `json:"reporterId"`
	Reason      string       `json:"reason"`
	Details     string       `json:"details,omitempty"`
	Status      ReportStatus `json:"status"`
	AdminNote   string       `json:"adminNote,omitempty"`
	SubmittedAt time.Time    `json:"submittedAt"`
	ReviewedAt  *time.Time   `json:"reviewedAt,omitempty"`
}

// Profile is a user's public profile.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Bio       string    `json:"bio,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notification is an entry in a user's notification inbox.
type Notification struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Message   string     `json:"message"`
	EventID   string     `json:"eventId,omitempty"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

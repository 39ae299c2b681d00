package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topic names a channel message. It doubles as the routing key for the
// dispatcher.
type Topic string

const (
	// Client to server.
	TopicAuthenticate Topic = "authenticate"

	// Server to client.
	TopicAuthenticated           Topic = "authenticated"
	TopicDeletionRequested       Topic = "deletion_requested"
	TopicDeletionRequestResolved Topic = "deletion_request_resolved"
	TopicEventCreated            Topic = "event_created"
	TopicEventStatusUpdated      Topic = "event_status_updated"
	TopicProfileUpdated          Topic = "profile_updated"
	TopicNewReportSubmitted      Topic = "new_report_submitted"
	TopicReportUpdated           Topic = "report_updated"
	TopicNewNotification         Topic = "new_notification"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	ErrMalformed    = errors.New("malformed frame")
)

// Frame is the JSON text frame exchanged over the channel.
type Frame struct {
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by every known payload type. The concrete type
// tells the receiver which topic it came from.
type Message interface {
	Topic() Topic
}

// Envelope is a decoded inbound message. It is never mutated after Decode.
type Envelope struct {
	Topic      Topic
	Message    Message
	ReceivedAt time.Time
}

// Authenticate identifies the connection's user to the server.
type Authenticate struct {
	UserID string `json:"userId"`
}

// Authenticated acknowledges an Authenticate.
type Authenticated struct {
	UserID string `json:"userId,omitempty"`
}

type DeletionRequested struct{ Request DeletionRequest }

// DeletionRequestResolved carries only the id of the resolved request. It is
// also relayed by clients after a local moderation action.
type DeletionRequestResolved struct {
	EventID string `json:"eventId"`
}

type EventCreated struct{ Event Event }

type EventStatusUpdated struct{ Event Event }

type ProfileUpdated struct{ Profile Profile }

type NewReportSubmitted struct{ Report Report }

type ReportUpdated struct{ Report Report }

type NewNotification struct{ Notification Notification }

func (Authenticate) Topic() Topic            { return TopicAuthenticate }
func (Authenticated) Topic() Topic           { return TopicAuthenticated }
func (DeletionRequested) Topic() Topic       { return TopicDeletionRequested }
func (DeletionRequestResolved) Topic() Topic { return TopicDeletionRequestResolved }
func (EventCreated) Topic() Topic            { return TopicEventCreated }
func (EventStatusUpdated) Topic() Topic      { return TopicEventStatusUpdated }
func (ProfileUpdated) Topic() Topic          { return TopicProfileUpdated }
func (NewReportSubmitted) Topic() Topic      { return TopicNewReportSubmitted }
func (ReportUpdated) Topic() Topic           { return TopicReportUpdated }
func (NewNotification) Topic() Topic         { return TopicNewNotification }

// payload returns the value that goes on the wire for m. Record-carrying
// messages send the bare record.
func payload(m Message) any {
	switch v := m.(type) {
	case DeletionRequested:
		return v.Request
	case EventCreated:
		return v.Event
	case EventStatusUpdated:
		return v.Event
	case ProfileUpdated:
		return v.Profile
	case NewReportSubmitted:
		return v.Report
	case ReportUpdated:
		return v.Report
	case NewNotification:
		return v.Notification
	default:
		return v
	}
}

// Encode serialises m as a Frame.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(payload(m))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Topic(), err)
	}
	return json.Marshal(Frame{Topic: m.Topic(), Payload: raw})
}

// Decode parses a text frame into an Envelope stamped with receivedAt.
// Frames with a topic this package does not know return ErrUnknownTopic
// along with the partially filled envelope.
func Decode(data []byte, receivedAt time.Time) (Envelope, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Topic == "" {
		return Envelope{}, fmt.Errorf("%w: missing topic", ErrMalformed)
	}

	env := Envelope{Topic: f.Topic, ReceivedAt: receivedAt}
	msg, err := decodePayload(f.Topic, f.Payload)
	if err != nil {
		return env, err
	}
	env.Message = msg
	return env, nil
}

func decodePayload(topic Topic, raw json.RawMessage) (Message, error) {
	switch topic {
	case TopicAuthenticate:
		return decodeInto[Authenticate](topic, raw)
	case TopicAuthenticated:
		if len(raw) == 0 {
			return Authenticated{}, nil
		}
		return decodeInto[Authenticated](topic, raw)
	case TopicDeletionRequested:
		r, err := decodeInto[DeletionRequest](topic, raw)
		return DeletionRequested{Request: r}, err
	case TopicDeletionRequestResolved:
		return decodeInto[DeletionRequestResolved](topic, raw)
	case TopicEventCreated:
		e, err := decodeInto[Event](topic, raw)
		return EventCreated{Event: e}, err
	case TopicEventStatusUpdated:
		e, err := decodeInto[Event](topic, raw)
		return EventStatusUpdated{Event: e}, err
	case TopicProfileUpdated:
		p, err := decodeInto[Profile](topic, raw)
		return ProfileUpdated{Profile: p}, err
	case TopicNewReportSubmitted:
		r, err := decodeInto[Report](topic, raw)
		return NewReportSubmitted{Report: r}, err
	case TopicReportUpdated:
		r, err := decodeInto[Report](topic, raw)
		return ReportUpdated{Report: r}, err
	case TopicNewNotification:
		n, err := decodeInto[Notification](topic, raw)
		return NewNotification{Notification: n}, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

func decodeInto[T any](topic Topic, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: %s has no payload", ErrMalformed, topic)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, topic, err)
	}
	return v, nil
}

// Package engagement ingests provider engagement events (opens, clicks,
// bounces, complaints) and applies them to sends, leads and suppressions.
package engagement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is a normalised engagement event type. Its value is also the field
// name in the engagement tally.
type Kind string

const (
	KindOpen      Kind = "open"
	KindClick     Kind = "click"
	KindBounce    Kind = "bounce"
	KindComplaint Kind = "complaint"
)

// ErrUnsupportedEvent marks provider events that carry no engagement signal
// (send, delivery, reject, ...).
var ErrUnsupportedEvent = errors.New("unsupported engagement event")

// TagName is the message tag carrying the campaign tag.
const TagName = "campaign"

// Event is a provider notification reduced to what the pipeline uses.
type Event struct {
	Kind       Kind
	MessageID  string
	Tag        string
	Recipients []string
	Permanent  bool // permanent bounce
	At         time.Time
}

// Key identifies the notification across redeliveries. Repeated opens or
// clicks of one message carry distinct timestamps and stay distinct.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.MessageID, e.Kind, e.At.UnixMilli())
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type recipient struct {
	EmailAddress string `json:"emailAddress"`
}

type sesNotification struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string              `json:"messageId"`
		Timestamp time.Time           `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Open *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"click"`
	Bounce *struct {
		BounceType        string      `json:"bounceType"`
		BouncedRecipients []recipient `json:"bouncedRecipients"`
		Timestamp         time.Time   `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients []recipient `json:"complainedRecipients"`
		Timestamp            time.Time   `json:"timestamp"`
	} `json:"complaint"`
}

// Parse decodes an SES event body, unwrapping an SNS envelope if present.
func Parse(body []byte) (*Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = []byte(env.Message)
	}

	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode ses event: %w", err)
	}

	eventType := n.EventType
	if eventType == "" {
		eventType = n.NotificationType
	}
	if n.Mail.MessageID == "" {
		return nil, fmt.Errorf("ses event without message id")
	}

	ev := &Event{MessageID: n.Mail.MessageID, At: n.Mail.Timestamp}
	if tags := n.Mail.Tags[TagName]; len(tags) > 0 {
		ev.Tag = tags[0]
	}

	switch strings.ToLower(eventType) {
	case "open":
		ev.Kind = KindOpen
		if n.Open != nil {
			ev.At = pick(n.Open.Timestamp, ev.At)
		}
	case "click":
		ev.Kind = KindClick
		if n.Click != nil {
			ev.At = pick(n.Click.Timestamp, ev.At)
		}
	case "bounce":
		ev.Kind = KindBounce
		if n.Bounce == nil {
			return nil, fmt.Errorf("bounce event without bounce details")
		}
		ev.Permanent = n.Bounce.BounceType == "Permanent"
		ev.Recipients = addresses(n.Bounce.BouncedRecipients)
		ev.At = pick(n.Bounce.Timestamp, ev.At)
	case "complaint":
		ev.Kind = KindComplaint
		if n.Complaint == nil {
			return nil, fmt.Errorf("complaint event without complaint details")
		}
		ev.Recipients = addresses(n.Complaint.ComplainedRecipients)
		ev.At = pick(n.Complaint.Timestamp, ev.At)
	default:
		return nil, fmt.Errorf("%q: %w", eventType, ErrUnsupportedEvent)
	}

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	return ev, nil
}

func pick(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func addresses(rs []recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if a := strings.TrimSpace(r.EmailAddress); a != "" {
			out = append(out, a)
		}
	}
	return out
}

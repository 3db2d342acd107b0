// Package dispatch defines the closed set of outbound contact channels and
// the collaborator interface the scheduler signals. The core guarantees
// *when* a contact fires, never *how* it is delivered.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/intake-voice-lab/internal/logging"
)

// Channel is a closed tagged variant; switches over it must be exhaustive.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelCall     Channel = "call"
	ChannelWebChat  Channel = "web_chat"
)

// ParseChannel validates a channel string against the closed set.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelCall, ChannelWebChat:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// DisplayName returns the operator-facing name for a channel.
func (c Channel) DisplayName() string {
	switch c {
	case ChannelEmail:
		return "Email"
	case ChannelSMS:
		return "SMS"
	case ChannelWhatsApp:
		return "WhatsApp"
	case ChannelCall:
		return "Phone call"
	case ChannelWebChat:
		return "Web chat"
	}
	return string(c)
}

// Contact describes one outbound contact to perform.
type Contact struct {
	TaskID      string
	SubjectID   string
	Kind        string
	Channel     Channel
	ScheduledAt time.Time
}

// Dispatcher performs the outbound contact. Implementations live outside
// this core (Twilio, SendGrid, ...).
type Dispatcher interface {
	Dispatch(ctx context.Context, c Contact) error
}

// LogDispatcher is the default no-delivery dispatcher: it records that the
// contact fired and succeeds. Useful for development and tests.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, c Contact) error {
	logging.Infow("dispatching contact",
		"task_id", c.TaskID, "subject_id", c.SubjectID,
		"kind", c.Kind, "channel", string(c.Channel),
		"scheduled_at", c.ScheduledAt.UTC().Format(time.RFC3339))
	return nil
}

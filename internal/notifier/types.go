package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// Timeout bounds a single send.
	Timeout time.Duration
}

const (
	ChannelWebhook  = "webhook"
	ChannelTelegram = "telegram"
)

// Notification is one outbound message. Payload is the webhook body; Text is
// the Telegram message.
type Notification struct {
	Channel string
	Text    string
	Payload any
}

// WebhookPayload is posted for lifecycle events.
type WebhookPayload struct {
	Event     string    `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Name      string    `json:"name,omitempty"`
	Address   string    `json:"address,omitempty"`
	Sent      int       `json:"sent,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	PixelID   string    `json:"facebookPixelId,omitempty"`
	Time      time.Time `json:"time"`
}

// NotificationEvent is emitted on the event bus after each delivery attempt.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

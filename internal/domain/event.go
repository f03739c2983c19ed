package domain

const (
	EventTypeMessage   = "message"
	MessageTypeText    = "text"
	EventTypeMalformed = "malformed"
)

// Event is one inbound webhook event, consumed by exactly one pipeline run.
type Event struct {
	Kind           string
	MessageType    string
	UserID         string
	ReplyToken     string
	Text           string
	WebhookEventID string
	Redelivery     bool
}

// IsText reports whether the event is a text message, the only kind relayed.
func (e Event) IsText() bool {
	return e.Kind == EventTypeMessage && e.MessageType == MessageTypeText
}

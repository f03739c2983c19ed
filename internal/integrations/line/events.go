package line

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"line-relay/internal/domain"
)

// ErrMalformedBody reports a webhook body without an "events" array.
var ErrMalformedBody = errors.New("line: malformed webhook body")

type callbackBody struct {
	Destination string          `json:"destination"`
	Events      json.RawMessage `json:"events"`
}

type webhookEvent struct {
	Type            string `json:"type"`
	ReplyToken      string `json:"replyToken"`
	WebhookEventID  string `json:"webhookEventId"`
	DeliveryContext struct {
		IsRedelivery bool `json:"isRedelivery"`
	} `json:"deliveryContext"`
	Source struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// ParseEvents decodes a webhook body into domain events, one per entry of
// "events" and in the same order. An entry that cannot be decoded becomes a
// malformed event instead of failing the whole delivery.
func ParseEvents(body []byte) ([]domain.Event, error) {
	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	trimmed := bytes.TrimSpace(cb.Events)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: events must be an array", ErrMalformedBody)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	events := make([]domain.Event, 0, len(raw))
	for _, r := range raw {
		var we webhookEvent
		if err := json.Unmarshal(r, &we); err != nil {
			events = append(events, domain.Event{Kind: domain.EventTypeMalformed})
			continue
		}
		events = append(events, domain.Event{
			Kind:           we.Type,
			MessageType:    we.Message.Type,
			UserID:         we.Source.UserID,
			ReplyToken:     we.ReplyToken,
			Text:           we.Message.Text,
			WebhookEventID: we.WebhookEventID,
			Redelivery:     we.DeliveryContext.IsRedelivery,
		})
	}
	return events, nil
}

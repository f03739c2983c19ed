package line

import (
	"testing"

	"github.com/stretchr/testify/require"

	"line-relay/internal/domain"
)

func TestParseEvents_TextMessage(t *testing.T) {
	body := []byte(`{
		"destination": "Uxxxxxxxx",
		"events": [{
			"type": "message",
			"webhookEventId": "01FZ74A0TDDPYRVKNK77XKC3ZR",
			"deliveryContext": {"isRedelivery": true},
			"replyToken": "nHuyWiB7yP5Zw52FIkcQobQuGDXCTA",
			"source": {"type": "user", "userId": "U1"},
			"message": {"id": "444573844083572737", "type": "text", "text": "こんにちは"}
		}]
	}`)
	events, err := ParseEvents(body)
	require.NoError(t, err)
	require.Equal(t, []domain.Event{{
		Kind:           "message",
		MessageType:    "text",
		UserID:         "U1",
		ReplyToken:     "nHuyWiB7yP5Zw52FIkcQobQuGDXCTA",
		Text:           "こんにちは",
		WebhookEventID: "01FZ74A0TDDPYRVKNK77XKC3ZR",
		Redelivery:     true,
	}}, events)
	require.True(t, events[0].IsText())
}

func TestParseEvents_KeepsOrderAndOtherKinds(t *testing.T) {
	body := []byte(`{"events":[
		{"type":"follow","replyToken":"r1","source":{"type":"user","userId":"U1"}},
		{"type":"message","replyToken":"r2","source":{"type":"user","userId":"U2"},"message":{"type":"sticker"}},
		"garbage",
		{"type":"message","replyToken":"r3","source":{"type":"group","groupId":"G1","userId":"U3"},"message":{"type":"text","text":"hi"}}
	]}`)
	events, err := ParseEvents(body)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.False(t, events[0].IsText())
	require.False(t, events[1].IsText())
	require.Equal(t, domain.EventTypeMalformed, events[2].Kind)
	require.True(t, events[3].IsText())
	require.Equal(t, "U3", events[3].UserID)
}

func TestParseEvents_EmptyArray(t *testing.T) {
	events, err := ParseEvents([]byte(`{"destination":"U","events":[]}`))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestParseEvents_Malformed(t *testing.T) {
	for _, body := range []string{
		``,
		`not-json`,
		`[]`,
		`{}`,
		`{"events":null}`,
		`{"events":{}}`,
		`{"events":"x"}`,
	} {
		_, err := ParseEvents([]byte(body))
		require.ErrorIs(t, err, ErrMalformedBody, "body=%q", body)
	}
}

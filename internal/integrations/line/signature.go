package line

import (
	"errors"
	"strings"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Line-Signature"

// Verifier checks webhook signatures against the channel secret.
type Verifier struct {
	channelSecret string
}

func NewVerifier(channelSecret string) (*Verifier, error) {
	if strings.TrimSpace(channelSecret) == "" {
		return nil, errors.New("line: channel secret must not be empty")
	}
	return &Verifier{channelSecret: channelSecret}, nil
}

// Verify reports whether signature matches body. It fails closed.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if v == nil || v.channelSecret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	return webhook.ValidateSignature(v.channelSecret, signature, body)
}

package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier(" ")
	require.Error(t, err)
}

func TestVerifier_Verify(t *testing.T) {
	body := []byte(`{"events":[]}`)
	v, err := NewVerifier("channel-secret")
	require.NoError(t, err)

	cases := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{name: "valid", body: body, signature: sign("channel-secret", body), want: true},
		{name: "missing", body: body, signature: "", want: false},
		{name: "wrong secret", body: body, signature: sign("other-secret", body), want: false},
		{name: "tampered body", body: []byte(`{"events":[{}]}`), signature: sign("channel-secret", body), want: false},
		{name: "not base64", body: body, signature: "%%%", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, v.Verify(tc.body, tc.signature))
		})
	}
}

func TestVerifier_ZeroValueFailsClosed(t *testing.T) {
	body := []byte(`{}`)
	require.False(t, (&Verifier{}).Verify(body, sign("", body)))
	var v *Verifier
	require.False(t, v.Verify(body, sign("", body)))
}

package lemonsqueezy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec-test")
	body := []byte(`{"meta":{"event_name":"subscription_created"}}`)
	valid := Sign(body, secret)

	flipped := []byte(valid)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	tests := []struct {
		name   string
		body   []byte
		sig    string
		secret []byte
		want   bool
	}{
		{"valid", body, valid, secret, true},
		{"uppercase hex", body, strings.ToUpper(valid), secret, true},
		{"one character flipped", body, string(flipped), secret, false},
		{"body changed", append([]byte(" "), body...), valid, secret, false},
		{"wrong secret", body, valid, []byte("other"), false},
		{"empty signature", body, "", secret, false},
		{"not hex", body, "zz" + valid[2:], secret, false},
		{"truncated", body, valid[:32], secret, false},
		{"too long", body, valid + "00", secret, false},
		{"empty secret", body, Sign(body, nil), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(tt.body, tt.sig, tt.secret))
		})
	}
}

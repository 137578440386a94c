package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResend_Ready(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  ResendConfig
		want bool
	}{
		{
			name: "configured",
			cfg:  ResendConfig{APIKey: "re_123", FromEmail: "no-reply@example.com"},
			want: true,
		},
		{
			name: "missing api key",
			cfg:  ResendConfig{FromEmail: "no-reply@example.com"},
			want: false,
		},
		{
			name: "missing from address",
			cfg:  ResendConfig{APIKey: "re_123"},
			want: false,
		},
		{
			name: "unparseable from address",
			cfg:  ResendConfig{APIKey: "re_123", FromEmail: "not an address"},
			want: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NewResend(tc.cfg).Ready())
		})
	}
}

func TestFromHeader(t *testing.T) {
	cfg := ResendConfig{FromEmail: "no-reply@example.com", FromName: "Acme"}

	assert.Equal(t, "Acme <no-reply@example.com>", fromHeader(cfg, ""))
	assert.Equal(t, "Support <no-reply@example.com>", fromHeader(cfg, "Support"))

	bare := ResendConfig{FromEmail: "no-reply@example.com"}
	assert.Equal(t, "no-reply@example.com", fromHeader(bare, ""))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("429 too many requests")
	err := &Error{Provider: "resend", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "resend transport")
	assert.Contains(t, err.Error(), "429 too many requests")
}

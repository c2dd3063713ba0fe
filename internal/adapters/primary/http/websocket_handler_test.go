package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"app.example.com", "*.tenant.io"}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://APP.example.com", true},
		{"https://other.example.com", false},
		{"https://tenant.io", true},
		{"https://acme.tenant.io", true},
		{"https://eviltenant.io", false},
		{"https://acme.tenant.io.evil.com", false},
		{"not a url", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, allowed))
		})
	}
}

func TestOriginAllowed_EmptyList(t *testing.T) {
	assert.False(t, originAllowed("https://app.example.com", nil))
	assert.True(t, originAllowed("", nil))
}

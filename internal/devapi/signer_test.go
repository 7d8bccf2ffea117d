package devapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignAndVerify(t *testing.T) {
	s := NewSigner("test-secret")

	signed, err := s.Sign(http.MethodPut, "/upload/meals/user-1/a.jpg", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "/upload/meals/user-1/a.jpg?signature="))
	assert.Contains(t, signed, "&expires=")

	req := httptest.NewRequest(http.MethodPut, signed, nil)
	assert.NoError(t, s.Verify(req))
}

func TestSigner_Rejects(t *testing.T) {
	s := NewSigner("test-secret")
	signed, err := s.Sign(http.MethodPut, "/upload/meals/user-1/a.jpg", time.Minute)
	require.NoError(t, err)
	query := signed[strings.Index(signed, "?"):]

	tests := []struct {
		name   string
		method string
		target string
		want   error
	}{
		{"other path", http.MethodPut, "/upload/meals/user-2/a.jpg" + query, ErrInvalidSignature},
		{"other method", http.MethodPost, signed, ErrInvalidSignature},
		{"missing signature", http.MethodPut, "/upload/meals/user-1/a.jpg?expires=1", ErrMissingSignature},
		{"missing expires", http.MethodPut, "/upload/meals/user-1/a.jpg?signature=abc", ErrMissingExpiration},
		{"bad expires", http.MethodPut, "/upload/meals/user-1/a.jpg?signature=abc&expires=soon", ErrInvalidExpiration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			assert.ErrorIs(t, s.Verify(req), tt.want)
		})
	}

	t.Run("other secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, signed, nil)
		assert.ErrorIs(t, NewSigner("other").Verify(req), ErrInvalidSignature)
	})
}

func TestSigner_Expired(t *testing.T) {
	s := NewSigner("test-secret")
	signed, err := s.Sign(http.MethodPut, "/upload/x.jpg", time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	req := httptest.NewRequest(http.MethodPut, signed, nil)
	assert.ErrorIs(t, s.Verify(req), ErrExpired)
}

func TestSigner_NoSecret(t *testing.T) {
	_, err := NewSigner("").Sign(http.MethodPut, "/upload/x.jpg", time.Minute)
	assert.ErrorIs(t, err, ErrNoSecretKey)
}

package devapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signature validation errors
var (
	ErrNoSecretKey       = errors.New("devapi: no signing secret configured")
	ErrMissingSignature  = errors.New("devapi: missing signature parameter")
	ErrMissingExpiration = errors.New("devapi: missing expires parameter")
	ErrInvalidExpiration = errors.New("devapi: invalid expires parameter")
	ErrExpired           = errors.New("devapi: upload URL has expired")
	ErrInvalidSignature  = errors.New("devapi: invalid signature")
)

// Signer issues and checks HMAC-signed upload URLs. The signed payload is
// METHOD|PATH|EXPIRES.
type Signer struct {
	secretKey []byte
	now       func() time.Time
}

// NewSigner creates a Signer for secret.
func NewSigner(secret string) *Signer {
	return &Signer{secretKey: []byte(secret), now: time.Now}
}

// Sign returns path with signature and expires query parameters appended.
func (s *Signer) Sign(method, path string, expiresIn time.Duration) (string, error) {
	if len(s.secretKey) == 0 {
		return "", ErrNoSecretKey
	}
	expiresAt := s.now().Add(expiresIn).Unix()
	sig := s.signature(method, path, expiresAt)
	return fmt.Sprintf("%s?signature=%s&expires=%d", path, sig, expiresAt), nil
}

// Verify checks the signature and expiry carried by r.
func (s *Signer) Verify(r *http.Request) error {
	query := r.URL.Query()
	signature := query.Get("signature")
	expiresStr := query.Get("expires")
	if signature == "" {
		return ErrMissingSignature
	}
	if expiresStr == "" {
		return ErrMissingExpiration
	}
	expiresAt, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpiration, err)
	}

	if s.now().Unix() > expiresAt {
		return ErrExpired
	}
	expected := s.signature(r.Method, r.URL.EscapedPath(), expiresAt)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *Signer) signature(method, path string, expiresAt int64) string {
	h := hmac.New(sha256.New, s.secretKey)
	fmt.Fprintf(h, "%s|%s|%d", method, path, expiresAt)
	return hex.EncodeToString(h.Sum(nil))
}

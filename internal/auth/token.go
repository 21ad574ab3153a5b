package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/voicelink/internal/types"
)

// ErrMissingToken is returned when no access token has been set.
var ErrMissingToken = fmt.Errorf("missing access token: %w", types.ErrAuthFailed)

// TokenSource supplies the bearer token for every request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken holds a token set by the application. Signature verification
// belongs to the server; the token is only inspected for its expiry so an
// expired credential fails fast as an auth error instead of a round trip.
type StaticToken struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token, now: time.Now}
}

// Set replaces the token.
func (s *StaticToken) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *StaticToken) Token() (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" {
		return "", ErrMissingToken
	}
	if exp, ok := Expiry(token); ok && !s.now().Before(exp) {
		return "", fmt.Errorf("access token expired at %s: %w", exp.Format(time.RFC3339), types.ErrAuthFailed)
	}
	return token, nil
}

// Expiry reports the "exp" claim of a JWT. Opaque tokens and tokens without
// the claim report false.
func Expiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsAuthError reports whether err belongs to the auth class.
func IsAuthError(err error) bool {
	return errors.Is(err, types.ErrAuthFailed)
}

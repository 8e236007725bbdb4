package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that are malformed, expired or signed with another key
var ErrInvalidToken = errors.New("invalid session token")

// Claims carried by a session token. The subject is the anonymous session id.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs and verifies anonymous session tokens
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a token issuer. The secret must not be empty.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue creates a token for a fresh session and returns it with the session id and expiry
func (i *Issuer) Issue() (token, sessionID string, expiresAt time.Time, err error) {
	now := i.now()
	sessionID = uuid.New().String()
	expiresAt = now.Add(i.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "resonance",
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, sessionID, expiresAt, nil
}

// Verify checks a token and returns its session id
func (i *Issuer) Verify(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		// Ensure the token's signing method is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer("resonance"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Counter reports how many submissions a session made since a point in time
type Counter interface {
	CountBySessionSince(ctx context.Context, sessionToken string, since time.Time) (int, error)
}

// Throttle bounds submissions per session over a rolling day
type Throttle struct {
	counter Counter
	limit   int
	period  time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewThrottle creates a throttle allowing limit submissions per 24 hours. A limit of 0 disables it.
func NewThrottle(counter Counter, limit int) *Throttle {
	return &Throttle{
		counter: counter,
		limit:   limit,
		period:  24 * time.Hour,
		now:     time.Now,
		locks:   make(map[string]*sessionLock),
	}
}

// Acquire checks the session's allowance and holds the session until release is called,
// so the count cannot change between the check and the submission it guards.
// Holding is per process; replicas sharing a store can still overshoot by one per replica.
// release is never nil and must be called even when the session is denied.
func (t *Throttle) Acquire(ctx context.Context, sessionID string) (release func(), allowed bool, err error) {
	if t.limit <= 0 || sessionID == "" {
		return func() {}, true, nil
	}

	release = t.lock(sessionID)
	allowed, err = t.Allow(ctx, sessionID)
	return release, allowed, err
}

func (t *Throttle) lock(sessionID string) func() {
	t.mu.Lock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		t.locks[sessionID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, sessionID)
			}
			t.mu.Unlock()
		})
	}
}

// Allow reports whether the session may submit again
func (t *Throttle) Allow(ctx context.Context, sessionID string) (bool, error) {
	if t.limit <= 0 || sessionID == "" {
		return true, nil
	}
	count, err := t.counter.CountBySessionSince(ctx, sessionID, t.now().Add(-t.period))
	if err != nil {
		return false, fmt.Errorf("failed to count session submissions: %w", err)
	}
	return count < t.limit, nil
}

// Period is the throttle's rolling window
func (t *Throttle) Period() time.Duration {
	return t.period
}

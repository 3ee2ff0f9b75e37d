// Package auth verifies bearer credentials and derives the caller identity
// that routing and sessions key on. Two credential shapes are accepted: an
// opaque API key from the configured set, and an HS256 JWT minted by
// CreateToken.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/libraxisai/lbrxserve/router"
	"github.com/libraxisai/lbrxserve/types"
)

// Identity is the authenticated caller.
type Identity struct {
	// UserID is the JWT subject, or a synthetic id derived from the API
	// key, or "anonymous" when auth is disabled.
	UserID string
	// Service is the calling service, derived from the key prefix or the
	// token's svc claim.
	Service string
	// APIKey is the raw key when one was presented.
	APIKey string
}

// Authenticator verifies credentials. Zero-value is unusable; use New.
type Authenticator struct {
	enabled bool
	keys    map[string]bool
	secret  []byte
	method  jwt.SigningMethod
}

// New creates an Authenticator. When enabled is false every request passes
// with an anonymous identity. An empty key set accepts any API key shape
// (identity still derives from it).
func New(enabled bool, keys []string, jwtSecret, jwtAlgorithm string) (*Authenticator, error) {
	a := &Authenticator{
		enabled: enabled,
		keys:    make(map[string]bool, len(keys)),
		secret:  []byte(jwtSecret),
	}
	for _, k := range keys {
		a.keys[k] = true
	}
	switch jwtAlgorithm {
	case "", "HS256":
		a.method = jwt.SigningMethodHS256
	case "HS384":
		a.method = jwt.SigningMethodHS384
	case "HS512":
		a.method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", jwtAlgorithm)
	}
	if enabled && len(a.secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required when auth is enabled")
	}
	return a, nil
}

// Verify authenticates the Authorization header value and returns the
// caller identity.
func (a *Authenticator) Verify(authorization string) (*Identity, error) {
	credential := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))

	if !a.enabled {
		id := &Identity{UserID: "anonymous", Service: "default"}
		if credential != "" {
			id.Service = router.ServiceForKey(credential)
			id.APIKey = credential
		}
		return id, nil
	}

	if credential == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "missing bearer credential")
	}

	// JWTs have exactly two dots; everything else is an API key.
	if strings.Count(credential, ".") == 2 {
		return a.verifyToken(credential)
	}
	return a.verifyKey(credential)
}

func (a *Authenticator) verifyKey(key string) (*Identity, error) {
	if len(a.keys) > 0 && !a.keys[key] {
		return nil, types.NewError(types.ErrUnauthenticated, "unknown api key")
	}
	return &Identity{
		UserID:  SyntheticUserID(key),
		Service: router.ServiceForKey(key),
		APIKey:  key,
	}, nil
}

func (a *Authenticator) verifyToken(raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != a.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, types.NewError(types.ErrUnauthenticated, "invalid token").WithCause(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, types.NewError(types.ErrUnauthenticated, "invalid token claims")
	}
	id := &Identity{Service: "default"}
	if sub, ok := claims["sub"].(string); ok {
		id.UserID = sub
	}
	if svc, ok := claims["svc"].(string); ok && svc != "" {
		id.Service = svc
	}
	if id.UserID == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "token missing subject")
	}
	return id, nil
}

// CreateToken mints an HS256 (or configured variant) JWT for the user and
// service, expiring after ttl.
func (a *Authenticator) CreateToken(userID, service string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(a.method, jwt.MapClaims{
		"sub": userID,
		"svc": service,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// SyntheticUserID derives a stable pseudonymous user id from an API key.
func SyntheticUserID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}

// GenerateAPIKey produces a new random key carrying the lbrxserve prefix.
func GenerateAPIKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "lbrx_" + base64.RawURLEncoding.EncodeToString(b)
}

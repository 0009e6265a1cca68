// Package auth validates websocket handshakes and REST calls.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie issued by the account service.
const CookieName = "jwt"

var (
	ErrNoToken      = errors.New("no token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUserMismatch = errors.New("token does not belong to user")
	ErrNoUser       = errors.New("user id required")
)

// Validator resolves the authenticated user of a request. claimed is the user
// id the client asserts (the userId query parameter); an empty claimed value
// accepts whichever user the credentials name.
type Validator interface {
	Authenticate(r *http.Request, claimed string) (userID string, err error)
}

// Claims accepts both the account service's userId claim and a standard sub.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) user() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWT validates HS256 tokens from the jwt cookie or an Authorization header.
type JWT struct {
	key    []byte
	leeway time.Duration
	nowFn  func() time.Time
}

func NewJWT(secret []byte) (*JWT, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWT{key: append([]byte(nil), secret...), leeway: 30 * time.Second, nowFn: time.Now}, nil
}

func (v *JWT) Authenticate(r *http.Request, claimed string) (string, error) {
	raw, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithTimeFunc(v.nowFn))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user := claims.user()
	if user == "" {
		return "", fmt.Errorf("token without subject: %w", ErrInvalidToken)
	}
	if claimed != "" && claimed != user {
		return "", ErrUserMismatch
	}
	return user, nil
}

// Sign issues a token for userID. It backs the Go client and tests; the
// account service issues production tokens.
func (v *JWT) Sign(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrNoUser
	}
	now := v.nowFn()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Insecure trusts the claimed user id. Development only.
type Insecure struct{}

func (Insecure) Authenticate(_ *http.Request, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	if claimed == "" {
		return "", ErrNoUser
	}
	return claimed, nil
}

// TokenFromRequest reads the jwt cookie, falling back to a bearer token.
func TokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	for _, v := range r.Header.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", ErrNoToken
}

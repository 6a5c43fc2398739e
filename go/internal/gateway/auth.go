package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrAuthRequired indicates that a bearer token is missing
	ErrAuthRequired = errors.New("authentication required")

	// ErrInvalidToken indicates that the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates that the token has expired
	ErrTokenExpired = errors.New("token expired")
)

// OperatorClaims identify whoever is driving the tour.
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks operator bearer tokens. A nil or secretless
// Authenticator lets everything through.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthenticator(secret, issuer string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// IssueToken signs a token for operator, used by tooling and tests.
func (a *Authenticator) IssueToken(operator, role string, now time.Time) (string, error) {
	claims := &OperatorClaims{
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
			Subject:   operator,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
func (a *Authenticator) Validate(token string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize validates the bearer token carried in header, if auth is enabled.
func (a *Authenticator) Authorize(header http.Header) (*OperatorClaims, error) {
	if !a.Enabled() {
		return nil, nil
	}
	raw := header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return nil, ErrAuthRequired
	}
	return a.Validate(token)
}

type operatorKey struct{}

// Middleware rejects requests without a valid operator token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authorize(r.Header)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if claims != nil {
			r = r.WithContext(context.WithValue(r.Context(), operatorKey{}, claims))
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorFrom returns the authenticated operator, if any.
func OperatorFrom(ctx context.Context) string {
	if c, ok := ctx.Value(operatorKey{}).(*OperatorClaims); ok {
		return c.Operator
	}
	return ""
}

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatorRoundTrip(t *testing.T) {
	auth := NewAuthenticator(testSecret, "vrsync", time.Hour)

	token, err := auth.IssueToken("guia-1", "operator", time.Now())
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "guia-1", claims.Operator)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, "vrsync", claims.Issuer)
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator(testSecret, "vrsync", time.Hour)

	expired, err := auth.IssueToken("guia-1", "operator", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = auth.Validate(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other := NewAuthenticator("another-secret", "vrsync", time.Hour)
	forged, err := other.IssueToken("guia-1", "operator", time.Now())
	require.NoError(t, err)
	_, err = auth.Validate(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Authorize(http.Header{})
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = auth.Authorize(http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}})
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestDisabledAuthenticatorAllowsAll(t *testing.T) {
	var nilAuth *Authenticator
	assert.False(t, nilAuth.Enabled())
	assert.False(t, NewAuthenticator("", "vrsync", 0).Enabled())

	claims, err := nilAuth.Authorize(http.Header{})
	assert.NoError(t, err)
	assert.Nil(t, claims)
}

func TestMiddlewareStoresOperator(t *testing.T) {
	auth := NewAuthenticator(testSecret, "vrsync", time.Hour)
	token, err := auth.IssueToken("guia-2", "operator", time.Now())
	require.NoError(t, err)

	var seen string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/command", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "guia-2", seen)
}

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	deps := newTestDeps(t)
	deps.Config.Auth.Mode = "token"
	deps.Config.Auth.Token = "secret"
	router := NewRouter(deps)

	rec := doRequest(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAuthRejectsMissingBearer(t *testing.T) {
	deps := newTestDeps(t)
	deps.Config.Auth.Mode = "token"
	deps.Config.Auth.Token = "secret"
	router := NewRouter(deps)

	rec := doRequest(t, router, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenAuthAcceptsValidBearer(t *testing.T) {
	deps := newTestDeps(t)
	deps.Config.Auth.Mode = "token"
	deps.Config.Auth.Token = "secret"
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

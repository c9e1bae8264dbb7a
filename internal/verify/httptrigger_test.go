package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPTriggerFire(t *testing.T) {
	var gotMethod, gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Auth-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	trig, err := NewHTTPTrigger(&HTTPTriggerConfig{BaseURL: srv.URL, Token: "secret"}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, trig.Fire(context.Background(), "title-fetcher", "4242"))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/components/title-fetcher/items/4242/refresh", gotPath)
	assert.Equal(t, "secret", gotToken)
}

func TestHTTPTriggerNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	trig, err := NewHTTPTrigger(&HTTPTriggerConfig{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	err = trig.Fire(context.Background(), "title-fetcher", "1")
	assert.ErrorContains(t, err, "unexpected status 502")
}

func TestNewHTTPTriggerRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPTrigger(&HTTPTriggerConfig{}, zap.NewNop())
	assert.Error(t, err)
}

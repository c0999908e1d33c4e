package odoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/odoofield/internal/credentials"
)

// refreshingProvider hands out token-1 until Refresh, then token-2.
type refreshingProvider struct {
	refreshes int32
}

func (p *refreshingProvider) AccessToken(ctx context.Context) (string, error) {
	if atomic.LoadInt32(&p.refreshes) > 0 {
		return "token-2", nil
	}
	return "token-1", nil
}

func (p *refreshingProvider) Refresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&p.refreshes, 1)
	return "token-2", nil
}

func (p *refreshingProvider) OnUnauthorized() {}

func TestExecuteKwRoundTrip(t *testing.T) {
	var gotAuth, gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-Id")

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "res.partner", req.Model)
		assert.Equal(t, "search_count", req.Method)

		json.NewEncoder(w).Encode(map[string]any{"result": 42})
	}))
	defer srv.Close()

	tr := NewJSONRPCTransport(srv.URL, credentials.Static("tok"), "device-7")
	res, err := tr.ExecuteKw(context.Background(), "res.partner", "search_count", []any{[]any{}}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, res)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "device-7", gotDevice)
}

func TestExecuteKwRefreshesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	}))
	defer srv.Close()

	provider := &refreshingProvider{}
	tr := NewJSONRPCTransport(srv.URL, provider, "")

	res, err := tr.ExecuteKw(context.Background(), "res.partner", "write", []any{[]int64{1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, provider.refreshes)
}

func TestExecuteKwSurfacesAuthAfterFailedRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewJSONRPCTransport(srv.URL, &refreshingProvider{}, "")
	_, err := tr.ExecuteKw(context.Background(), "res.partner", "read", nil, nil)
	assert.True(t, IsAuth(err), "persistent 401 surfaces as an auth error, not a loop")
}

func TestExecuteKwClassifiesStatuses(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tr := NewJSONRPCTransport(srv.URL, credentials.Static("tok"), "")

	_, err := tr.ExecuteKw(context.Background(), "m", "x", nil, nil)
	var srvErr *ServerError
	assert.ErrorAs(t, err, &srvErr)

	status = http.StatusUnprocessableEntity
	_, err = tr.ExecuteKw(context.Background(), "m", "x", nil, nil)
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestExecuteKwEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 500, "message": "odoo.exceptions.UserError"},
		})
	}))
	defer srv.Close()

	tr := NewJSONRPCTransport(srv.URL, credentials.Static("tok"), "")
	_, err := tr.ExecuteKw(context.Background(), "m", "x", nil, nil)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Contains(t, srvErr.Message, "UserError")
}

func TestExecuteKwNetworkErrorOnDeadServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	tr := NewJSONRPCTransport(srv.URL, credentials.Static("tok"), "")
	_, err := tr.ExecuteKw(context.Background(), "m", "x", nil, nil)
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}

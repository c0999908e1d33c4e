package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fieldlink/odoofield/internal/credentials"
)

// JSONRPCTransport talks to the Odoo REST bridge used by mobile clients:
// a JSON POST of {model, method, args, kwargs} authenticated with a
// bearer token. On a 401-class response it asks the credential provider
// for exactly one refresh and retries once.
type JSONRPCTransport struct {
	baseURL  string
	client   *http.Client
	creds    credentials.Provider
	deviceID string
}

// NewJSONRPCTransport builds the default transport. Per-call deadlines
// come from the caller's context, so the client itself has no timeout.
func NewJSONRPCTransport(baseURL string, creds credentials.Provider, deviceID string) *JSONRPCTransport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &JSONRPCTransport{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:     dialer.DialContext,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		creds:    creds,
		deviceID: deviceID,
	}
}

type rpcRequest struct {
	Model  string         `json:"model"`
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExecuteKw implements Transport.
func (t *JSONRPCTransport) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	result, err := t.call(ctx, model, method, args, kwargs)
	if !IsAuth(err) {
		return result, err
	}

	// One refresh-and-retry cycle per request.
	t.creds.OnUnauthorized()
	if _, refreshErr := t.creds.Refresh(ctx); refreshErr != nil {
		return nil, fmt.Errorf("token refresh after 401 failed: %w", refreshErr)
	}
	return t.call(ctx, model, method, args, kwargs)
}

func (t *JSONRPCTransport) call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	token, err := t.creds.AccessToken(ctx)
	if err != nil {
		return nil, &AuthError{Status: 0, Message: err.Error()}
	}

	body, err := json.Marshal(rpcRequest{Model: model, Method: method, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/api/execute_kw", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if t.deviceID != "" {
		req.Header.Set("X-Device-Id", t.deviceID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: model + "." + method, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &NetworkError{Op: model + "." + method, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, truncate(string(payload), 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, &ServerError{Status: resp.StatusCode, Message: "malformed response payload"}
	}
	if rpcResp.Error != nil {
		return nil, classifyStatus(rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var result any
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
			return nil, &ServerError{Status: resp.StatusCode, Message: "malformed result payload"}
		}
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

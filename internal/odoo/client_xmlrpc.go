package odoo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kolo/xmlrpc"
)

// XMLRPCTransport is the classic Odoo XML-RPC channel, kept for servers
// without the REST bridge. Session auth replaces bearer tokens: an auth
// fault triggers one re-authentication and retry, mirroring the token
// refresh cycle of the JSON transport.
type XMLRPCTransport struct {
	URL      string
	Database string
	Username string
	Password string

	mu  sync.Mutex
	uid int
}

// NewXMLRPCTransport creates an unauthenticated transport; the first
// call authenticates lazily.
func NewXMLRPCTransport(url, db, username, password string) *XMLRPCTransport {
	return &XMLRPCTransport{
		URL:      url,
		Database: db,
		Username: username,
		Password: password,
	}
}

// Authenticate resolves the Odoo user id via the common endpoint.
func (t *XMLRPCTransport) Authenticate() (int, error) {
	client, err := xmlrpc.NewClient(t.URL+"/xmlrpc/2/common", nil)
	if err != nil {
		return 0, &NetworkError{Op: "authenticate", Err: err}
	}
	defer client.Close()

	args := []interface{}{t.Database, t.Username, t.Password, make([]interface{}, 0)}
	var uid int
	if err := client.Call("authenticate", args, &uid); err != nil {
		return 0, &AuthError{Message: fmt.Sprintf("authentication failed: %v", err)}
	}
	if uid == 0 {
		return 0, &AuthError{Message: "authentication rejected"}
	}

	t.mu.Lock()
	t.uid = uid
	t.mu.Unlock()
	return uid, nil
}

// ExecuteKw implements Transport.
func (t *XMLRPCTransport) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	result, err := t.call(ctx, model, method, args, kwargs)
	if !IsAuth(err) {
		return result, err
	}

	if _, authErr := t.Authenticate(); authErr != nil {
		return nil, authErr
	}
	return t.call(ctx, model, method, args, kwargs)
}

func (t *XMLRPCTransport) call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	uid := t.uid
	t.mu.Unlock()
	if uid == 0 {
		if _, err := t.Authenticate(); err != nil {
			return nil, err
		}
		t.mu.Lock()
		uid = t.uid
		t.mu.Unlock()
	}

	client, err := xmlrpc.NewClient(t.URL+"/xmlrpc/2/object", nil)
	if err != nil {
		return nil, &NetworkError{Op: model + "." + method, Err: err}
	}
	defer client.Close()

	callArgs := []interface{}{t.Database, uid, t.Password, model, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}

	var result interface{}
	if err := client.Call("execute_kw", callArgs, &result); err != nil {
		return nil, classifyXMLRPC(model+"."+method, err)
	}
	return result, nil
}

// classifyXMLRPC maps transport failures onto the error taxonomy. Odoo
// faults carry only a message string, so access failures are matched by
// the fault text the server emits.
func classifyXMLRPC(op string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "access denied") || strings.Contains(lower, "session expired"):
		return &AuthError{Message: msg}
	case strings.Contains(lower, "validationerror") || strings.Contains(lower, "does not exist"):
		return &ValidationError{Message: msg}
	case strings.Contains(msg, "fault"):
		return &ServerError{Message: msg}
	default:
		return &NetworkError{Op: op, Err: err}
	}
}

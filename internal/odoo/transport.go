package odoo

import (
	"context"
)

// Transport executes a single Odoo model method call. Implementations
// map transport-level failures onto the shared error taxonomy and handle
// their own one-shot re-authentication on auth failures.
type Transport interface {
	ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error)
}

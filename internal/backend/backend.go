package backend

import "context"

type Query struct {
	User string
	Text string
}

// Client is whatever produces the actual answers. Implementations are
// expected to be slow; callers bound them with the request context.
type Client interface {
	Complete(ctx context.Context, query Query) (string, error)
	ClearHistory(ctx context.Context, user string) error
}

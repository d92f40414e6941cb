package backend

import "context"

// staticClient echoes the question back. Used when no AI backend is
// configured so the gateway still answers something sensible.
type staticClient struct{}

func NewStatic() *staticClient {
	return &staticClient{}
}

func (c *staticClient) Complete(_ context.Context, query Query) (string, error) {
	return "收到您的消息: " + query.Text, nil
}

func (c *staticClient) ClearHistory(context.Context, string) error {
	return nil
}

package client

import "context"

// Arguments is a positional parameter list. It always encodes as a JSON array.
type Arguments []any

// Args builds the positional parameters of a call.
func Args(a ...any) Arguments {
	if a == nil {
		return Arguments{}
	}
	return a
}

// Invoke calls methodID with positional args and decodes the response body into R.
// A failure Response is returned as a *message.RemoteError.
//
//	td, err := client.Invoke[TestData](ctx, cli, "TestRpcService#someMethod", in)
func Invoke[R any](ctx context.Context, c *Client, methodID string, args ...any) (R, error) {
	var reply R
	res := c.Call(ctx, methodID, Args(args...), &reply)
	if err := res.Error(); err != nil {
		var zero R
		return zero, err
	}
	return reply, nil
}

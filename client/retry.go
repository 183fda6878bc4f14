package client

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"wheels-rpc/message"
	"wheels-rpc/transport"
)

// RetryPolicy retries getting a request onto a connection. A request whose bytes
// reached the wire is never sent again, so only dial failures and connections found
// dead before writing are retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<attempt)
}

func retryable(err error) bool {
	var te *transport.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Op == "dial" || te.Op == "send"
}

func (c *Client) send(ctx context.Context, pool *transport.ConnPool, req *message.Request, reply any) (*transport.Call, error) {
	policy := c.cfg.Retry
	for attempt := 0; ; attempt++ {
		call, err := c.trySend(ctx, pool, req, reply)
		if err == nil {
			return call, nil
		}
		if attempt >= policy.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return nil, err
		}

		delay := policy.backoff(attempt)
		c.log.WithFields(logrus.Fields{
			"method":  req.Method,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Warn("retrying call")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// trySend borrows a transport only for the duration of the write.
func (c *Client) trySend(ctx context.Context, pool *transport.ConnPool, req *message.Request, reply any) (*transport.Call, error) {
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	call, err := t.Send(req, reply)
	pool.Put(t)
	return call, err
}

// Package client is the caller-facing side of the RPC runtime.
//
// A Client owns a bounded pool of multiplexed connections to one server. Each call
// borrows a connection only long enough to write its request; the response is matched
// by ID on whichever goroutine is waiting for it.
//
//	cli := client.New(client.DefaultConfig())
//	if err := cli.Start(); err != nil { ... }
//	defer cli.Stop()
//	sum, err := client.Invoke[int](ctx, cli, "TestRpcService#add", 1, 2)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wheels-rpc/codec"
	"wheels-rpc/message"
	"wheels-rpc/protocol"
	"wheels-rpc/transport"
)

var ErrClientNotStarted = errors.New("client: not started")

type Config struct {
	Host              string
	Port              int
	MaxFrameLength    int
	LengthFieldLength int
	PoolSize          int
	DialTimeout       time.Duration
	Retry             RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              8080,
		MaxFrameLength:    protocol.DefaultMaxFrameLength,
		LengthFieldLength: protocol.DefaultLengthFieldLength,
		PoolSize:          3,
		DialTimeout:       5 * time.Second,
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Option func(*Client)

func WithPoolSize(n int) Option {
	return func(c *Client) { c.cfg.PoolSize = n }
}

func WithFramer(f protocol.Framer) Option {
	return func(c *Client) {
		c.cfg.LengthFieldLength = f.LengthFieldLength
		c.cfg.MaxFrameLength = f.MaxFrameLength
	}
}

func WithCodec(cdc codec.Codec) Option {
	return func(c *Client) { c.codec = cdc }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.DialTimeout = d }
}

// WithRetry retries connection acquisition up to maxRetries times with exponential
// backoff starting at baseDelay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) { c.cfg.Retry = RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay} }
}

type Client struct {
	cfg    Config
	log    logrus.FieldLogger
	codec  codec.Codec
	framer protocol.Framer

	mu     sync.Mutex
	inited bool
	pool   *transport.ConnPool
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "client", "remote": cfg.Addr()})
	if c.codec == nil {
		c.codec = codec.NewJSONCodec(c.log)
	}
	return c
}

// Init validates the configuration. Start calls it when needed.
func (c *Client) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init()
}

func (c *Client) init() error {
	if c.inited {
		return nil
	}
	c.framer = protocol.Framer{LengthFieldLength: c.cfg.LengthFieldLength, MaxFrameLength: c.cfg.MaxFrameLength}
	if err := c.framer.Validate(); err != nil {
		return err
	}
	if c.cfg.PoolSize < 1 {
		return fmt.Errorf("client: invalid pool size %d", c.cfg.PoolSize)
	}
	if c.cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("client: invalid retry count %d", c.cfg.Retry.MaxRetries)
	}
	c.inited = true
	return nil
}

// Start creates the connection pool. Connections are dialed on first use.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.init(); err != nil {
		return err
	}
	if c.pool != nil {
		return nil
	}
	c.pool = transport.NewConnPool(c.cfg.PoolSize, c.dial)
	c.log.WithField("pool", c.cfg.PoolSize).Debug("client started")
	return nil
}

// Stop closes the pool and every pooled connection. Calls still waiting for a response
// complete with transport.ErrConnectionClosed. Stop is idempotent and a no-op before
// Start; the client may be started again afterwards.
func (c *Client) Stop() error {
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()

	if pool == nil {
		return nil
	}
	c.log.WithField("stats", pool.Stats()).Debug("client stopping")
	return pool.Close()
}

func (c *Client) dial(ctx context.Context) (*transport.ClientTransport, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return nil, &transport.TransportError{Op: "dial", Err: err}
	}
	c.log.WithField("local", conn.LocalAddr().String()).Debug("connected")
	return transport.NewClientTransport(conn, c.framer, c.codec, transport.WithLogger(c.log)), nil
}

func (c *Client) currentPool() (*transport.ConnPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return nil, ErrClientNotStarted
	}
	return c.pool, nil
}

// Go sends a request without waiting for the response. The returned call's Done
// channel receives the call once it is complete; any failure to acquire a connection
// or write the request completes it immediately.
//
// args is encoded as the request parameters: use Args to pass positional arguments.
// Any other slice or array is a single argument and travels wrapped in an array.
// reply, if non-nil, must be a pointer that the response body decodes into.
func (c *Client) Go(ctx context.Context, methodID string, args any, reply any) *transport.Call {
	pool, err := c.currentPool()
	if err != nil {
		return transport.Failed(methodID, err)
	}

	params, err := c.encodeArgs(args)
	if err != nil {
		return transport.Failed(methodID, err)
	}
	req := &message.Request{Method: methodID, Parameters: params}

	call, err := c.send(ctx, pool, req, reply)
	if err != nil {
		c.log.WithError(err).WithField("method", methodID).Debug("call failed before sending")
		return transport.Failed(methodID, err)
	}
	return call
}

// Call sends a request and waits for its result or for ctx to end. When ctx ends
// first the result carries ctx.Err(); the late response, if any, is discarded.
func (c *Client) Call(ctx context.Context, methodID string, args any, reply any) *message.Result {
	call := c.Go(ctx, methodID, args, reply)
	select {
	case done := <-call.Done:
		return done.Result
	case <-ctx.Done():
		return &message.Result{ID: call.ID, Err: ctx.Err()}
	}
}

// Stats reports the pool counters, zero before Start.
func (c *Client) Stats() transport.PoolStats {
	pool, err := c.currentPool()
	if err != nil {
		return transport.PoolStats{}
	}
	return pool.Stats()
}

var (
	emptyArray = json.RawMessage("[]")
	nullArray  = json.RawMessage("[null]")
)

func (c *Client) encodeArgs(args any) (json.RawMessage, error) {
	switch a := args.(type) {
	case nil:
		return emptyArray, nil
	case Arguments:
		if len(a) == 0 {
			return emptyArray, nil
		}
	case json.RawMessage:
		return a, nil
	}

	rv := reflect.ValueOf(args)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nullArray, nil
		}
		out, err := c.codec.Encode(args)
		if err != nil {
			return nil, err
		}
		wrapped := make(json.RawMessage, 0, len(out)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, out...)
		return append(wrapped, ']'), nil
	}
	return c.codec.Encode(args)
}

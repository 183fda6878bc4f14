// Package transport implements the client-side transport layer: request/response
// correlation over one multiplexed connection, and a bounded pool of such connections.
//
// ClientTransport lets multiple concurrent calls share a single TCP connection.
// Each request gets a unique ID, and a background goroutine (recvLoop) continuously
// reads responses and routes them to the correct caller through the pending table.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] → Call.Done → goroutine-2 wakes up
package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/someonegg/gox/syncx"

	"wheels-rpc/codec"
	"wheels-rpc/message"
	"wheels-rpc/protocol"
)

var ErrConnectionClosed = errors.New("transport: connection closed")

// TransportError reports a failure to hand a request to the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Call is one in-flight request. Done receives the call exactly once.
type Call struct {
	ID     int64
	Method string
	Result *message.Result
	Done   chan *Call
}

func newCall(method string) *Call {
	return &Call{Method: method, Done: make(chan *Call, 1)}
}

// Failed returns a call that is already complete with err.
func Failed(method string, err error) *Call {
	call := newCall(method)
	call.complete(&message.Result{Err: err})
	return call
}

func (c *Call) complete(res *message.Result) {
	c.Result = res
	c.Done <- c
}

// pendingCall is owned by the pending table from Send until its response arrives
// or the connection is lost.
type pendingCall struct {
	call  *Call
	reply any // decode target for the response body, may be nil
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

func WithLogger(l logrus.FieldLogger) Option {
	return func(t *ClientTransport) { t.log = l }
}

// WithInitialID fixes the first request ID; the default seed is random.
func WithInitialID(id int64) Option {
	return func(t *ClientTransport) { t.seq.Store(id - 1) }
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	framer  protocol.Framer
	codec   codec.Codec
	log     logrus.FieldLogger
	seq     atomic.Int64 // last assigned ID, wraps MaxInt64 → MinInt64
	pending sync.Map     // map[int64]*pendingCall
	sending sync.Mutex   // serializes frame writes

	closeOnce sync.Once
	closed    atomic.Bool
	err       error // cause of closure, set before done
	done      syncx.DoneChan
}

// NewClientTransport wraps conn and starts the receive loop.
func NewClientTransport(conn net.Conn, framer protocol.Framer, cdc codec.Codec, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:   conn,
		framer: framer,
		codec:  cdc,
		log:    logrus.StandardLogger(),
		done:   syncx.NewDoneChan(),
	}
	t.seq.Store(rand.Int64())
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithFields(logrus.Fields{"component": "client-transport", "remote": conn.RemoteAddr().String()})
	go t.recvLoop()
	return t
}

// nextID returns the next request ID. Atomic add wraps from MaxInt64 to MinInt64.
// A wrapped ID that collides with a call still pending is not detected.
func (t *ClientTransport) nextID() int64 {
	return t.seq.Add(1)
}

// Send assigns an ID to req, records the pending call, and writes the request.
// It returns as soon as the bytes are handed to the connection; the returned Call
// completes when the matching response arrives or the connection is lost.
//
// reply, if non-nil, must be a pointer; the response body is decoded into it.
func (t *ClientTransport) Send(req *message.Request, reply any) (*Call, error) {
	if t.closed.Load() {
		return nil, &TransportError{Op: "send", Err: t.closeErr()}
	}

	call := newCall(req.Method)
	p := &pendingCall{call: call, reply: reply}

	t.sending.Lock()
	defer t.sending.Unlock()

	req.ID = t.nextID()
	call.ID = req.ID

	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	// Register BEFORE writing, the response may arrive before Write returns.
	t.pending.Store(req.ID, p)

	if err := t.framer.WriteFrame(t.conn, body); err != nil {
		t.pending.Delete(req.ID)
		var fe *protocol.FrameError
		if errors.As(err, &fe) {
			// An oversized request is refused before any byte hits the wire,
			// the connection stays usable.
			return nil, &TransportError{Op: "write", Err: err}
		}
		t.fail(err)
		return nil, &TransportError{Op: "write", Err: err}
	}

	// The connection may have died between Store and here; fail() drains the table,
	// but a call stored after the drain would otherwise wait forever.
	if t.closed.Load() {
		if p, ok := t.pending.LoadAndDelete(req.ID); ok {
			p.(*pendingCall).call.complete(&message.Result{ID: req.ID, Err: t.closeErr()})
		}
	}
	return call, nil
}

// recvLoop runs in a dedicated goroutine, continuously reading responses.
// Reads must be sequential to parse frame boundaries, so there is exactly one reader.
func (t *ClientTransport) recvLoop() {
	for {
		body, err := t.framer.ReadFrame(t.conn)
		if err != nil {
			var fe *protocol.FrameError
			if errors.As(err, &fe) {
				t.log.WithError(err).Error("framing error, closing connection")
			}
			t.fail(err)
			return
		}
		t.log.WithField("frame", string(body)).Debug("client recv")
		t.dispatch(body)
	}
}

func (t *ClientTransport) dispatch(body []byte) {
	var resp message.Response
	if err := t.codec.Decode(body, &resp); err != nil {
		t.log.WithError(err).Warn("discarding undecodable response")
		return
	}

	v, ok := t.pending.LoadAndDelete(resp.ID)
	if !ok {
		t.log.WithField("id", resp.ID).Warn("discarding response with no pending call")
		return
	}
	p := v.(*pendingCall)

	res := &message.Result{
		ID:      resp.ID,
		Code:    resp.Code,
		Message: resp.Message,
	}
	if !resp.Failed() && p.reply != nil && !codec.IsNull(resp.Body) {
		if err := t.codec.Decode(resp.Body, p.reply); err != nil {
			res.Err = fmt.Errorf("decode body of %s: %w", p.call.Method, err)
		} else {
			res.Body = p.reply
		}
	}
	p.call.complete(res)
}

// fail closes the connection and completes every pending call with the cause.
func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
		t.closed.Store(true)
		t.conn.Close()
		t.done.SetDone()
	})

	t.pending.Range(func(key, value any) bool {
		if v, ok := t.pending.LoadAndDelete(key); ok {
			p := v.(*pendingCall)
			p.call.complete(&message.Result{ID: p.call.ID, Err: t.err})
		}
		return true
	})
}

func (t *ClientTransport) closeErr() error {
	<-t.done
	return t.err
}

// Close closes the connection. Calls still pending complete with ErrConnectionClosed.
func (t *ClientTransport) Close() error {
	t.fail(errors.New("closed by client"))
	return nil
}

// Closed reports whether the connection is no longer usable.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Done is signaled once the connection is closed.
func (t *ClientTransport) Done() syncx.DoneChanR {
	return t.done.R()
}

// Pending returns the number of calls awaiting a response.
func (t *ClientTransport) Pending() int {
	n := 0
	t.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Package server implements the RPC server: a dispatch table built from the registry at
// startup, a middleware chain around the business handler, a fixed worker pool and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → reading (one goroutine per conn reads frames)
//	  → jobs queue → worker pool (fixed size)
//	    → Codec.Decode → Middleware Chain → businessHandler (resolve, coerce, invoke) → Codec.Encode
//	  → conn out queue → writing (one goroutine per conn writes frames)
//
// Workers finish in any order, so responses on one connection may leave out of receipt
// order. Clients match them by ID.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/someonegg/gox/syncx"

	"wheels-rpc/codec"
	"wheels-rpc/message"
	"wheels-rpc/middleware"
	"wheels-rpc/protocol"
	"wheels-rpc/registry"
)

var (
	ErrServerNotStarted = errors.New("server: not started")
	ErrServerClosed     = errors.New("server: closed")
)

const responseTooLargeMessage = "response too large"

type Config struct {
	Host              string
	Port              int
	MaxFrameLength    int
	LengthFieldLength int
	Workers           int // size of the worker pool
	QueueSize         int // capacity of the job queue and of each connection's write queue
}

func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              8080,
		MaxFrameLength:    protocol.DefaultMaxFrameLength,
		LengthFieldLength: protocol.DefaultLengthFieldLength,
		Workers:           4,
		QueueSize:         64,
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) framer() protocol.Framer {
	return protocol.Framer{LengthFieldLength: c.LengthFieldLength, MaxFrameLength: c.MaxFrameLength}
}

type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

type state int

const (
	stateNew state = iota
	stateInited
	stateStarted
	stateStopped
)

// Server serves the methods of a registry.
type Server struct {
	cfg    Config
	reg    registry.Registry
	log    logrus.FieldLogger
	codec  codec.Codec
	framer protocol.Framer

	table       *DispatchTable
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu       sync.Mutex
	state    state
	listener net.Listener
	conns    map[*conn]struct{}

	ctx      context.Context // handed to handlers, cancelled when Stop gives up waiting
	cancel   context.CancelFunc
	jobs     chan job
	done     syncx.DoneChan
	workers  sync.WaitGroup
	readers  sync.WaitGroup
	inflight sync.WaitGroup // requests read and not yet queued for writing
	shutdown atomic.Bool    // set before the listener is closed so Accept errors are expected
}

type job struct {
	c    *conn
	body []byte
}

func New(cfg Config, reg registry.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		reg:   reg,
		log:   logrus.StandardLogger(),
		conns: make(map[*conn]struct{}),
		done:  syncx.NewDoneChan(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "server")
	if s.codec == nil {
		s.codec = codec.NewJSONCodec(s.log)
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Init validates the configuration and builds the dispatch table. It is called by
// Start when needed and does nothing the second time.
func (s *Server) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init()
}

func (s *Server) init() error {
	if s.state != stateNew {
		return nil
	}
	s.framer = s.cfg.framer()
	if err := s.framer.Validate(); err != nil {
		return err
	}
	if s.cfg.Workers < 1 {
		return fmt.Errorf("server: invalid worker pool size %d", s.cfg.Workers)
	}
	if s.cfg.QueueSize < 1 {
		return fmt.Errorf("server: invalid queue size %d", s.cfg.QueueSize)
	}

	var regs []registry.Registration
	if s.reg != nil {
		regs = s.reg.Registrations()
	}
	s.table = NewDispatchTable(regs, s.log)
	for _, id := range s.table.Methods() {
		s.log.WithField("method", id).Info("registered method")
	}
	s.state = stateInited
	return nil
}

// Start listens on the configured address and serves in the background.
// It returns the bound address, so Port 0 picks a free port.
func (s *Server) Start() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.init(); err != nil {
		return nil, err
	}
	switch s.state {
	case stateStarted:
		return s.listener.Addr(), nil
	case stateStopped:
		return nil, ErrServerClosed
	}

	l, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, err
	}
	s.start(l)

	go func() {
		if err := s.accept(l); err != nil && !errors.Is(err, ErrServerClosed) {
			s.log.WithError(err).Error("accept loop exited")
		}
	}()
	s.log.WithField("addr", l.Addr().String()).Info("server started")
	return l.Addr(), nil
}

// Serve accepts connections on l until Stop is called, then returns ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if err := s.init(); err != nil {
		s.mu.Unlock()
		return err
	}
	switch s.state {
	case stateStarted:
		s.mu.Unlock()
		return fmt.Errorf("server: already serving")
	case stateStopped:
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.start(l)
	s.mu.Unlock()

	s.log.WithField("addr", l.Addr().String()).Info("server started")
	return s.accept(l)
}

// start must be called with mu held.
func (s *Server) start(l net.Listener) {
	s.listener = l
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// Recover twice: middlewares such as Timeout run the handler on another goroutine.
	business := middleware.Recover(s.log)(s.businessHandler)
	s.handler = middleware.Recover(s.log)(middleware.Chain(s.middlewares...)(business))
	s.jobs = make(chan job, s.cfg.QueueSize)
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	s.state = stateStarted
}

func (s *Server) accept(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}

		c := newConn(s, nc)
		s.mu.Lock()
		if s.state != stateStarted {
			s.mu.Unlock()
			nc.Close()
			return ErrServerClosed
		}
		s.conns[c] = struct{}{}
		s.readers.Add(1)
		s.mu.Unlock()

		c.serve()
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) worker() {
	defer s.workers.Done()
	for {
		select {
		case j := <-s.jobs:
			s.process(j)
		case <-s.done:
			return
		}
	}
}

func (s *Server) process(j job) {
	defer s.inflight.Done()
	if frame := s.handle(j.c.log, j.body); frame != nil {
		j.c.output(frame)
	}
}

// handle turns one request frame into one response frame. It never fails: every
// problem becomes a failure Response.
func (s *Server) handle(log logrus.FieldLogger, body []byte) []byte {
	var (
		req  message.Request
		resp *message.Response
	)
	if err := s.codec.Decode(body, &req); err != nil {
		log.WithError(err).Warn("undecodable request")
		req = message.Request{}
		resp = message.NewFailedResponse(message.CodeFailure, err.Error())
	} else {
		resp = s.handler(s.ctx, &req)
		if resp == nil {
			resp = message.NewFailedResponse(message.CodeFailure, "no response")
		}
	}
	resp.ID = req.ID

	out, err := s.codec.Encode(resp)
	switch {
	case err != nil:
		log.WithError(err).Error("failed to encode response")
		out, _ = s.codec.Encode(&message.Response{ID: req.ID, Code: message.CodeFailure, Message: err.Error()})
	case !s.framer.Fits(len(out)):
		log.WithFields(logrus.Fields{"method": req.Method, "id": req.ID, "size": len(out)}).
			Warn("response exceeds max frame length")
		out, _ = s.codec.Encode(&message.Response{ID: req.ID, Code: message.CodeFailure, Message: responseTooLargeMessage})
	}
	return out
}

// businessHandler is the core handler that dispatches requests to the dispatch table.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	entry, ok := s.table.Resolve(req.Method)
	if !ok {
		return message.NewFailedResponse(message.CodeFailure, message.MethodNotFoundMessage)
	}

	result, err := entry.Call(ctx, s.codec, req.Parameters)
	if err != nil {
		return message.NewFailedResponse(message.CodeFailure, err.Error())
	}
	// A nil result travels as an absent body and reads back as nil.
	if codec.IsNil(result) {
		return message.NewSuccessResponse(nil)
	}

	body, err := s.codec.Encode(result)
	if err != nil {
		return message.NewFailedResponse(message.CodeFailure, err.Error())
	}
	return message.NewSuccessResponse(body)
}

// Stop performs graceful shutdown:
//  1. Close the listener and stop reading further requests
//  2. Wait for requests already read to be answered (with timeout)
//  3. Flush queued responses, close every connection and stop the workers
//
// Calling Stop twice is harmless.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	switch s.state {
	case stateNew, stateInited:
		s.mu.Unlock()
		return ErrServerNotStarted
	case stateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	s.shutdown.Store(true)
	s.listener.Close()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
		c.stopReading()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		s.readers.Wait()
		s.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		for _, c := range conns {
			c.flush(ctx)
		}
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.done.SetDone()
	s.cancel()
	for _, c := range conns {
		c.close(ErrServerClosed)
	}
	if err == nil {
		s.workers.Wait()
	}
	s.log.Info("server stopped")
	return err
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Methods lists the identifiers the server dispatches, nil before Init.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return nil
	}
	return s.table.Methods()
}

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/someonegg/gox/syncx"

	"wheels-rpc/protocol"
)

var errWriteQueueFull = errors.New("server: write queue full")

// conn is one accepted connection: a reading loop feeding the worker pool and a
// writing loop draining the out queue. Reads must be sequential to parse frame
// boundaries and so must writes, so each side has exactly one goroutine.
type conn struct {
	srv *Server
	nc  net.Conn
	log logrus.FieldLogger

	out   chan []byte
	drain chan struct{} // closed by Stop once no more responses will be queued
	wD    syncx.DoneChan
	done  syncx.DoneChan

	closeOnce sync.Once
	drainOnce sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		srv:   s,
		nc:    nc,
		log:   s.log.WithField("remote", nc.RemoteAddr().String()),
		out:   make(chan []byte, s.cfg.QueueSize),
		drain: make(chan struct{}),
		wD:    syncx.NewDoneChan(),
		done:  syncx.NewDoneChan(),
	}
}

func (c *conn) serve() {
	c.log.Debug("connection accepted")
	go c.reading()
	go c.writing()
}

func (c *conn) reading() {
	defer c.srv.readers.Done()
	for {
		body, err := c.srv.framer.ReadFrame(c.nc)
		if err != nil {
			var fe *protocol.FrameError
			switch {
			case errors.As(err, &fe):
				c.log.WithError(err).Error("framing error, closing connection")
				c.close(err)
			case c.srv.shutdown.Load():
				// Stop flushes and closes the connection.
			default:
				if !errors.Is(err, io.EOF) {
					c.log.WithError(err).Debug("read failed")
				}
				c.close(err)
			}
			return
		}

		c.srv.inflight.Add(1)
		select {
		case c.srv.jobs <- job{c: c, body: body}:
		case <-c.srv.done:
			c.srv.inflight.Done()
			return
		}
	}
}

func (c *conn) writing() {
	defer c.wD.SetDone()
	for {
		select {
		case frame := <-c.out:
			if !c.write(frame) {
				return
			}
		case <-c.drain:
			for {
				select {
				case frame := <-c.out:
					if !c.write(frame) {
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) write(frame []byte) bool {
	if err := c.srv.framer.WriteFrame(c.nc, frame); err != nil {
		c.log.WithError(err).Debug("write failed, closing connection")
		c.close(err)
		return false
	}
	return true
}

// output queues a response frame without blocking the worker. It is dropped if the
// connection is gone. A peer that stops reading until its queue is full gets closed.
func (c *conn) output(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- frame:
	default:
		c.log.WithField("queued", len(c.out)).Warn("write queue full, closing connection")
		c.close(errWriteQueueFull)
	}
}

func (c *conn) stopReading() {
	c.nc.SetReadDeadline(time.Now())
}

// flush waits for the writer to send everything already queued.
func (c *conn) flush(ctx context.Context) {
	c.drainOnce.Do(func() { close(c.drain) })
	select {
	case <-c.wD:
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.done.SetDone()
		c.nc.Close()
		c.srv.removeConn(c)
		c.log.WithField("cause", cause).Debug("connection closed")
	})
}

// Package proxy accepts client connections, runs their requests through the
// route translator and owns the lifecycle of every route.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pior/cacheproxy/internal/wire"
)

// ErrRequestTooLarge closes a connection whose pending request does not fit
// in the largest allowed read buffer.
var ErrRequestTooLarge = errors.New("request exceeds the maximum request size")

// Handler executes decoded requests. *translate.Translator implements it.
type Handler interface {
	Execute(ctx context.Context, req *wire.Request) *wire.Response
}

// Events receives session lifecycle and request events.
type Events interface {
	ConnectionOpened()
	ConnectionClosed()
	RequestDone(cmd wire.Command, resp *wire.Response, d time.Duration)
}

type nopEvents struct{}

func (nopEvents) ConnectionOpened()                                       {}
func (nopEvents) ConnectionClosed()                                       {}
func (nopEvents) RequestDone(wire.Command, *wire.Response, time.Duration) {}

// SessionConfig is shared by every session of a route.
type SessionConfig struct {
	Route string

	// NewCodec returns a codec for one connection.
	NewCodec func() wire.Codec
	Handler  Handler
	Events   Events

	// BufferSize is the initial read buffer and the write buffer size.
	BufferSize int
	// MaxRequestBytes caps the read buffer.
	MaxRequestBytes int
	// MaxInflight bounds the requests executing or waiting to be written.
	MaxInflight int

	Logger *slog.Logger
}

type pending struct {
	req     *wire.Request
	started time.Time
	done    chan *wire.Response
}

// Session serves one client connection.
//
// The reader decodes requests and executes each one in its own goroutine.
// The writer sends the responses in arrival order and flushes whenever no
// response is ready to go.
type Session struct {
	conn   net.Conn
	cfg    *SessionConfig
	codec  wire.Codec
	w      *bufio.Writer
	logger *slog.Logger

	inflight *semaphore.Weighted

	mu    sync.Mutex
	queue *deque.Deque[*pending]

	wake       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
}

func NewSession(conn net.Conn, cfg *SessionConfig) *Session {
	id := uuid.NewString()
	return &Session{
		conn:       conn,
		cfg:        cfg,
		codec:      cfg.NewCodec(),
		w:          bufio.NewWriterSize(conn, cfg.BufferSize),
		logger:     cfg.Logger.With("session", id, "remote", conn.RemoteAddr().String()),
		inflight:   semaphore.NewWeighted(int64(cfg.MaxInflight)),
		queue:      deque.NewDeque[*pending](),
		wake:       make(chan struct{}, 1),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Close closes the connection, which ends Serve.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Serve runs the session until the client leaves, quits or the connection
// fails. It closes the connection before returning.
func (s *Session) Serve(ctx context.Context) {
	s.cfg.Events.ConnectionOpened()
	defer s.cfg.Events.ConnectionClosed()
	defer s.conn.Close()

	s.logger.Debug("session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeErr error
	go func() {
		defer close(s.writerDone)
		writeErr = s.writeLoop()
		// Unblocks the reader.
		cancel()
		s.conn.Close()
	}()

	readErr := s.readLoop(ctx)
	close(s.readerDone)
	<-s.writerDone

	s.logClose(readErr, writeErr)
}

func (s *Session) logClose(readErr, writeErr error) {
	var framing *wire.FramingError
	switch {
	case errors.As(readErr, &framing), errors.Is(readErr, ErrRequestTooLarge):
		s.logger.Warn("closing session", "error", readErr)
	case writeErr != nil && !isClosedConn(writeErr):
		s.logger.Debug("session write failed", "error", writeErr)
	case readErr != nil && !isClosedConn(readErr):
		s.logger.Debug("session read failed", "error", readErr)
	default:
		s.logger.Debug("session closed")
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, errQuit)
}

var errQuit = errors.New("client quit")

// readLoop reads and dispatches requests. The buffer grows by doubling up
// to MaxRequestBytes while a request is incomplete.
func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, s.cfg.BufferSize)
	start, end := 0, 0

	// Execution must not be cancelled with the client, only bounded by the
	// backend deadline.
	execCtx := context.WithoutCancel(ctx)

	for {
		for start < end {
			req, n, err := s.codec.Decode(buf[start:end])
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			start += n

			if err := s.dispatch(ctx, execCtx, req); err != nil {
				return err
			}
			if req.Command == wire.CmdQuit {
				return errQuit
			}
		}

		switch {
		case start == end:
			start, end = 0, 0
		case end == len(buf) && start > 0:
			end = copy(buf, buf[start:end])
			start = 0
		case end == len(buf):
			if len(buf) >= s.cfg.MaxRequestBytes {
				return ErrRequestTooLarge
			}
			grown := make([]byte, min(2*len(buf), s.cfg.MaxRequestBytes))
			copy(grown, buf[:end])
			buf = grown
		}

		n, err := s.conn.Read(buf[end:])
		end += n
		if err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(ctx, execCtx context.Context, req *wire.Request) error {
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return err
	}

	p := &pending{req: req, started: time.Now(), done: make(chan *wire.Response, 1)}

	s.mu.Lock()
	s.queue.PushBack(p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	go func() {
		p.done <- s.cfg.Handler.Execute(execCtx, req)
	}()
	return nil
}

func (s *Session) next() *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	return s.queue.PopFront()
}

func (s *Session) writeLoop() error {
	for {
		p := s.next()
		if p == nil {
			if err := s.w.Flush(); err != nil {
				return err
			}
			select {
			case <-s.wake:
			case <-s.readerDone:
				if p = s.next(); p == nil {
					return nil
				}
			}
			if p == nil {
				continue
			}
		}

		resp := <-p.done
		s.cfg.Events.RequestDone(p.req.Command, resp, time.Since(p.started))

		err := s.codec.Encode(s.w, p.req, resp)
		s.inflight.Release(1)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p.req.Command, err)
		}

		if resp.Kind == wire.KindClose {
			if err := s.w.Flush(); err != nil {
				return err
			}
			return errQuit
		}
	}
}

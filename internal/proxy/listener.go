package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ListenerConfig configures one route listener.
type ListenerConfig struct {
	Addr string

	// TLS serves TLS when set.
	TLS *tls.Config

	// MaxConnections rejects connections beyond this count. Zero means no
	// limit.
	MaxConnections int

	Session *SessionConfig
	Logger  *slog.Logger
}

// Listener accepts the connections of one route.
type Listener struct {
	cfg    ListenerConfig
	ln     net.Listener
	logger *slog.Logger
	conns  *semaphore.Weighted

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Listen binds the route address.
func Listen(cfg ListenerConfig) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	if cfg.TLS != nil {
		ln = tls.NewListener(ln, cfg.TLS)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Events == nil {
		cfg.Session.Events = nopEvents{}
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}

	l := &Listener{
		cfg:      cfg,
		ln:       ln,
		logger:   cfg.Logger,
		sessions: map[*Session]struct{}{},
	}
	if cfg.MaxConnections > 0 {
		l.conns = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until Shutdown. Accept errors are retried with
// a backoff capped at one second.
func (l *Listener) Serve(ctx context.Context) error {
	l.logger.Info("listening", "addr", l.ln.Addr().String(), "tls", l.cfg.TLS != nil)

	backoff := time.Duration(0)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.isClosed() {
				return nil
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			l.logger.Error("accept failed", "error", err, "retry_in", backoff)

			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		if l.conns != nil && !l.conns.TryAcquire(1) {
			l.logger.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		session := NewSession(conn, l.cfg.Session)
		if !l.track(session) {
			conn.Close()
			l.release()
			return nil
		}

		go func() {
			defer l.untrack(session)
			defer l.release()
			session.Serve(ctx)
		}()
	}
}

func (l *Listener) release() {
	if l.conns != nil {
		l.conns.Release(1)
	}
}

func (l *Listener) track(s *Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.sessions[s] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s)
	l.mu.Unlock()
	l.wg.Done()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Sessions returns the number of open sessions.
func (l *Listener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Shutdown stops accepting, waits for sessions to end until ctx is done,
// then closes the remaining ones.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
	}

	l.mu.Lock()
	remaining := len(l.sessions)
	for s := range l.sessions {
		s.Close()
	}
	l.mu.Unlock()

	l.logger.Info("closed sessions after drain timeout", "sessions", remaining)
	<-done
	return err
}

// Package memcached is the backend kind that stores data in memcached
// servers through the meta protocol.
//
// Namespaces are key prefixes: key k of namespace ns is stored as "ns:k".
// Keys memcached cannot carry verbatim are sent base64-encoded.
package memcached

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pior/cacheproxy/internal/backend"
	"github.com/pior/cacheproxy/internal/meta"
)

// DialerConfig configures sessions to memcached servers.
type DialerConfig struct {
	// DialTimeout bounds connection establishment when the context has no
	// earlier deadline.
	DialTimeout time.Duration

	// TLS enables TLS to the server when set.
	TLS *tls.Config

	// BufferSize sizes the session read and write buffers.
	BufferSize int
}

// NewDialer returns a backend.Dialer opening meta protocol sessions.
func NewDialer(cfg DialerConfig) backend.Dialer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16 * 1024
	}
	netDialer := &net.Dialer{Timeout: cfg.DialTimeout}

	return backend.DialFunc(func(ctx context.Context, endpoint string) (backend.Conn, error) {
		var (
			conn net.Conn
			err  error
		)
		if cfg.TLS != nil {
			conn, err = (&tls.Dialer{NetDialer: netDialer, Config: cfg.TLS}).DialContext(ctx, "tcp", endpoint)
		} else {
			conn, err = netDialer.DialContext(ctx, "tcp", endpoint)
		}
		if err != nil {
			return nil, backend.NewError(backend.KindOf(err), "dial", endpoint, err)
		}
		return NewSession(conn, endpoint, cfg.BufferSize), nil
	})
}

// Session is one meta protocol connection. It is not safe for concurrent use.
type Session struct {
	conn     net.Conn
	endpoint string
	reader   *bufio.Reader
	writer   *bufio.Writer
}

var _ backend.Conn = (*Session)(nil)

func NewSession(conn net.Conn, endpoint string, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &Session{
		conn:     conn,
		endpoint: endpoint,
		reader:   bufio.NewReaderSize(conn, bufferSize),
		writer:   bufio.NewWriterSize(conn, bufferSize),
	}
}

func (s *Session) Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error) {
	req, err := s.newRequest("get", meta.CmdGet, namespace, key, nil)
	if err != nil {
		return nil, false, err
	}
	req.AddReturnValue()

	resp, err := s.roundTrip(ctx, "get", req)
	if err != nil {
		return nil, false, err
	}

	switch {
	case resp.IsMiss():
		return nil, false, nil
	case resp.Status == meta.StatusVA:
		return resp.Data, true, nil
	}
	return nil, false, s.unexpected("get", resp)
}

func (s *Session) Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error {
	req, err := s.newRequest("set", meta.CmdSet, namespace, key, value)
	if err != nil {
		return err
	}
	req.AddTTLDuration(ttl)

	resp, err := s.roundTrip(ctx, "set", req)
	if err != nil {
		return err
	}

	if resp.Status == meta.StatusHD {
		return nil
	}
	return s.unexpected("set", resp)
}

func (s *Session) Delete(ctx context.Context, namespace string, key []byte) (bool, error) {
	req, err := s.newRequest("delete", meta.CmdDelete, namespace, key, nil)
	if err != nil {
		return false, err
	}

	resp, err := s.roundTrip(ctx, "delete", req)
	if err != nil {
		return false, err
	}

	switch resp.Status {
	case meta.StatusHD:
		return true, nil
	case meta.StatusNF:
		return false, nil
	}
	return false, s.unexpected("delete", resp)
}

// Ping sends a no-op and expects MN.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.roundTrip(ctx, "ping", meta.NewRequest(meta.CmdNoOp, "", nil))
	if err != nil {
		return err
	}
	if resp.Status != meta.StatusMN {
		return s.unexpected("ping", resp)
	}
	return nil
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) newRequest(op string, cmd meta.CmdType, namespace string, key, data []byte) (*meta.Request, error) {
	full, base64Key, err := encodeKey(namespace, key)
	if err != nil {
		return nil, &backend.Error{Kind: backend.KindInvalidKey, Op: op, Endpoint: s.endpoint, Err: err}
	}

	req := meta.NewRequest(cmd, full, data)
	if base64Key {
		req.AddBase64Key()
	}
	return req, nil
}

func (s *Session) roundTrip(ctx context.Context, op string, req *meta.Request) (*meta.Response, error) {
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, s.transportError(op, err)
	}

	if err := meta.WriteRequest(s.writer, req); err != nil {
		return nil, s.transportError(op, err)
	}
	if err := s.writer.Flush(); err != nil {
		return nil, s.transportError(op, err)
	}

	resp, err := meta.ReadResponse(s.reader)
	if err != nil {
		return nil, s.transportError(op, err)
	}
	if resp.HasError() {
		return nil, s.protocolError(op, resp.Error)
	}
	return resp, nil
}

func (s *Session) transportError(op string, err error) error {
	var invalid *meta.InvalidKeyError
	if errors.As(err, &invalid) {
		return &backend.Error{Kind: backend.KindInvalidKey, Op: op, Endpoint: s.endpoint, Err: err}
	}
	kind := backend.KindTransport
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		kind = backend.KindTimeout
	}
	return &backend.Error{Kind: kind, Op: op, Endpoint: s.endpoint, Err: err}
}

// protocolError maps memcached error lines. SERVER_ERROR messages follow
// memcached's wording.
func (s *Session) protocolError(op string, err error) error {
	kind := backend.KindInternal

	var serverErr *meta.ServerError
	if errors.As(err, &serverErr) {
		msg := strings.ToLower(serverErr.Message)
		switch {
		case strings.Contains(msg, "too large"):
			kind = backend.KindTooLarge
		case strings.Contains(msg, "out of memory"):
			kind = backend.KindResourceExhausted
		case strings.Contains(msg, "busy"), strings.Contains(msg, "temporary failure"):
			kind = backend.KindRateLimited
		}
	}
	return &backend.Error{Kind: kind, Op: op, Endpoint: s.endpoint, Err: err}
}

func (s *Session) unexpected(op string, resp *meta.Response) error {
	return &backend.Error{
		Kind:     backend.KindInternal,
		Op:       op,
		Endpoint: s.endpoint,
		Err:      &meta.ParseError{Message: fmt.Sprintf("unexpected status %q", resp.Status)},
	}
}

// encodeKey builds the namespaced key and reports whether it must be sent
// base64-encoded.
func encodeKey(namespace string, key []byte) (string, bool, error) {
	full := namespace + ":" + string(key)
	if len(full) > meta.MaxKeyLength {
		return "", false, fmt.Errorf("namespaced key of %d bytes exceeds %d", len(full), meta.MaxKeyLength)
	}

	for i := 0; i < len(full); i++ {
		if c := full[i]; c <= ' ' || c >= 0x7f {
			return base64.StdEncoding.EncodeToString([]byte(full)), true, nil
		}
	}
	return full, false, nil
}

package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/cacheproxy/internal/wire"
	"github.com/pior/cacheproxy/internal/wire/memcache"
)

// mapHandler stores values in memory and delays keys prefixed with "slow".
type mapHandler struct {
	mu      sync.Mutex
	items   map[string][]byte
	running atomic.Int32
	peak    atomic.Int32
}

func newMapHandler() *mapHandler {
	return &mapHandler{items: map[string][]byte{}}
}

func (h *mapHandler) Execute(ctx context.Context, req *wire.Request) *wire.Response {
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		peak := h.peak.Load()
		if n <= peak || h.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	switch req.Command {
	case wire.CmdSet:
		h.mu.Lock()
		h.items[string(req.Key)] = req.Value
		h.mu.Unlock()
		return wire.Stored()
	case wire.CmdGet:
		var values []wire.Value
		for _, k := range req.AllKeys() {
			if strings.HasPrefix(string(k), "slow") {
				time.Sleep(50 * time.Millisecond)
			}
			h.mu.Lock()
			v, ok := h.items[string(k)]
			h.mu.Unlock()
			values = append(values, wire.Value{Key: k, Data: v, Found: ok})
		}
		return &wire.Response{Kind: wire.KindValues, Values: values}
	case wire.CmdQuit:
		return wire.Close()
	case wire.CmdInvalid:
		return &wire.Response{Kind: wire.KindError, Err: req.Invalid}
	}
	return wire.Errorf(wire.CodeUnknownCommand, "unknown")
}

type countingEvents struct {
	opened, closed, requests atomic.Int32
}

func (e *countingEvents) ConnectionOpened() { e.opened.Add(1) }
func (e *countingEvents) ConnectionClosed() { e.closed.Add(1) }
func (e *countingEvents) RequestDone(wire.Command, *wire.Response, time.Duration) {
	e.requests.Add(1)
}

func testSessionConfig(h Handler) *SessionConfig {
	return &SessionConfig{
		Route:           "test",
		NewCodec:        func() wire.Codec { return memcache.NewCodec(0) },
		Handler:         h,
		BufferSize:      4096,
		MaxRequestBytes: 1 << 20,
		MaxInflight:     16,
	}
}

func startListener(t *testing.T, cfg ListenerConfig) *Listener {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	l, err := Listen(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		l.Shutdown(ctx)
		require.NoError(t, <-done)
	})
	return l
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr net.Addr) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(s string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, s)
	require.NoError(c.t, err)
}

func (c *client) expect(lines ...string) {
	c.t.Helper()
	for _, want := range lines {
		got, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		require.Equal(c.t, want+"\r\n", got)
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	_, err := c.r.ReadByte()
	require.Error(c.t, err)
}

func TestSessionSetGet(t *testing.T) {
	events := &countingEvents{}
	cfg := testSessionConfig(newMapHandler())
	cfg.Events = events
	l := startListener(t, ListenerConfig{Session: cfg})

	c := dial(t, l.Addr())
	c.send("set k 0 0 5\r\nhello\r\n")
	c.expect("STORED")
	c.send("get k missing\r\n")
	c.expect("VALUE k 0 5", "hello", "END")

	c.send("quit\r\n")
	c.expectClosed()

	require.Eventually(t, func() bool { return events.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), events.opened.Load())
	require.Equal(t, int32(3), events.requests.Load())
}

func TestSessionPipelineKeepsOrder(t *testing.T) {
	h := newMapHandler()
	h.items["slow"] = []byte("1")
	h.items["fast"] = []byte("2")
	l := startListener(t, ListenerConfig{Session: testSessionConfig(h)})

	c := dial(t, l.Addr())
	c.send("get slow\r\nget fast\r\nget slow\r\nget fast\r\n")
	for range 2 {
		c.expect("VALUE slow 0 1", "1", "END")
		c.expect("VALUE fast 0 1", "2", "END")
	}
	require.Greater(t, h.peak.Load(), int32(1), "requests run concurrently")
}

func TestSessionMaxInflight(t *testing.T) {
	h := newMapHandler()
	h.items["slow1"] = []byte("a")
	cfg := testSessionConfig(h)
	cfg.MaxInflight = 1
	l := startListener(t, ListenerConfig{Session: cfg})

	c := dial(t, l.Addr())
	c.send(strings.Repeat("get slow1\r\n", 4))
	for range 4 {
		c.expect("VALUE slow1 0 1", "a", "END")
	}
	require.Equal(t, int32(1), h.peak.Load())
}

func TestSessionQuitAfterPendingResponses(t *testing.T) {
	h := newMapHandler()
	h.items["slow"] = []byte("x")
	l := startListener(t, ListenerConfig{Session: testSessionConfig(h)})

	c := dial(t, l.Addr())
	c.send("get slow\r\nquit\r\nget slow\r\n")
	c.expect("VALUE slow 0 1", "x", "END")
	c.expectClosed()
}

func TestSessionBufferGrows(t *testing.T) {
	l := startListener(t, ListenerConfig{Session: testSessionConfig(newMapHandler())})

	value := strings.Repeat("v", 50_000)
	c := dial(t, l.Addr())
	c.send("set big 0 0 50000\r\n" + value + "\r\nget big\r\n")
	c.expect("STORED", "VALUE big 0 50000", value, "END")
}

func TestSessionRequestTooLarge(t *testing.T) {
	cfg := testSessionConfig(newMapHandler())
	cfg.MaxRequestBytes = 8192
	l := startListener(t, ListenerConfig{Session: cfg})

	c := dial(t, l.Addr())
	go io.WriteString(c.conn, "set big 0 0 20000\r\n"+strings.Repeat("v", 20_000)+"\r\n")
	c.expectClosed()
}

func TestSessionFramingErrorCloses(t *testing.T) {
	l := startListener(t, ListenerConfig{Session: testSessionConfig(newMapHandler())})

	c := dial(t, l.Addr())
	c.send("set k 0 0 1\r\nv\r\n")
	c.expect("STORED")
	c.send(strings.Repeat("a", 3000))
	c.expectClosed()
}

func TestSessionInvalidRequestKeepsConnection(t *testing.T) {
	l := startListener(t, ListenerConfig{Session: testSessionConfig(newMapHandler())})

	c := dial(t, l.Addr())
	c.send("bogus\r\nset k 0 0 1\r\nv\r\n")
	c.expect("ERROR", "STORED")
}

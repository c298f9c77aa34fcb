package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenBindFailure(t *testing.T) {
	l := startListener(t, ListenerConfig{Session: testSessionConfig(newMapHandler())})

	_, err := Listen(ListenerConfig{Addr: l.Addr().String(), Session: testSessionConfig(newMapHandler())})
	require.ErrorContains(t, err, "listen "+l.Addr().String())
}

func TestListenerConnectionLimit(t *testing.T) {
	l := startListener(t, ListenerConfig{MaxConnections: 1, Session: testSessionConfig(newMapHandler())})

	first := dial(t, l.Addr())
	first.send("set k 0 0 1\r\nv\r\n")
	first.expect("STORED")

	second := dial(t, l.Addr())
	second.expectClosed()

	first.send("quit\r\n")
	first.expectClosed()

	require.Eventually(t, func() bool { return l.Sessions() == 0 }, time.Second, 5*time.Millisecond)

	third := dial(t, l.Addr())
	third.send("get k\r\n")
	third.expect("VALUE k 0 1", "v", "END")
}

func TestListenerShutdownClosesIdleSessions(t *testing.T) {
	l, err := Listen(ListenerConfig{Addr: "127.0.0.1:0", Session: testSessionConfig(newMapHandler())})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- l.Serve(context.Background()) }()

	c := dial(t, l.Addr())
	c.send("set k 0 0 1\r\nv\r\n")
	c.expect("STORED")
	require.Equal(t, 1, l.Sessions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Shutdown(ctx))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.NoError(t, <-served)

	c.expectClosed()
	require.Equal(t, 0, l.Sessions())
}

func TestListenerShutdownWithoutSessions(t *testing.T) {
	l, err := Listen(ListenerConfig{Addr: "127.0.0.1:0", Session: testSessionConfig(newMapHandler())})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- l.Serve(context.Background()) }()

	require.NoError(t, l.Shutdown(context.Background()))
	require.NoError(t, <-served)
}

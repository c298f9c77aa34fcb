package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHealthz(t *testing.T) {
	var healthErr error
	h := Handler(Options{Health: func() error { return healthErr }})

	code, body := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok\n", body)

	healthErr = errors.New("no route listening")
	code, body = get(t, h, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "no route listening\n", body)
}

func TestVars(t *testing.T) {
	h := Handler(Options{Vars: func() any {
		return map[string]any{"routes": []string{"main"}}
	}})

	code, body := get(t, h, "/vars")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"routes": ["main"]}`, body)
}

func TestMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "cacheproxy_up 1\n")
	})
	h := Handler(Options{Metrics: metrics})

	code, body := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cacheproxy_up 1\n", body)

	code, _ = get(t, h, "/nope")
	require.Equal(t, http.StatusNotFound, code)
}

func TestServer(t *testing.T) {
	s, err := Listen("127.0.0.1:0", Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-done)
}

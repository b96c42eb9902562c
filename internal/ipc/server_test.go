package ipc

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqd/taskqd/pkg/testutil"
)

func socketClient(path string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func TestServeAndShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskqd.sock")

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := New(path, handler, testutil.SilentLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	client := socketClient(path)
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://taskqd/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)

	// Socket file is gone after shutdown.
	_, err := client.Get("http://taskqd/health")
	assert.Error(t, err)
}

func TestServeReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskqd.sock")

	// A leftover socket from a crashed run.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.Close()

	srv := New(path, http.NotFoundHandler(), testutil.SilentLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	client := socketClient(path)
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://taskqd/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)
}

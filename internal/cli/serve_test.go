package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/ops"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeCommand(t *testing.T) {
	addr := freeAddr(t)
	db := filepath.Join(t.TempDir(), "authority.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "--addr", addr, "--db", db})
	cmd.SetContext(ctx)
	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 20*time.Millisecond)

	client := backend.NewHTTP(base, backend.WithProducerID("phone"))
	pushed, err := client.PushOps(ctx, "roadmap", []ops.Operation{ops.BoardName{Value: "A"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pushed.ServerRevision)

	laptop := backend.NewHTTP(base, backend.WithProducerID("laptop"))
	pulled, err := laptop.PullOps(ctx, "roadmap", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pulled.ServerRevision)
	require.Len(t, pulled.Ops, 1)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	assert.Contains(t, out.String(), "Authority listening on "+addr)
}

func TestServeCommandBadStore(t *testing.T) {
	_, err := execute(t, "serve", "--driver", "redis")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "store.redis_url")
}

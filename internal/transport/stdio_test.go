package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/manager"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

func newTestServer(t *testing.T) *StdioServer {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := store.NewTaskRepository(db)
	checkpoints := store.NewCheckpointRepository(db)
	bus := eventbus.New(eventbus.DefaultConfig())
	capStore := capture.New("")

	mgr := manager.New(bus, tasks, checkpoints, capStore, manager.Defaults{
		TimeoutMs:       60_000,
		MaxOutputBuffer: 1 << 20,
		Priority:        domain.PriorityP1,
	})
	return NewStdioServer(mgr, nil, nil)
}

func serveOne(t *testing.T, s *StdioServer, reqLine string) response {
	t.Helper()
	in := bytes.NewBufferString(reqLine + "\n")
	var out bytes.Buffer
	s.r = bufio.NewScanner(in)
	s.w = &out
	require.NoError(t, s.Serve(context.Background()))

	var resp response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	return resp
}

func TestDelegateRoundTripsOverStdio(t *testing.T) {
	s := newTestServer(t)
	resp := serveOne(t, s, `{"method":"delegate","params":{"prompt":"do a thing","cwd":"/tmp"}}`)
	require.True(t, resp.OK)
	require.Nil(t, resp.Error)
}

func TestUnknownMethodReturnsWireError(t *testing.T) {
	s := newTestServer(t)
	resp := serveOne(t, s, `{"method":"bogus","params":{}}`)
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	require.Equal(t, "InvalidOperation", resp.Error.Code)
}

func TestMalformedLineReturnsWireError(t *testing.T) {
	s := newTestServer(t)
	resp := serveOne(t, s, `not json`)
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
}

func TestDelegateRejectsEmptyPrompt(t *testing.T) {
	s := newTestServer(t)
	resp := serveOne(t, s, `{"method":"delegate","params":{"prompt":"","cwd":"/tmp"}}`)
	require.False(t, resp.OK)
	require.Equal(t, "InvalidOperation", resp.Error.Code)
}

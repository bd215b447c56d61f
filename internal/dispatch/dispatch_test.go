package dispatch_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gramsey/redfoam/internal/dispatch"
	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/topicstore"
	"github.com/gramsey/redfoam/internal/wire"
)

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	total := 0
	for total < n {
		m, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += m
	}
	return buf
}

// TestDispatcher_AppendFansOutToFollower drives the real polling watcher
// (a short period, to keep the test fast) end to end: a producer-role
// store appends a record, the registry's watcher notices the data-file
// write, and the dispatcher fans the new bytes out to a follower.
func TestDispatcher_AppendFansOutToFollower(t *testing.T) {
	dir := t.TempDir()
	cfg := topicstore.Config{TopicID: 1, TopicName: "events", Folder: dir}

	prodReg := registry.New(observability.NewNoOpLogger(), 0)
	prodStore, err := prodReg.Add(cfg, topicstore.RoleProducer)
	require.NoError(t, err)

	consReg := registry.New(observability.NewNoOpLogger(), 20*time.Millisecond)
	consStore, err := consReg.Add(cfg, topicstore.RoleConsumer)
	require.NoError(t, err)

	server, client := net.Pipe()
	defer client.Close()
	_, _, err = consStore.Follow("c1", server)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consReg.Watch(ctx))
	defer consReg.Close()

	// Drain is meant to be called synchronously, once per consumer-role
	// scheduler tick (see internal/session.Server.SetDispatch), from the
	// same goroutine that steps consumer sessions. This test stands in for
	// that tick loop with its own polling goroutine; net.Pipe's Write
	// blocks until the test's main goroutine reads below, exactly as a
	// real socket write would block on a slow follower.
	d := dispatch.New(consReg, observability.NewNoOpLogger())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				d.Drain()
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()

	_, err = prodStore.Append([]byte("alphabet soup"))
	require.NoError(t, err)
	_, err = prodStore.EndRecord()
	require.NoError(t, err)

	// The watcher may observe the data-file and index-file writes in
	// either order (or coalesced into one poll); read frames until the
	// DataFeed carrying the new record has arrived.
	var gotData bool
	for i := 0; i < 4 && !gotData; i++ {
		header := readFull(t, client, wire.HeaderSize)
		h := wire.DecodeHeader(header)
		payload := readFull(t, client, h.PayloadLen())
		switch h.Type {
		case wire.DataFeed:
			require.Equal(t, "alphabet soup", string(payload))
			gotData = true
		case wire.IndexFeed:
			require.Len(t, payload, wire.IndexEntrySize)
		default:
			t.Fatalf("unexpected feed type %v", h.Type)
		}
	}
	require.True(t, gotData, "expected a DataFeed frame carrying the new record")
}

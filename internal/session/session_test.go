package session_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gramsey/redfoam/internal/frame"
	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/session"
	"github.com/gramsey/redfoam/internal/topicstore"
	"github.com/gramsey/redfoam/internal/wire"
)

func newTestRegistry(t *testing.T, role topicstore.Role) (*registry.Registry, topicstore.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := topicstore.Config{TopicID: 1, TopicName: "events", Folder: dir}
	reg := registry.New(observability.NewNoOpLogger(), 0)
	_, err := reg.Add(cfg, role)
	require.NoError(t, err)
	return reg, cfg
}

func putFrame(t *testing.T, conn net.Conn, typ wire.RecordType, seq uint8, payload []byte) {
	t.Helper()
	// Header and payload go out in one Write: a session may close the
	// connection as soon as it has read a bad header, and a second Write
	// would then fail.
	buf := make([]byte, wire.HeaderSize+len(payload))
	wire.PutHeader(buf, wire.Header{Size: wire.HeaderSize + len(payload), Seq: seq, Type: typ})
	copy(buf[wire.HeaderSize:], payload)
	_, err := conn.Write(buf)
	require.NoError(t, err)
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	total := 0
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for total < n {
		m, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += m
	}
	return buf
}

func TestProducerSession_SingleRecordRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t, topicstore.RoleProducer)
	server, client := net.Pipe()
	defer client.Close()

	sess := session.NewProducerSession("p1", server, reg, observability.NewNoOpLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		putFrame(t, client, wire.Auth, 0, []byte("events;ANON"))

		payload := append(make([]byte, 4), []byte("hello world!")...)
		wire.PutUint32(payload[:4], 1)
		putFrame(t, client, wire.Producer, 1, payload)

		ack := readFull(t, client, 9)
		require.EqualValues(t, 0, wire.Uint64(ack[1:]), "first record on a fresh topic is assigned index 0")
	}()

	for i := 0; i < 20; i++ {
		sess.Step()
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	// The producer-role store's files are write-only; read the data file
	// back directly.
	store, ok := reg.ByID(1)
	require.True(t, ok)
	data, err := os.ReadFile(store.CurrentDataFileName())
	require.NoError(t, err)
	require.Equal(t, "hello world!", string(data))
}

// TestProducerSession_RecordLargerThanBufferCapacityDoesNotStall exercises
// spec.md §9's requirement that a record bigger than the connection
// buffer's fixed capacity still completes, delivered across several Pulls,
// rather than stalling the session once recCursor reaches buffEnd.
func TestProducerSession_RecordLargerThanBufferCapacityDoesNotStall(t *testing.T) {
	reg, _ := newTestRegistry(t, topicstore.RoleProducer)
	server, client := net.Pipe()
	defer client.Close()

	sess := session.NewProducerSession("p1", server, reg, observability.NewNoOpLogger())

	record := make([]byte, 4*frame.DefaultCapacity)
	for i := range record {
		record[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		putFrame(t, client, wire.Auth, 0, []byte("events;ANON"))

		body := append(make([]byte, 4), record...)
		wire.PutUint32(body[:4], 1)
		putFrame(t, client, wire.Producer, 1, body)

		ack := readFull(t, client, 9)
		require.EqualValues(t, 0, wire.Uint64(ack[1:]), "first record on a fresh topic is assigned index 0")
	}()

	stalled := true
	deadline := time.Now().Add(5 * time.Second)
	for stalled && time.Now().Before(deadline) {
		sess.Step()
		select {
		case <-done:
			stalled = false
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	require.False(t, stalled, "producer goroutine never completed; session stalled on an oversized record")

	store, ok := reg.ByID(1)
	require.True(t, ok)
	data, err := os.ReadFile(store.CurrentDataFileName())
	require.NoError(t, err)
	require.Equal(t, record, data)
}

func TestProducerSession_SequenceViolationClosesConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, topicstore.RoleProducer)
	server, client := net.Pipe()
	defer client.Close()

	sess := session.NewProducerSession("p1", server, reg, observability.NewNoOpLogger())

	go func() {
		putFrame(t, client, wire.Auth, 0, []byte("events;ANON"))
		// Skip seq 1: the next frame should be seq 1, send seq 2 instead.
		payload := append(make([]byte, 4), []byte("x")...)
		wire.PutUint32(payload[:4], 1)
		putFrame(t, client, wire.Producer, 2, payload)
	}()

	for i := 0; i < 20; i++ {
		sess.Step()
		if sess.State() == session.StateClosed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, session.StateClosed, sess.State())

	store, ok := reg.ByID(1)
	require.True(t, ok)
	data, err := os.ReadFile(store.CurrentDataFileName())
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestConsumerSession_FollowRepliesWithSnapshotOffsets(t *testing.T) {
	prodReg, cfg := newTestRegistry(t, topicstore.RoleProducer)
	prodStore, ok := prodReg.ByID(1)
	require.True(t, ok)
	_, err := prodStore.Append([]byte("abc"))
	require.NoError(t, err)
	_, err = prodStore.EndRecord()
	require.NoError(t, err)

	consReg := registry.New(observability.NewNoOpLogger(), 0)
	_, err = consReg.Add(cfg, topicstore.RoleConsumer)
	require.NoError(t, err)

	server, client := net.Pipe()
	defer client.Close()

	sess := session.NewConsumerSession("c1", server, consReg, observability.NewNoOpLogger())

	go func() {
		putFrame(t, client, wire.Auth, 0, []byte("events;ANON"))
		payload := make([]byte, 4)
		wire.PutUint32(payload, 1)
		putFrame(t, client, wire.ConsumerFollowTopics, 1, payload)
	}()

	// net.Pipe is unbuffered: the session's reply write blocks until the
	// reply is read, so the session steps on its own goroutine.
	stepped := make(chan struct{})
	go func() {
		defer close(stepped)
		for i := 0; i < 20; i++ {
			sess.Step()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	header := readFull(t, client, wire.HeaderSize)
	h := wire.DecodeHeader(header)
	require.Equal(t, wire.ConsumerFollowTopics, h.Type)
	reply := readFull(t, client, h.PayloadLen())
	<-stepped
	require.EqualValues(t, 8, wire.Uint64(reply[0:8]))
	require.EqualValues(t, 3, wire.Uint64(reply[8:16]))
}

// TestConsumerSession_ActiveFollowIsNeverIdle guards against reaping a
// consumer whose only traffic is pushed feed frames it never reads: once a
// follow has registered, Idle must report false regardless of how long it
// has been since this session last made read progress of its own.
func TestConsumerSession_ActiveFollowIsNeverIdle(t *testing.T) {
	_, cfg := newTestRegistry(t, topicstore.RoleProducer)
	consReg := registry.New(observability.NewNoOpLogger(), 0)
	_, err := consReg.Add(cfg, topicstore.RoleConsumer)
	require.NoError(t, err)

	server, client := net.Pipe()
	defer client.Close()

	sess := session.NewConsumerSession("c1", server, consReg, observability.NewNoOpLogger())

	// Before following anything, Idle behaves like any other session: it
	// reports idle once the timeout has elapsed with no activity.
	time.Sleep(2 * time.Millisecond)
	require.True(t, sess.Idle(time.Millisecond))

	go func() {
		putFrame(t, client, wire.Auth, 0, []byte("events;ANON"))
		payload := make([]byte, 4)
		wire.PutUint32(payload, 1)
		putFrame(t, client, wire.ConsumerFollowTopics, 1, payload)
	}()

	stepped := make(chan struct{})
	go func() {
		defer close(stepped)
		for i := 0; i < 20; i++ {
			sess.Step()
			time.Sleep(5 * time.Millisecond)
		}
	}()
	readFull(t, client, wire.HeaderSize+16) // drain the follow reply
	<-stepped

	time.Sleep(10 * time.Millisecond)
	require.False(t, sess.Idle(time.Millisecond), "a session with an active follow must never be reaped as idle")
}

package topicstore_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/topicstore"
	"github.com/gramsey/redfoam/internal/wire"
)

func newProducerStore(t *testing.T, fileMask uint8) (*topicstore.Store, topicstore.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := topicstore.Config{TopicID: 1, TopicName: "events", Folder: dir, FileMask: fileMask}
	s, err := topicstore.Open(cfg, topicstore.RoleProducer, observability.NewNoOpLogger())
	require.NoError(t, err)
	return s, cfg
}

func TestStore_AppendAndEndRecord_IndexAndDataGrowConsistently(t *testing.T) {
	s, cfg := newProducerStore(t, 0)

	payloads := [][]byte{
		[]byte("hello world!"),   // 12 bytes
		[]byte("another message"), // 15 bytes
		[]byte("x"),
	}

	var wantOffsets []uint64
	var total uint64
	for _, p := range payloads {
		n, err := s.Append(p)
		require.NoError(t, err)
		require.Equal(t, len(p), n)
		_, err = s.EndRecord()
		require.NoError(t, err)
		total += uint64(len(p))
		wantOffsets = append(wantOffsets, total)
	}

	indexInfo, err := os.Stat(filepath.Join(cfg.Folder, cfg.TopicName, "i0000000000000000"))
	require.NoError(t, err)
	require.EqualValues(t, 8*len(payloads), indexInfo.Size())

	dataInfo, err := os.Stat(filepath.Join(cfg.Folder, cfg.TopicName, "d0000000000000000"))
	require.NoError(t, err)
	require.EqualValues(t, total, dataInfo.Size())

	raw, err := os.ReadFile(filepath.Join(cfg.Folder, cfg.TopicName, "i0000000000000000"))
	require.NoError(t, err)
	for k, want := range wantOffsets {
		got := wire.Uint64(raw[k*8 : k*8+8])
		require.Equal(t, want, got, "index[%d]", k)
	}
}

func TestStore_OpenPicksLargestGeneration(t *testing.T) {
	s, cfg := newProducerStore(t, 1) // 16 records per generation
	for i := 0; i < 17; i++ {
		_, err := s.Append([]byte("x"))
		require.NoError(t, err)
		_, err = s.EndRecord()
		require.NoError(t, err)
	}

	// Generation 0 holds 16 records (128 bytes of index, 16 bytes of data);
	// generation 1 holds the 17th.
	dir := filepath.Join(cfg.Folder, cfg.TopicName)
	info0, err := os.Stat(filepath.Join(dir, "i0000000000000000"))
	require.NoError(t, err)
	require.EqualValues(t, 128, info0.Size())

	info1, err := os.Stat(filepath.Join(dir, "i0000000000000001"))
	require.NoError(t, err)
	require.EqualValues(t, 8, info1.Size())

	require.Equal(t, filepath.Join(dir, "d0000000000000001"), s.CurrentDataFileName())

	reopened, err := topicstore.Open(cfg, topicstore.RoleConsumer, observability.NewNoOpLogger())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "d0000000000000001"), reopened.CurrentDataFileName())
}

func TestStore_OpenMissingPairIsError(t *testing.T) {
	dir := t.TempDir()
	topicDir := filepath.Join(dir, "events")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "d0000000000000000"), nil, 0o644))
	// index file missing

	cfg := topicstore.Config{TopicID: 1, TopicName: "events", Folder: dir}
	_, err := topicstore.Open(cfg, topicstore.RoleConsumer, observability.NewNoOpLogger())
	require.Error(t, err)
}

func TestStore_ReadLatestNeverReSurfacesBytes(t *testing.T) {
	s, cfg := newProducerStore(t, 0)
	_, err := s.Append([]byte("abc"))
	require.NoError(t, err)
	_, err = s.EndRecord()
	require.NoError(t, err)

	consumer, err := topicstore.Open(cfg, topicstore.RoleConsumer, observability.NewNoOpLogger())
	require.NoError(t, err)

	// Consumer opened after the write starts its read cursor at tail, so
	// it won't see bytes already on disk; append more and confirm no
	// double-delivery across repeated reads.
	_, err = s.Append([]byte("def"))
	require.NoError(t, err)
	_, err = s.EndRecord()
	require.NoError(t, err)

	buf := make([]byte, 1)
	off1, n1, err := consumer.ReadLatestData(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n1)
	got := string(buf[:n1])

	off2, n2, err := consumer.ReadLatestData(buf)
	require.NoError(t, err)
	require.Equal(t, int64(off1+int64(n1)), off2)
	got += string(buf[:n2])

	off3, n3, err := consumer.ReadLatestData(buf)
	require.NoError(t, err)
	got += string(buf[:n3])

	require.Equal(t, "def", got)
}

func TestStore_SendFollowers_DeliversExactRangeToEachFollower(t *testing.T) {
	s, cfg := newProducerStore(t, 0)
	_, err := s.Append([]byte("alphabet soup")) // 13 bytes
	require.NoError(t, err)
	_, err = s.EndRecord()
	require.NoError(t, err)

	consumer, err := topicstore.Open(cfg, topicstore.RoleConsumer, observability.NewNoOpLogger())
	require.NoError(t, err)

	const numFollowers = 3
	type endpoint struct {
		server net.Conn
		client net.Conn
	}
	var eps []endpoint
	for i := 0; i < numFollowers; i++ {
		server, client := net.Pipe()
		eps = append(eps, endpoint{server, client})
		_, _, err := consumer.Follow(string(rune('a'+i)), server)
		require.NoError(t, err)
	}

	// Append more so there's a new byte range to fan out.
	_, err = s.Append([]byte("more data!!!")) // 12 bytes
	require.NoError(t, err)
	_, err = s.EndRecord()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.SendFollowers(wire.DataFeed) }()

	for _, ep := range eps {
		header := make([]byte, wire.HeaderSize)
		_, err := io_readFull(ep.client, header)
		require.NoError(t, err)
		h := wire.DecodeHeader(header)
		require.Equal(t, wire.DataFeed, h.Type)
		require.Equal(t, wire.HeaderSize+12, h.Size)

		payload := make([]byte, h.PayloadLen())
		_, err = io_readFull(ep.client, payload)
		require.NoError(t, err)
		require.Equal(t, "more data!!!", string(payload))
	}
	require.NoError(t, <-errCh)
}

func io_readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

package topicstore

import (
	"fmt"
	"io"
	"net"
	"os"
	"sort"

	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/wire"
)

// SendFollowers transmits every byte appended to the data or index file
// since the last call (tracked by readCursorData/readCursorIndex, shared
// with ReadLatestData/ReadLatestIndex) to every follower of this topic.
//
// feedType must be wire.DataFeed or wire.IndexFeed; anything else fails
// with redfoamerr.ErrBadFileName.
//
// The first follower's transfer uses the store's own file handle with its
// natural advancing position (so the Go runtime's sendfile fast path
// applies via io.CopyN/net.TCPConn.ReadFrom); subsequent followers read the
// same byte range through a dedicated read-only handle positioned with
// Seek, so they never disturb the shared cursor; the final follower reuses
// the shared handle again (reseeking to the tick's start offset first, if
// it isn't also the first), leaving the shared cursor at the newly-sent
// end for the next tick.
func (s *Store) SendFollowers(feedType wire.RecordType) error {
	s.mu.Lock()

	var file *os.File
	var cursor *int64
	var path string
	switch feedType {
	case wire.DataFeed:
		file, cursor, path = s.dataFile, &s.readCursorData, s.dataFileName
	case wire.IndexFeed:
		file, cursor, path = s.indexFile, &s.readCursorIndex, s.indexFileName
	default:
		s.mu.Unlock()
		return redfoamerr.ErrBadFileName
	}

	info, err := file.Stat()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}

	offset := *cursor
	length := info.Size() - offset
	if length <= 0 {
		s.mu.Unlock()
		return nil
	}

	ids := make([]string, 0, len(s.followers))
	for id := range s.followers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	conns := make([]net.Conn, len(ids))
	for i, id := range ids {
		conns[i] = s.followers[id]
	}

	*cursor += length
	s.mu.Unlock()

	if len(conns) == 0 {
		return nil
	}

	header := make([]byte, wire.HeaderSize)
	wire.PutHeader(header, wire.Header{
		Size: wire.HeaderSize + int(length),
		Seq:  0,
		Type: feedType,
	})

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", redfoamerr.ErrCantSendFile, err)
	}

	for i, conn := range conns {
		if _, err := conn.Write(header); err != nil {
			return fmt.Errorf("%w: %v", redfoamerr.ErrCantSendFile, err)
		}

		last := i == len(conns)-1
		switch {
		case i == 0 || last:
			if last && i != 0 {
				// First follower already advanced the shared handle to
				// offset+length; reposition it to resend the same range.
				if _, err := file.Seek(offset, io.SeekStart); err != nil {
					return fmt.Errorf("%w: %v", redfoamerr.ErrCantSendFile, err)
				}
			}
			if _, err := io.CopyN(conn, file, length); err != nil {
				return fmt.Errorf("%w: %v", redfoamerr.ErrCantSendFile, err)
			}
		default:
			extra, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("%w: %v", redfoamerr.ErrCantOpenFile, err)
			}
			if _, err := extra.Seek(offset, io.SeekStart); err != nil {
				extra.Close()
				return fmt.Errorf("%w: %v", redfoamerr.ErrCantSendFile, err)
			}
			_, err = io.CopyN(conn, extra, length)
			extra.Close()
			if err != nil {
				return fmt.Errorf("%w: %v", redfoamerr.ErrCantSendFile, err)
			}
		}
	}

	return nil
}

// Package client is the symmetric producer/consumer client library (C8):
// connect-and-auth, send a record, follow a topic, and an iterator over
// incoming feed frames with a message reassembler built on top.
//
// Connection dials, wraps the net.Conn, and buffers outgoing frames through
// a bufio.Writer before flushing each one whole.
package client

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/wire"
)

// Connection is a single TCP connection to either the producer or the
// consumer listener. Its role is determined entirely by which address the
// caller dials; the wire protocol is otherwise symmetric.
type Connection struct {
	net.Conn
	w *bufio.Writer

	seq uint8 // client-out sequence counter, per spec.md §4.2
}

// Dial opens a TCP connection to addr.
func Dial(addr string) (*Connection, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s: %w", addr, err)
	}
	return &Connection{
		Conn: conn,
		w:    bufio.NewWriterSize(conn, 16384),
	}, nil
}

// writeFrame writes one complete frame, advancing and flushing the
// client-out sequence counter.
func (c *Connection) writeFrame(typ wire.RecordType, payload []byte) error {
	header := make([]byte, wire.HeaderSize)
	wire.PutHeader(header, wire.Header{
		Size: wire.HeaderSize + len(payload),
		Seq:  c.seq,
		Type: typ,
	})
	c.seq++

	if _, err := c.w.Write(header); err != nil {
		return fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPWrite, err)
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPWrite, err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPWrite, err)
	}
	return nil
}

// Auth sends the initial Auth frame. An empty token is accepted by the
// broker as anonymous, per spec.md §4.5/§4.6.
func (c *Connection) Auth(topicName, token string) error {
	payload := []byte(topicName + ";" + token)
	return c.writeFrame(wire.Auth, payload)
}

// readHeader reads and decodes exactly one frame header.
func (c *Connection) readHeader() (wire.Header, error) {
	buf := make([]byte, wire.HeaderSize)
	if _, err := readFull(c.Conn, buf); err != nil {
		return wire.Header{}, fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPRead, err)
	}
	return wire.DecodeHeader(buf), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

// Send streams payload as a single Producer record for topicID and waits
// for the broker's acknowledgement, returning the assigned record index.
func (c *Connection) Send(topicID uint32, payload []byte) (assignedIndex uint64, err error) {
	body := make([]byte, 4+len(payload))
	wire.PutUint32(body[:4], topicID)
	copy(body[4:], payload)
	if err := c.writeFrame(wire.Producer, body); err != nil {
		return 0, err
	}

	ack := make([]byte, 1+8)
	if _, err := readFull(c.Conn, ack); err != nil {
		return 0, fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPRead, err)
	}
	return wire.Uint64(ack[1:]), nil
}

// FollowOffsets is the snapshot returned by FollowTopic: the index-file and
// data-file sizes at the moment the broker registered this connection as a
// follower.
type FollowOffsets struct {
	IndexOffset uint64
	DataOffset  uint64
}

// FollowTopic requests a live feed of topicID and returns the snapshot
// offsets the broker replies with.
func (c *Connection) FollowTopic(topicID uint32) (FollowOffsets, error) {
	body := make([]byte, 4)
	wire.PutUint32(body, topicID)
	if err := c.writeFrame(wire.ConsumerFollowTopics, body); err != nil {
		return FollowOffsets{}, err
	}

	h, err := c.readHeader()
	if err != nil {
		return FollowOffsets{}, err
	}
	if h.Type != wire.ConsumerFollowTopics || h.PayloadLen() != 16 {
		return FollowOffsets{}, redfoamerr.ErrFailedToReadOffsets
	}
	payload := make([]byte, 16)
	if _, err := readFull(c.Conn, payload); err != nil {
		return FollowOffsets{}, fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPRead, err)
	}
	return FollowOffsets{
		IndexOffset: wire.Uint64(payload[0:8]),
		DataOffset:  wire.Uint64(payload[8:16]),
	}, nil
}

// Feed is one frame yielded by Next: either a DataFeed chunk or an
// IndexFeed chunk of u64 offsets.
type Feed struct {
	Type    wire.RecordType
	Data    []byte   // set when Type == wire.DataFeed
	Indices []uint64 // set when Type == wire.IndexFeed
}

// Next blocks until one DataFeed or IndexFeed frame arrives and returns it.
// Any other frame type is skipped (drop-but-continue, per spec.md §4.2's
// Undefined convention).
func (c *Connection) Next() (Feed, error) {
	for {
		h, err := c.readHeader()
		if err != nil {
			return Feed{}, err
		}
		payload := make([]byte, h.PayloadLen())
		if len(payload) > 0 {
			if _, err := readFull(c.Conn, payload); err != nil {
				return Feed{}, fmt.Errorf("%w: %v", redfoamerr.ErrClientTCPRead, err)
			}
		}

		switch h.Type {
		case wire.DataFeed:
			return Feed{Type: wire.DataFeed, Data: payload}, nil
		case wire.IndexFeed:
			if len(payload)%wire.IndexEntrySize != 0 {
				return Feed{}, redfoamerr.ErrFailedToReadOffsets
			}
			indices := make([]uint64, len(payload)/wire.IndexEntrySize)
			for i := range indices {
				indices[i] = wire.Uint64(payload[i*wire.IndexEntrySize : (i+1)*wire.IndexEntrySize])
			}
			return Feed{Type: wire.IndexFeed, Indices: indices}, nil
		default:
			continue
		}
	}
}

// SetFeedDeadline is a thin convenience wrapper so callers can bound Next,
// matching the broker's own short-deadline non-blocking read idiom.
func (c *Connection) SetFeedDeadline(d time.Duration) error {
	return c.Conn.SetDeadline(time.Now().Add(d))
}

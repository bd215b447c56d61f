// Package frame implements the per-connection receive state machine: an
// incremental decoder of length-prefixed, sequence-numbered records over a
// byte stream, with a fixed-capacity buffer for the unread tail.
//
// A small set of integer cursors into a reused buffer advance incrementally
// as bytes arrive, rather than buffering a whole message before starting to
// parse it.
package frame

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/wire"
)

// DefaultCapacity is the default size in bytes of a connection's receive
// buffer.
const DefaultCapacity = 1024

// Buffer is a fixed-capacity byte buffer holding the unread tail of a
// connection's stream plus a cursor for the record currently being decoded.
//
// A Buffer is not safe for concurrent use; it belongs to exactly one
// session.
type Buffer struct {
	buf []byte // fixed-capacity backing array

	buffEnd    int // bytes received, not yet consumed
	recCursor  int // bytes consumed so far within buf

	recSize     int  // declared payload size of the in-progress record, or -1 if unset
	recConsumed int  // payload bytes of the current record already surfaced

	seqExpected  uint8 // next sequence byte expected
	seqValidated bool  // whether the current record's sequence byte was checked
	pendingSeq   uint8 // sequence byte decoded by TryReadHeader, awaiting CheckSeq

	recType wire.RecordType // type byte of the in-progress record, once known
}

// NewBuffer returns an empty Buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		buf:     make([]byte, capacity),
		recSize: -1,
	}
}

// Pull performs a single, best-effort, non-blocking read into the buffer's
// free tail and returns the number of bytes read.
//
// net.Conn has no O_NONBLOCK read mode, so "non-blocking" is implemented by
// giving the read a short deadline: a timeout is reported as (0, nil), the
// same contract as the original would-block semantics, rather than as a
// failure. io.EOF (the peer closed the connection) is returned as is; any
// other read error is a genuine connection failure
// (redfoamerr.ErrServerTCPRead, wrapping the underlying error). In both
// cases the caller must close the session.
func (b *Buffer) Pull(conn net.Conn, deadline time.Duration) (int, error) {
	free := b.buf[b.buffEnd:]
	if len(free) == 0 {
		return 0, nil
	}

	if deadline > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
	}

	n, err := conn.Read(free)
	b.buffEnd += n

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		if err == io.EOF {
			return n, io.EOF
		}
		return n, fmt.Errorf("%w: %v", redfoamerr.ErrServerTCPRead, err)
	}
	return n, nil
}

// TestPush appends raw bytes directly into the buffer's free tail, bounded
// by remaining capacity. It exists so tests can drive the state machine
// with exact, controlled chunk boundaries without a real net.Conn; Pull is
// the production path.
func (b *Buffer) TestPush(data []byte) int {
	free := b.buf[b.buffEnd:]
	n := copy(free, data)
	b.buffEnd += n
	return n
}

// unreadLen returns the number of bytes available for decoding.
func (b *Buffer) unreadLen() int {
	return b.buffEnd - b.recCursor
}

// TryReadU32 reads the little-endian uint32 starting at recCursor if at
// least 4 unread bytes are available, advancing recCursor and recConsumed.
// ok is false if not enough bytes have arrived yet ("not ready").
func (b *Buffer) TryReadU32() (v uint32, ok bool) {
	if b.unreadLen() < 4 || b.recSize-b.recConsumed < 4 {
		return 0, false
	}
	v = wire.Uint32(b.buf[b.recCursor : b.recCursor+4])
	b.recCursor += 4
	b.recConsumed += 4
	return v, true
}

// TryReadU8 reads one byte starting at recCursor, iff available.
func (b *Buffer) TryReadU8() (v uint8, ok bool) {
	if b.unreadLen() < 1 || b.recSize-b.recConsumed < 1 {
		return 0, false
	}
	v = b.buf[b.recCursor]
	b.recCursor++
	b.recConsumed++
	return v, true
}

// TryReadHeader attempts to decode a wire.Header at recCursor. It does not
// consume any bytes beyond the header itself; the payload is surfaced via
// VisiblePayload. Once a header is read, recSize/recType are set and
// CheckSeq must run before any payload is surfaced to the caller.
func (b *Buffer) TryReadHeader() (wire.Header, bool) {
	if b.recSize >= 0 {
		// A record is already in progress; the caller should drain it
		// (via VisiblePayload/Reset) before requesting a new header.
		return wire.Header{}, false
	}
	if b.unreadLen() < wire.HeaderSize {
		return wire.Header{}, false
	}
	h := wire.DecodeHeader(b.buf[b.recCursor : b.recCursor+wire.HeaderSize])
	b.recCursor += wire.HeaderSize
	b.recSize = h.PayloadLen()
	b.recType = h.Type
	b.recConsumed = 0
	b.seqValidated = false
	// The sequence byte is part of the header but is validated separately,
	// by CheckSeq, using the value decoded here.
	b.pendingSeq = h.Seq
	return h, true
}

// CheckSeq validates the current record's sequence byte against the
// expected value, exactly once per record. Returns redfoamerr.ErrInvalidSequence
// if the byte doesn't match.
func (b *Buffer) CheckSeq() error {
	if b.seqValidated {
		return nil
	}
	if b.pendingSeq != b.seqExpected {
		return redfoamerr.ErrInvalidSequence
	}
	b.seqValidated = true
	return nil
}

// RecordType returns the type of the record currently being decoded. Valid
// only once TryReadHeader has succeeded for this record.
func (b *Buffer) RecordType() wire.RecordType { return b.recType }

// RecordSize returns the declared payload size of the current record.
func (b *Buffer) RecordSize() int { return b.recSize }

// VisiblePayload returns the slice of payload bytes currently available to
// the caller: [recCursor, min(buffEnd, recCursor+recSize-recConsumed)).
// Valid only once recSize has been set via TryReadHeader.
func (b *Buffer) VisiblePayload() []byte {
	if b.recSize < 0 {
		return nil
	}
	remaining := b.recSize - b.recConsumed
	end := b.recCursor + remaining
	if end > b.buffEnd {
		end = b.buffEnd
	}
	if end < b.recCursor {
		end = b.recCursor
	}
	return b.buf[b.recCursor:end]
}

// Consume marks n bytes of the slice returned by VisiblePayload as consumed
// by the caller (e.g. written out to a topic store). It is a programming
// error to consume more than was visible.
func (b *Buffer) Consume(n int) {
	b.recCursor += n
	b.recConsumed += n
}

// IsEndOfRecord reports whether all recSize payload bytes have been
// surfaced to the caller.
func (b *Buffer) IsEndOfRecord() bool {
	return b.recSize >= 0 && b.recConsumed == b.recSize
}

// Reset consumes whatever payload is currently visible (advancing
// recCursor/recConsumed), and if the record is now complete, clears recSize,
// advances seqExpected (wrapping mod 256), and clears seqValidated. If the
// buffer has no unread bytes left, it rewinds recCursor/buffEnd to 0 so the
// next Pull can fill the buffer from the start.
func (b *Buffer) Reset() {
	visible := b.VisiblePayload()
	b.Consume(len(visible))

	if b.IsEndOfRecord() {
		b.recSize = -1
		b.recType = wire.Undefined
		b.seqExpected++ // wraps at 256 via uint8 overflow
		b.seqValidated = false
	}

	if b.recCursor == b.buffEnd {
		b.recCursor = 0
		b.buffEnd = 0
	}
}


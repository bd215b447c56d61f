package session

import (
	"fmt"
	"net"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/wire"
)

// ProducerSession implements the C5 state machine: Auth, then a stream of
// Producer frames, each committed as one record and acknowledged.
type ProducerSession struct {
	base

	reg *registry.Registry

	haveTopicID bool
	topicID     uint32
	acquired    bool // this session currently holds the topic's producer claim
}

// NewProducerSession wraps an accepted connection for the producer role.
func NewProducerSession(id string, conn net.Conn, reg *registry.Registry, logger *observability.CoreLogger) *ProducerSession {
	return &ProducerSession{base: newBase(id, conn, logger), reg: reg}
}

// Step performs one non-blocking read and advances the state machine as
// far as currently-buffered bytes allow, then returns. It never blocks
// waiting for more data to arrive.
func (s *ProducerSession) Step() {
	if s.state == StateClosed {
		return
	}

	if _, err := s.pull(); err != nil {
		s.fail(err)
		return
	}

	for s.state != StateClosed {
		if s.buf.RecordSize() < 0 {
			if _, ok := s.buf.TryReadHeader(); !ok {
				return
			}
		}

		if err := s.buf.CheckSeq(); err != nil {
			s.fail(err)
			return
		}

		switch s.state {
		case StatePending:
			if !s.stepAuth() {
				return
			}
		case StateActive:
			if !s.stepProducer() {
				return
			}
		}
	}
}

// stepAuth consumes one Auth frame, iff it has fully arrived. Returns false
// if more bytes are needed (caller should wait for the next Step).
func (s *ProducerSession) stepAuth() bool {
	if s.buf.RecordType() != wire.Auth {
		s.fail(redfoamerr.ErrBadAuth)
		return false
	}
	visible := s.buf.VisiblePayload()
	if len(visible) < s.buf.RecordSize() {
		// The full Auth payload hasn't arrived yet; wait for more bytes.
		return false
	}
	payload := append([]byte(nil), visible...)
	s.buf.Consume(len(payload))
	if err := s.handleAuth(payload); err != nil {
		s.fail(err)
		return false
	}
	s.buf.Reset()
	return true
}

// stepProducer streams the current Producer frame's bytes into the topic
// store, acknowledging once the full record has arrived.
func (s *ProducerSession) stepProducer() bool {
	if s.buf.RecordType() != wire.Producer {
		// Unknown/unsupported record type while active: drop it, matching
		// the Undefined convention of dropping but keeping the connection.
		s.buf.Consume(len(s.buf.VisiblePayload()))
		complete := s.buf.IsEndOfRecord()
		// Reset rewinds the drained buffer even when the record isn't
		// complete yet, so a record larger than the buffer's capacity keeps
		// freeing space for Pull instead of stalling with recCursor pinned
		// at buffEnd.
		s.buf.Reset()
		return complete
	}

	if !s.haveTopicID {
		id, ok := s.buf.TryReadU32()
		if !ok {
			return false
		}
		s.topicID = id
		s.haveTopicID = true
	}

	if !s.acquired {
		store, ok := s.reg.ByID(s.topicID)
		if !ok {
			s.fail(redfoamerr.ErrTopicNotFound)
			return false
		}
		if !store.TryAcquireProducer(s.id) {
			s.fail(redfoamerr.ErrNotReady)
			return false
		}
		s.acquired = true
	}

	store, ok := s.reg.ByID(s.topicID)
	if !ok {
		s.fail(redfoamerr.ErrTopicNotFound)
		return false
	}

	payload := s.buf.VisiblePayload()
	if len(payload) > 0 {
		if _, err := store.Append(payload); err != nil {
			store.ReleaseProducer(s.id)
			s.fail(err)
			return false
		}
		s.buf.Consume(len(payload))
	}

	if !s.buf.IsEndOfRecord() {
		// Wait for more of this record's payload to arrive. Reset rewinds
		// the now-drained buffer so Pull has free tail space again; a
		// record larger than the buffer's capacity would otherwise pin
		// recCursor at buffEnd and stall the session forever.
		s.buf.Reset()
		return false
	}

	assignedIndex, err := store.EndRecord()
	store.ReleaseProducer(s.id)
	s.acquired = false
	s.haveTopicID = false
	if err != nil {
		s.fail(err)
		return false
	}

	if err := s.writeAck(assignedIndex); err != nil {
		s.fail(err)
		return false
	}

	s.buf.Reset()
	return true
}

// writeAck writes the raw (unframed) acknowledgement: the session's
// current broker-out sequence byte followed by the committed record's
// assigned index as a little-endian u64.
func (s *ProducerSession) writeAck(assignedIndex uint64) error {
	ack := make([]byte, 1+8)
	ack[0] = s.lastSeq
	s.lastSeq++
	wire.PutUint64(ack[1:], assignedIndex)
	if _, err := s.conn.Write(ack); err != nil {
		return fmt.Errorf("%w: %v", redfoamerr.ErrServerTCPWrite, err)
	}
	return nil
}

func (s *ProducerSession) fail(err error) {
	if s.haveTopicID && s.acquired {
		if store, ok := s.reg.ByID(s.topicID); ok {
			store.ReleaseProducer(s.id)
		}
	}
	s.logger.CaptureError(fmt.Errorf("session: producer %s: %w", s.id, err))
	s.Close()
}

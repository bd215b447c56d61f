package session

import (
	"fmt"
	"net"
	"time"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/wire"
)

// ConsumerSession implements the C6 state machine: Auth, then any number
// of ConsumerFollowTopics requests, each replied to with the snapshot
// offsets the client uses to reassemble messages. The actual feed frames
// (DataFeed/IndexFeed) are written directly to the session's connection by
// internal/dispatch via the topic store's follower set, not by Step.
type ConsumerSession struct {
	base

	reg     *registry.Registry
	follows map[uint32]struct{}
}

// NewConsumerSession wraps an accepted connection for the consumer role.
func NewConsumerSession(id string, conn net.Conn, reg *registry.Registry, logger *observability.CoreLogger) *ConsumerSession {
	return &ConsumerSession{
		base:    newBase(id, conn, logger),
		reg:     reg,
		follows: make(map[uint32]struct{}),
	}
}

// Step performs one non-blocking read and advances the state machine as
// far as currently-buffered bytes allow.
func (s *ConsumerSession) Step() {
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
			if !s.stepFollow() {
				return
			}
		}
	}
}

func (s *ConsumerSession) stepAuth() bool {
	if s.buf.RecordType() != wire.Auth {
		s.fail(redfoamerr.ErrBadAuth)
		return false
	}
	visible := s.buf.VisiblePayload()
	if len(visible) < s.buf.RecordSize() {
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

func (s *ConsumerSession) stepFollow() bool {
	if s.buf.RecordType() != wire.ConsumerFollowTopics {
		s.buf.Consume(len(s.buf.VisiblePayload()))
		complete := s.buf.IsEndOfRecord()
		// Reset rewinds the drained buffer even when the record isn't
		// complete yet, so an oversized unknown record keeps freeing space
		// for Pull instead of stalling with recCursor pinned at buffEnd.
		s.buf.Reset()
		return complete
	}

	visible := s.buf.VisiblePayload()
	if len(visible) < s.buf.RecordSize() {
		return false
	}

	topicID, ok := s.buf.TryReadU32()
	if !ok {
		// Malformed request: fewer than 4 payload bytes despite the
		// record having fully arrived.
		s.fail(redfoamerr.ErrFailedToReadOffsets)
		return false
	}

	store, ok := s.reg.ByID(topicID)
	if !ok {
		s.fail(redfoamerr.ErrTopicNotFound)
		return false
	}

	indexOffset, dataOffset, err := store.Follow(s.id, s.conn)
	if err != nil {
		s.fail(err)
		return false
	}
	s.follows[topicID] = struct{}{}

	reply := make([]byte, 16)
	wire.PutUint64(reply[0:8], indexOffset)
	wire.PutUint64(reply[8:16], dataOffset)
	if err := s.writeFrame(wire.ConsumerFollowTopics, reply); err != nil {
		s.fail(err)
		return false
	}

	s.buf.Reset()
	return true
}

// Idle overrides base.Idle: a session with at least one active follow is
// never idle-reaped. It receives feed frames pushed by internal/dispatch
// rather than making any read progress of its own, so base.lastActivity
// would otherwise go stale on a perfectly healthy live feed.
func (s *ConsumerSession) Idle(timeout time.Duration) bool {
	if len(s.follows) > 0 {
		return false
	}
	return s.base.Idle(timeout)
}

// Close unregisters this session from every topic it follows before
// closing the connection.
func (s *ConsumerSession) Close() {
	for topicID := range s.follows {
		if store, ok := s.reg.ByID(topicID); ok {
			store.Unfollow(s.id)
		}
	}
	s.base.Close()
}

func (s *ConsumerSession) fail(err error) {
	s.logger.CaptureError(fmt.Errorf("session: consumer %s: %w", s.id, err))
	s.Close()
}

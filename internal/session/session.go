// Package session implements the per-connection state machines for
// producer and consumer clients, and the cooperative single-threaded
// scheduler loop that steps them.
//
// One goroutine runs the accept loop, handing connections off to a second
// goroutine that steps every live session's state machine once per tick,
// rather than spawning a goroutine per connection.
package session

import (
	"net"
	"strings"
	"time"

	"github.com/gramsey/redfoam/internal/frame"
	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/wire"
)

// State is a session's position in its auth/work state machine.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosed
)

// pollInterval bounds how long a single non-blocking-style read may block
// before Buffer.Pull reports a would-block. It does not throttle the
// scheduler tick itself (see Server.tick).
const pollInterval = 10 * time.Millisecond

// base holds the fields and behavior shared by producer and consumer
// sessions: the connection, its framed receive buffer, auth state, and
// idle tracking.
type base struct {
	id     string
	conn   net.Conn
	buf    *frame.Buffer
	logger *observability.CoreLogger

	state State

	topicName string // set once Auth succeeds
	lastSeq   uint8  // broker-out sequence counter

	lastActivity time.Time
}

func newBase(id string, conn net.Conn, logger *observability.CoreLogger) base {
	return base{
		id:           id,
		conn:         conn,
		buf:          frame.NewBuffer(frame.DefaultCapacity),
		logger:       logger,
		lastActivity: time.Now(),
	}
}

// Idle reports whether this session has seen no activity for longer than
// timeout.
func (b *base) Idle(timeout time.Duration) bool {
	return timeout > 0 && time.Since(b.lastActivity) > timeout
}

// Close closes the underlying connection and marks the session Closed.
// Safe to call more than once.
func (b *base) Close() {
	if b.state == StateClosed {
		return
	}
	b.state = StateClosed
	_ = b.conn.Close()
}

// State returns the session's current state.
func (b *base) State() State { return b.state }

// ID returns the session's identifier, used as its follower-set key.
func (b *base) ID() string { return b.id }

// handleAuth parses an Auth frame payload ("topic_name;token") and accepts
// an empty or "ANON" token. Any other token fails with ErrBadAuth.
func (b *base) handleAuth(payload []byte) error {
	parts := strings.SplitN(string(payload), ";", 2)
	name := parts[0]
	token := ""
	if len(parts) == 2 {
		token = parts[1]
	}
	if token != "" && token != "ANON" {
		return redfoamerr.ErrBadAuth
	}
	b.topicName = name
	b.state = StateActive
	return nil
}

// writeFrame writes a complete frame (header + payload) to the connection,
// using and advancing this session's broker-out sequence counter.
func (b *base) writeFrame(typ wire.RecordType, payload []byte) error {
	header := make([]byte, wire.HeaderSize)
	wire.PutHeader(header, wire.Header{
		Size: wire.HeaderSize + len(payload),
		Seq:  b.lastSeq,
		Type: typ,
	})
	b.lastSeq++

	if _, err := b.conn.Write(header); err != nil {
		return redfoamerr.ErrServerTCPWrite
	}
	if len(payload) > 0 {
		if _, err := b.conn.Write(payload); err != nil {
			return redfoamerr.ErrServerTCPWrite
		}
	}
	return nil
}

// pull performs one non-blocking-style read and records activity if any
// bytes arrived.
func (b *base) pull() (int, error) {
	n, err := b.buf.Pull(b.conn, pollInterval)
	if n > 0 {
		b.lastActivity = time.Now()
	}
	return n, err
}

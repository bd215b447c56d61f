package session

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"time"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/waiting"
)

// Stepper is implemented by ProducerSession and ConsumerSession.
type Stepper interface {
	Step()
	State() State
	ID() string
	Close()
	Idle(timeout time.Duration) bool
}

// Factory builds a Stepper for a freshly accepted connection.
type Factory func(id string, conn net.Conn) Stepper

// DefaultTick is the scheduler's sleep interval between iterations.
const DefaultTick = 100 * time.Millisecond

// DefaultIdleTimeout closes a session that has seen no activity for this
// long.
const DefaultIdleTimeout = 5 * time.Minute

// Server is the single-threaded cooperative scheduler for one role
// (producer or consumer): it accepts at most one new connection per tick,
// steps every live session once, reaps closed or idle sessions, and
// (consumer role only) drains pending filesystem events.
type Server struct {
	listener net.Listener
	factory  Factory
	logger   *observability.CoreLogger

	tick        time.Duration
	idleTimeout time.Duration

	handoff chan net.Conn
	stop    chan struct{}

	sessions map[string]Stepper

	// dispatch, if set, runs once per tick after every session has stepped
	// — spec.md §5 step 4, consumer role only. It must run on this same
	// goroutine: a dispatch tick writes feed frames directly to follower
	// sockets that a consumer session's own Step also writes to (its
	// follow-reply frame), and those writes must never happen
	// concurrently.
	dispatch func()
}

// NewServer listens on addr and returns a Server ready to Run.
func NewServer(addr string, factory Factory, logger *observability.CoreLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener:    ln,
		factory:     factory,
		logger:      logger,
		tick:        DefaultTick,
		idleTimeout: DefaultIdleTimeout,
		handoff:     make(chan net.Conn, 64),
		stop:        make(chan struct{}),
		sessions:    make(map[string]Stepper),
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// SetDispatch registers fn to run once per tick, immediately after every
// session has stepped. Used to wire internal/dispatch.Dispatcher.Drain
// into the consumer-role server as spec.md §5's scheduler step 4, so the
// drain runs on the same goroutine that steps consumer sessions rather
// than racing their writes from a goroutine of its own.
func (s *Server) SetDispatch(fn func()) {
	s.dispatch = fn
}

// Run spawns the accept-loop goroutine and then runs the scheduler loop
// until Stop is called. It blocks; callers typically invoke it in its own
// goroutine.
//
// Each iteration waits out its tick with a waiting.Delay, a testable sleep
// abstraction, rather than a bare time.Ticker.
func (s *Server) Run() {
	go s.acceptLoop()

	for {
		select {
		case <-s.stop:
			s.listener.Close()
			for _, sess := range s.sessions {
				sess.Close()
			}
			return
		case <-waiting.NewDelay(s.tick).Wait():
			s.admitOne()
			s.stepAll()
			if s.dispatch != nil {
				s.dispatch()
			}
		}
	}
}

// Stop signals Run to close the listener and every session. It returns
// without waiting for that shutdown to finish.
func (s *Server) Stop() { close(s.stop) }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.logger.CaptureFatalAndPanic(err)
			}
		}
		select {
		case s.handoff <- conn:
		case <-s.stop:
			conn.Close()
			return
		}
	}
}

// admitOne drains at most one connection from the handoff channel per
// tick.
func (s *Server) admitOne() {
	select {
	case conn := <-s.handoff:
		id := newSessionID()
		s.sessions[id] = s.factory(id, conn)
	default:
	}
}

func (s *Server) stepAll() {
	for id, sess := range s.sessions {
		if sess.Idle(s.idleTimeout) {
			sess.Close()
		}
		sess.Step()
		if sess.State() == StateClosed {
			delete(s.sessions, id)
		}
	}
}

func newSessionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewProducerFactory returns a Factory that builds ProducerSessions bound
// to reg.
func NewProducerFactory(reg *registry.Registry, logger *observability.CoreLogger) Factory {
	return func(id string, conn net.Conn) Stepper {
		return NewProducerSession(id, conn, reg, logger)
	}
}

// NewConsumerFactory returns a Factory that builds ConsumerSessions bound
// to reg.
func NewConsumerFactory(reg *registry.Registry, logger *observability.CoreLogger) Factory {
	return func(id string, conn net.Conn) Stepper {
		return NewConsumerSession(id, conn, reg, logger)
	}
}

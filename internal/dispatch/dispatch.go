// Package dispatch drains registry filesystem events and turns them into
// topicstore actions: a generation rollover reopens the consumer-side
// store on the new file pair, and an append triggers a zero-copy fan-out
// to that topic's followers.
//
// Spec.md §5 makes this step 4 of the consumer role's single-threaded
// cooperative scheduler tick. Drain is meant to be called from that same
// goroutine, once per tick, after every session has stepped — never from a
// goroutine of its own — so a fan-out's writes to a follower's socket can
// never race that same connection's own session writing a reply frame to
// it (internal/session.ConsumerSession.stepFollow writes the follow reply
// on the connection that internal/topicstore.Store.SendFollowers also
// writes to as a follower).
package dispatch

import (
	"fmt"
	"strings"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/registry"
	"github.com/gramsey/redfoam/internal/wire"
)

// Dispatcher turns one registry's filesystem events into topicstore
// actions.
type Dispatcher struct {
	reg    *registry.Registry
	logger *observability.CoreLogger
}

// New returns a Dispatcher bound to reg.
func New(reg *registry.Registry, logger *observability.CoreLogger) *Dispatcher {
	return &Dispatcher{reg: reg, logger: logger}
}

// Drain handles every event currently queued on the registry's event
// channel, without blocking once the channel runs dry. Call it once per
// consumer-role scheduler tick.
func (d *Dispatcher) Drain() {
	for {
		select {
		case evt, ok := <-d.reg.Events():
			if !ok {
				return
			}
			d.handle(evt)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(evt registry.Event) {
	store, ok := d.reg.ByID(evt.TopicID)
	if !ok {
		d.logger.Warn("dispatch: event for unknown topic", "topic_id", evt.TopicID, "file", evt.FileName)
		return
	}

	switch evt.Kind {
	case registry.FileCreated:
		if err := store.SwitchFile(evt.FileName); err != nil {
			d.logger.CaptureError(fmt.Errorf("dispatch: switching to new generation file %s: %w", evt.FileName, err), "topic_id", evt.TopicID)
		}
	case registry.FileAppended:
		feed := feedTypeForFile(evt.FileName)
		if feed == wire.Undefined {
			return
		}
		if err := store.SendFollowers(feed); err != nil {
			d.logger.CaptureError(fmt.Errorf("dispatch: fanning out %s: %w", evt.FileName, err), "topic_id", evt.TopicID)
		}
	}
}

// feedTypeForFile maps a bare file name's leading letter ('d' or 'i') to
// the wire record type that carries its bytes onward to followers.
func feedTypeForFile(name string) wire.RecordType {
	switch {
	case strings.HasPrefix(name, "d"):
		return wire.DataFeed
	case strings.HasPrefix(name, "i"):
		return wire.IndexFeed
	default:
		return wire.Undefined
	}
}

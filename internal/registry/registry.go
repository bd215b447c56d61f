// Package registry maps topic ids and names to their on-disk
// internal/topicstore.Store, and watches each topic's directory for the
// generation-rollover and append events that drive the dispatcher.
//
// github.com/radovskyb/watcher is a polling watcher (no inotify/kqueue
// dependency), started and supervised with golang.org/x/sync/errgroup.
// Its documented caveat is that Create and Write cannot be reliably told
// apart (a race between Add() and the poll loop can surface a Create for a
// file that already existed). Both are filtered in: a Create becomes a
// FileCreated event and a Write a FileAppended event, and a FileCreated
// for a generation the store already has open is ignored by
// topicstore.Store.SwitchFile.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	poller "github.com/radovskyb/watcher"
	"golang.org/x/sync/errgroup"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/topicstore"
)

// EventKind distinguishes the two ways a topic's directory changes that the
// dispatcher cares about.
type EventKind int

const (
	// FileAppended means bytes were written to an existing generation's
	// data or index file.
	FileAppended EventKind = iota
	// FileCreated means a new generation's file was created (rollover).
	FileCreated
)

// Event is one filesystem change, resolved to the topic and file it
// belongs to.
type Event struct {
	TopicID  uint32
	FileName string // base name, e.g. "d0000000000000001"
	Kind     EventKind
}

// DefaultPollingPeriod is the interval between poll sweeps.
const DefaultPollingPeriod = 500 * time.Millisecond

// Registry owns every topic this node serves, plus the filesystem watcher
// that notices when producers roll or append to a topic's files.
type Registry struct {
	logger *observability.CoreLogger

	mu       sync.Mutex
	byID     map[uint32]*topicstore.Store
	byName   map[string]*topicstore.Store
	dirTopic map[string]uint32 // topic directory -> topic id, for event dispatch

	delegate      *poller.Watcher
	pollingPeriod time.Duration
	wg            sync.WaitGroup
	started       bool

	events chan Event
}

// New returns an empty Registry. Call Watch to begin polling once topics
// have been added with Add.
func New(logger *observability.CoreLogger, pollingPeriod time.Duration) *Registry {
	if pollingPeriod <= 0 {
		pollingPeriod = DefaultPollingPeriod
	}
	return &Registry{
		logger:        logger,
		byID:          make(map[uint32]*topicstore.Store),
		byName:        make(map[string]*topicstore.Store),
		dirTopic:      make(map[string]uint32),
		pollingPeriod: pollingPeriod,
		events:        make(chan Event, 256),
	}
}

// Add opens (or creates) store's backing files for cfg and registers it
// under both its id and name. A topic added after Watch has started is
// watched only once Watch is called again.
func (r *Registry) Add(cfg topicstore.Config, role topicstore.Role) (*topicstore.Store, error) {
	store, err := topicstore.Open(cfg, role, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[cfg.TopicID]; exists {
		return nil, fmt.Errorf("%w: topic_id %d already registered", redfoamerr.ErrTopicAlreadyExists, cfg.TopicID)
	}
	r.byID[cfg.TopicID] = store
	r.byName[cfg.TopicName] = store
	r.dirTopic[store.Dir()] = cfg.TopicID
	return store, nil
}

// ByID returns the store for topicID, if registered.
func (r *Registry) ByID(topicID uint32) (*topicstore.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[topicID]
	return s, ok
}

// ByName returns the store for topicName, if registered.
func (r *Registry) ByName(topicName string) (*topicstore.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[topicName]
	return s, ok
}

// Events returns the channel of filesystem events resolved against
// registered topics. Dispatch drains it.
func (r *Registry) Events() <-chan Event { return r.events }

// Watch starts the polling watcher over every topic directory added so
// far. It is idempotent; additional topics added after Watch has started
// are picked up by a subsequent call.
func (r *Registry) Watch(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		dirs := make([]string, 0, len(r.dirTopic))
		for dir := range r.dirTopic {
			dirs = append(dirs, dir)
		}
		r.mu.Unlock()
		for _, dir := range dirs {
			if err := r.delegate.Add(dir); err != nil {
				return fmt.Errorf("%w: %s: %v", redfoamerr.ErrCantReadDir, dir, err)
			}
		}
		return nil
	}

	r.delegate = poller.New()
	// See the package doc: Create and Write cannot be reliably
	// distinguished with this watcher, so both are filtered in; onChange
	// maps a Create to FileCreated and any other op to FileAppended.
	r.delegate.FilterOps(poller.Write, poller.Create)

	for dir := range r.dirTopic {
		if err := r.delegate.Add(dir); err != nil {
			return fmt.Errorf("%w: %s: %v", redfoamerr.ErrCantReadDir, dir, err)
		}
	}
	r.started = true
	r.mu.Unlock()

	grp, gctx := errgroup.WithContext(ctx)
	r.wg.Add(2)

	grp.Go(func() error {
		defer r.wg.Done()
		r.loop(gctx)
		return nil
	})

	grp.Go(func() error {
		defer r.wg.Done()
		if err := r.delegate.Start(r.pollingPeriod); err != nil {
			return err
		}
		return nil
	})

	started := make(chan struct{})
	go func() {
		r.delegate.Wait()
		close(started)
	}()
	select {
	case <-started:
	case <-gctx.Done():
		return grp.Wait()
	}
	return nil
}

func (r *Registry) loop(ctx context.Context) {
	for {
		select {
		case event := <-r.delegate.Event:
			if event.IsDir() {
				continue
			}
			r.onChange(event)
		case err := <-r.delegate.Error:
			// Without the watcher, dispatch can no longer observe appends.
			r.logger.CaptureFatalAndPanic(fmt.Errorf("registry: watcher error: %w", err))
		case <-r.delegate.Closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) onChange(evt poller.Event) {
	dir := filepath.Dir(evt.Path)
	base := filepath.Base(evt.Path)

	r.mu.Lock()
	topicID, ok := r.dirTopic[dir]
	r.mu.Unlock()
	if !ok {
		return
	}

	kind := FileAppended
	if evt.Op == poller.Create {
		kind = FileCreated
	}

	select {
	case r.events <- Event{TopicID: topicID, FileName: base, Kind: kind}:
	default:
		r.logger.Warn("registry: event queue full, dropping event", "topic_id", topicID, "file", base)
	}
}

// Close stops the watcher and waits for its goroutines to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	delegate := r.delegate
	r.mu.Unlock()
	if delegate != nil {
		delegate.Close()
	}
	r.wg.Wait()
}

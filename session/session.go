// Package session runs independent estimators side by side, one per tracked
// device, each owned by its own driver goroutine.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChristopherRabotin/gofusion"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
)

// Factory builds the filter of a new session and the options of its driver.
// A nil logger or metrics registry in the options is replaced by the registry's,
// tagged with the session id.
type Factory func(id string) (gofusion.Filter, gofusion.DriverOptions, error)

// Options configures a Registry. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics gometrics.Registry
	Buffer  int // Capacity of each session's measurement queue.

	// OnSnapshot receives every snapshot of an initialized session. It is called
	// from the session goroutines, concurrently across sessions.
	OnSnapshot func(id string, s gofusion.Snapshot)
}

// Registry holds the open sessions by id.
type Registry struct {
	ctx      context.Context
	cancel   context.CancelFunc
	factory  Factory
	opts     Options
	log      *slog.Logger
	sessions cmap.ConcurrentMap[string, *Session]
	open     gometrics.Counter
}

// New returns an empty registry building its sessions with factory. The sessions
// stop when ctx is done or on Shutdown.
func New(ctx context.Context, factory Factory, opts Options) (*Registry, error) {
	if factory == nil {
		return nil, errors.Wrap(gofusion.ErrInvalidInput, "a session factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = gometrics.NewRegistry()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:      ctx,
		cancel:   cancel,
		factory:  factory,
		opts:     opts,
		log:      opts.Logger,
		sessions: cmap.New[*Session](),
		open:     gometrics.GetOrRegisterCounter("fusion.sessions", opts.Metrics),
	}, nil
}

// Session is one estimator fed by its own goroutine.
type Session struct {
	ID    string
	Since time.Time

	driver *gofusion.Driver
	in     chan gofusion.Measurement
	done   chan struct{}
	err    error

	mu     sync.RWMutex
	closed bool
}

// Open creates and starts the session id.
func (r *Registry) Open(id string) (*Session, error) {
	if _, ok := r.sessions.Get(id); ok {
		return nil, errors.Wrap(ErrSessionExists, id)
	}
	s, err := r.newSession(id)
	if err != nil {
		return nil, err
	}
	if !r.sessions.SetIfAbsent(id, s) {
		return nil, errors.Wrap(ErrSessionExists, id)
	}
	r.start(s)
	return s, nil
}

// GetOrOpen returns the session id, opening it if needed.
func (r *Registry) GetOrOpen(id string) (*Session, error) {
	if s, ok := r.sessions.Get(id); ok {
		return s, nil
	}
	s, err := r.newSession(id)
	if err != nil {
		return nil, err
	}
	if !r.sessions.SetIfAbsent(id, s) {
		// Lost the race, s was never started.
		s, _ = r.sessions.Get(id)
		return s, nil
	}
	r.start(s)
	return s, nil
}

func (r *Registry) newSession(id string) (*Session, error) {
	filter, opts, err := r.factory(id)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s", id)
	}
	if opts.Logger == nil {
		opts.Logger = r.log.With("session", id)
	}
	if opts.Metrics == nil {
		opts.Metrics = gometrics.NewPrefixedChildRegistry(r.opts.Metrics, "session."+id+".")
	}
	driver, err := gofusion.NewDriver(filter, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s", id)
	}
	return &Session{
		ID:     id,
		Since:  time.Now(),
		driver: driver,
		in:     make(chan gofusion.Measurement, r.opts.Buffer),
		done:   make(chan struct{}),
	}, nil
}

func (r *Registry) start(s *Session) {
	r.open.Inc(1)
	r.log.Info("session opened", "session", s.ID)
	var out func(gofusion.Snapshot)
	if r.opts.OnSnapshot != nil {
		out = func(snap gofusion.Snapshot) { r.opts.OnSnapshot(s.ID, snap) }
	}
	go func() {
		defer close(s.done)
		s.err = s.driver.Run(r.ctx, s.in, out)
	}()
}

// Get returns the session id.
func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	return r.sessions.Count()
}

// IDs returns the ids of the open sessions, in no particular order.
func (r *Registry) IDs() []string {
	return r.sessions.Keys()
}

// Send queues a measurement for the session id. It blocks while the queue is full.
func (r *Registry) Send(ctx context.Context, id string, m gofusion.Measurement) error {
	s, ok := r.sessions.Get(id)
	if !ok {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	return s.Send(ctx, m)
}

// Snapshot returns the latest snapshot of the session id.
func (r *Registry) Snapshot(id string) (gofusion.Snapshot, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return gofusion.Snapshot{}, errors.Wrap(ErrSessionNotFound, id)
	}
	return s.Snapshot(), nil
}

// Close stops the session id once its queued measurements are processed.
func (r *Registry) Close(id string) error {
	s, ok := r.sessions.Pop(id)
	if !ok {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	r.open.Dec(1)
	err := s.close()
	r.log.Info("session closed", "session", s.ID, "time", s.driver.Filter().Stamp())
	return err
}

// CloseAll closes every session and returns the first error encountered.
func (r *Registry) CloseAll() error {
	var first error
	for _, id := range r.sessions.Keys() {
		if err := r.Close(id); err != nil && first == nil && !errors.Is(err, ErrSessionNotFound) {
			first = err
		}
	}
	return first
}

// Shutdown cancels every session without waiting for their queues to drain.
func (r *Registry) Shutdown() {
	r.cancel()
	for _, id := range r.sessions.Keys() {
		if s, ok := r.sessions.Pop(id); ok {
			r.open.Dec(1)
			s.close()
		}
	}
}

// Send queues a measurement. It blocks while the queue is full.
func (s *Session) Send(ctx context.Context, m gofusion.Measurement) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Wrap(ErrSessionClosed, s.ID)
	}
	select {
	case s.in <- m:
		return nil
	case <-s.done:
		return errors.Wrap(ErrSessionClosed, s.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest snapshot published by the session's estimator.
func (s *Session) Snapshot() gofusion.Snapshot {
	return s.driver.Filter().Snapshot()
}

func (s *Session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.in)
	}
	s.mu.Unlock()
	<-s.done
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

package eventbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
)

var (
	// ErrPlanNotPublished is returned for a ToolUpdate published before the
	// execution's first PlanUpdate.
	ErrPlanNotPublished = errors.New("plan not published")

	// ErrStreamClosed is returned for events published after the terminal
	// event or after the consumer went away.
	ErrStreamClosed = errors.New("stream closed")

	// ErrStreamExists is returned when opening a stream for an execution that
	// already has one.
	ErrStreamExists = errors.New("stream already exists")

	// ErrUnknownStream is returned when publishing for an execution without a stream.
	ErrUnknownStream = errors.New("unknown stream")
)

// DefaultBufferSize is the per-execution queue bound.
const DefaultBufferSize = 256

// Options configures a Bus.
type Options struct {
	// BufferSize bounds each stream's queue. Overflow drops the oldest
	// ToolUpdate or Content event.
	BufferSize int

	// OnDrop is invoked for every event discarded because of overflow.
	OnDrop func(executionID string, t core.EventType)

	Logger logging.Logger
}

// Bus owns the event streams of all live executions.
type Bus struct {
	opts Options

	mu      sync.RWMutex
	streams map[string]*Stream
}

// New creates a Bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		BufferSize: DefaultBufferSize,
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	return &Bus{opts: opts, streams: make(map[string]*Stream)}
}

// WithBufferSize sets the per-stream queue bound.
func WithBufferSize(n int) func(o *Options) {
	return func(o *Options) { o.BufferSize = n }
}

// WithDropHandler registers a callback for overflow drops.
func WithDropHandler(fn func(executionID string, t core.EventType)) func(o *Options) {
	return func(o *Options) { o.OnDrop = fn }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Open creates the stream for an execution.
func (b *Bus) Open(executionID string) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[executionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, executionID)
	}

	s := newStream(executionID, b.opts.BufferSize, b.handleDrop)
	b.streams[executionID] = s

	return s, nil
}

// Get returns the stream of an execution.
func (b *Bus) Get(executionID string) (*Stream, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[executionID]
	return s, ok
}

// Publish routes ev to the stream named by ev.ExecutionID.
func (b *Bus) Publish(ev core.Event) (core.Event, error) {
	s, ok := b.Get(ev.ExecutionID)
	if !ok {
		return ev, fmt.Errorf("%w: %s", ErrUnknownStream, ev.ExecutionID)
	}
	return s.Publish(ev)
}

// Remove closes and forgets the stream of an execution.
func (b *Bus) Remove(executionID string) {
	b.mu.Lock()
	s, ok := b.streams[executionID]
	delete(b.streams, executionID)
	b.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of open streams.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

func (b *Bus) handleDrop(executionID string, t core.EventType) {
	b.opts.Logger.Warn("eventbus.drop", "execution_id", executionID, "type", string(t))
	if b.opts.OnDrop != nil {
		b.opts.OnDrop(executionID, t)
	}
}

package eventbus

import (
	"sync"
	"time"

	"github.com/hupe1980/planmesh/core"
)

// Stream is the ordered event stream of a single execution.
//
// Publish never blocks: events are appended to a bounded queue under the
// stream lock and a pump goroutine forwards them to the consumer channel
// returned by Events. Sequence numbers are assigned under the same lock, so
// the delivery order is the sequence order.
type Stream struct {
	executionID string
	bufferSize  int
	onDrop      func(executionID string, t core.EventType)

	mu            sync.Mutex
	queue         []core.Event
	seq           uint64
	planPublished bool
	terminated    bool
	dropped       uint64

	notify   chan struct{}
	out      chan core.Event
	done     chan struct{}
	drained  chan struct{}
	doneOnce sync.Once
	endOnce  sync.Once
}

func newStream(executionID string, bufferSize int, onDrop func(string, core.EventType)) *Stream {
	s := &Stream{
		executionID: executionID,
		bufferSize:  bufferSize,
		onDrop:      onDrop,
		notify:      make(chan struct{}, 1),
		out:         make(chan core.Event),
		done:        make(chan struct{}),
		drained:     make(chan struct{}),
	}

	go s.pump()

	return s
}

// ExecutionID returns the id of the execution the stream belongs to.
func (s *Stream) ExecutionID() string { return s.executionID }

// Publish stamps ev with the next sequence number and enqueues it.
//
// It fails with ErrPlanNotPublished for a ToolUpdate that precedes the first
// PlanUpdate and with ErrStreamClosed once a terminal event was accepted or
// the consumer closed the stream. The returned event carries the assigned
// sequence number.
func (s *Stream) Publish(ev core.Event) (core.Event, error) {
	s.mu.Lock()

	if s.terminated || s.isDone() {
		s.mu.Unlock()
		return ev, ErrStreamClosed
	}
	if ev.Type == core.EventToolUpdate && !s.planPublished {
		s.mu.Unlock()
		return ev, ErrPlanNotPublished
	}

	s.seq++
	ev.Sequence = s.seq
	ev.ExecutionID = s.executionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	switch {
	case ev.Type == core.EventPlanUpdate:
		s.planPublished = true
	case ev.IsTerminal():
		s.terminated = true
	}

	var droppedType core.EventType
	if len(s.queue) >= s.bufferSize {
		droppedType = s.dropOldestLocked()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	if droppedType != "" && s.onDrop != nil {
		s.onDrop(s.executionID, droppedType)
	}

	return ev, nil
}

// dropOldestLocked removes the oldest droppable event. PlanUpdate and
// terminal events are never dropped; if the queue holds nothing else it is
// allowed to exceed its bound.
func (s *Stream) dropOldestLocked() core.EventType {
	for i, q := range s.queue {
		if q.Type == core.EventToolUpdate || q.Type == core.EventContent {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped++
			return q.Type
		}
	}
	return ""
}

func (s *Stream) pump() {
	defer s.finish()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = core.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}

		if ev.IsTerminal() {
			return
		}
	}
}

func (s *Stream) finish() {
	s.endOnce.Do(func() {
		close(s.out)
		close(s.drained)
	})
}

func (s *Stream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Events returns the consumer channel. It is closed after the terminal event
// was delivered or the stream was closed.
func (s *Stream) Events() <-chan core.Event { return s.out }

// Drained is closed once the consumer received the terminal event or the
// stream was closed.
func (s *Stream) Drained() <-chan struct{} { return s.drained }

// Close detaches the consumer. Pending events are discarded and later
// publishes fail with ErrStreamClosed. Close is idempotent.
func (s *Stream) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Sequence returns the last assigned sequence number.
func (s *Stream) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Terminated reports whether a terminal event has been accepted.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Dropped returns how many events were discarded because of overflow.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Emitter returns a core.Emitter publishing into this stream.
func (s *Stream) Emitter() core.Emitter {
	return core.EmitterFunc(func(ev core.Event) error {
		_, err := s.Publish(ev)
		return err
	})
}

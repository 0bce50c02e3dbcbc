package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/planmesh/core"
)

// ErrRecorderClosed is returned by Recorder.Emit after a terminal event.
var ErrRecorderClosed = errors.New("recorder closed")

// Recorder is an in-memory core.Emitter that stamps sequence numbers and
// stops accepting events after the first terminal event, like a stream.
type Recorder struct {
	mu     sync.Mutex
	events []core.Event
	seq    uint64
	closed bool
	done   chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{done: make(chan struct{})} }

// Emit implements core.Emitter.
func (r *Recorder) Emit(ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	r.seq++
	ev.Sequence = r.seq
	r.events = append(r.events, ev)
	if ev.IsTerminal() {
		r.closed = true
		close(r.done)
	}
	return nil
}

// Done is closed once a terminal event was recorded.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Wait blocks until a terminal event arrives or d elapses.
func (r *Recorder) Wait(d time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []core.EventType {
	evs := r.Events()
	out := make([]core.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// Count returns the number of events of type t.
func (r *Recorder) Count(t core.EventType) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Terminal returns the terminal event, if any.
func (r *Recorder) Terminal() (core.Event, bool) {
	for _, ev := range r.Events() {
		if ev.IsTerminal() {
			return ev, true
		}
	}
	return core.Event{}, false
}

// StepStatuses returns the ToolUpdate statuses reported for a step.
func (r *Recorder) StepStatuses(stepID string) []core.StepStatus {
	var out []core.StepStatus
	for _, ev := range r.Events() {
		if ev.Type == core.EventToolUpdate && ev.StepID == stepID {
			out = append(out, ev.StepStatus)
		}
	}
	return out
}

// Plans returns the plans broadcast in PlanUpdate events.
func (r *Recorder) Plans() []*core.PlanGraph {
	var out []*core.PlanGraph
	for _, ev := range r.Events() {
		if ev.Type == core.EventPlanUpdate {
			out = append(out, ev.Plan)
		}
	}
	return out
}

// Package eventbus delivers execution events to consumers.
//
// Each execution owns one Stream. Publishing is non-blocking and assigns
// strictly increasing sequence numbers; a ToolUpdate is rejected until the
// execution's first PlanUpdate went out and nothing is accepted after the
// terminal FinalResult or Error event. Queues are bounded: on overflow the
// oldest ToolUpdate or Content event is dropped, while PlanUpdate and terminal
// events are always kept.
package eventbus

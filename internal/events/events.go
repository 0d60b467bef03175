// Package events carries lifecycle events from the run core to observers.
//
// Sinks observe; they never drive control. The loop emits events in order,
// and the async dispatcher preserves that order per run.
package events

import (
	"context"
	"sync"
	"time"
)

// Event kinds emitted by the run core.
const (
	KindRunStarted        = "run_started"
	KindRunFinished       = "run_finished"
	KindStepStarted       = "step_started"
	KindToolProposed      = "tool_proposed"
	KindGateDecision      = "gate_decision"
	KindToolExecStart     = "tool_exec_start"
	KindToolExecEnd       = "tool_exec_end"
	KindApprovalRequested = "approval_requested"
	KindApprovalResolved  = "approval_resolved"
	KindProviderRetry     = "provider_retry"
	KindMCPProgress       = "mcp_progress"
	KindDiagnostic        = "diagnostic"
)

// Event is a single lifecycle observation.
type Event struct {
	RunID string         `json:"run_id"`
	Step  int            `json:"step"`
	Kind  string         `json:"kind"`
	Time  time.Time      `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

// Sink receives lifecycle events.
type Sink interface {
	Emit(ev Event)
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) Emit(Event) {}

// Collector accumulates events in memory. Used by tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a copy of the collected events in emission order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Kinds returns the collected event kinds in order.
func (c *Collector) Kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

// Dispatcher forwards events to a downstream sink on a background worker.
// Emission order is preserved; a full queue blocks the emitter rather than
// dropping or reordering.
type Dispatcher struct {
	downstream Sink
	queue      chan Event
	done       chan struct{}
	closeOnce  sync.Once
}

// NewDispatcher starts the dispatch worker.
func NewDispatcher(downstream Sink) *Dispatcher {
	d := &Dispatcher{
		downstream: downstream,
		queue:      make(chan Event, 128),
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		d.downstream.Emit(ev)
	}
}

func (d *Dispatcher) Emit(ev Event) {
	d.queue <- ev
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.queue) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

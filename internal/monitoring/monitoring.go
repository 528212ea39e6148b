// Package monitoring defines the one-way message channel the kernel emits
// workflow and task records on. The monitor is optional; the emitter is
// nil-safe and never lets a sink failure reach the kernel.
package monitoring

import (
	"github.com/hashicorp/go-hclog"
)

// MessageType classifies a monitoring record.
type MessageType int

const (
	WorkflowInfo MessageType = iota
	TaskInfo
)

func (m MessageType) String() string {
	switch m {
	case WorkflowInfo:
		return "WORKFLOW_INFO"
	case TaskInfo:
		return "TASK_INFO"
	default:
		return "UNKNOWN"
	}
}

// Sink receives typed messages with flat-record payloads.
type Sink interface {
	Send(mt MessageType, payload map[string]any) error
}

// Closer is an optional sink capability; the kernel closes the sink at
// cleanup when present.
type Closer interface {
	Close() error
}

// Emitter wraps an optional sink. A nil sink makes every send a no-op;
// send errors are logged and swallowed.
type Emitter struct {
	logger hclog.Logger
	sink   Sink
}

// NewEmitter wraps sink, which may be nil.
func NewEmitter(logger hclog.Logger, sink Sink) *Emitter {
	return &Emitter{logger: logger.Named("monitoring"), sink: sink}
}

// Enabled reports whether a sink is attached.
func (e *Emitter) Enabled() bool { return e != nil && e.sink != nil }

// Send forwards one message to the sink, if any.
func (e *Emitter) Send(mt MessageType, payload map[string]any) {
	if !e.Enabled() {
		return
	}
	if err := e.sink.Send(mt, payload); err != nil {
		e.logger.Error("monitoring send failed", "type", mt.String(), "error", err)
	}
}

// Close shuts the sink down when it supports that.
func (e *Emitter) Close() {
	if !e.Enabled() {
		return
	}
	if c, ok := e.sink.(Closer); ok {
		if err := c.Close(); err != nil {
			e.logger.Error("monitoring close failed", "error", err)
		}
	}
}

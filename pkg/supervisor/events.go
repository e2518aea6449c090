package supervisor

import (
	"time"

	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/units"
)

// TransitionEvent describes one unit state change. Events are the
// supervisor's observability output; sinks decide the format.
type TransitionEvent struct {
	Unit   string          `json:"unit"`
	From   units.UnitState `json:"from"`
	To     units.UnitState `json:"to"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}

// EventSink receives unit state transition events. Handlers run on
// supervisor goroutines and must not block.
type EventSink interface {
	HandleTransition(event TransitionEvent)
}

// logSink writes transitions to the supervisor log.
type logSink struct {
	logger logging.Logger
}

func NewLogSink(logger logging.Logger) EventSink {
	return &logSink{logger: logger}
}

func (s *logSink) HandleTransition(event TransitionEvent) {
	s.logger.Infof("Unit state changed, unit: %s, %s -> %s, reason: %s",
		event.Unit, event.From, event.To, event.Reason)
}

// ChannelSink buffers transitions on a channel, dropping when full. Used by
// tests and by pollers that tail the transition stream.
type ChannelSink struct {
	events chan TransitionEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		events: make(chan TransitionEvent, buffer),
	}
}

func (s *ChannelSink) HandleTransition(event TransitionEvent) {
	select {
	case s.events <- event:
	default:
		// Slow consumer, drop rather than stall the supervisor
	}
}

func (s *ChannelSink) Events() <-chan TransitionEvent {
	return s.events
}

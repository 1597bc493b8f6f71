package agent

import (
	"context"

	"github.com/haasonsaas/strand/pkg/models"
)

// EventSink receives events during an agent run.
// Implementations must be safe to call from multiple goroutines and
// should be non-blocking or handle backpressure gracefully.
type EventSink interface {
	Emit(ctx context.Context, e models.Event)
}

// ChanSink sends events to a channel, dropping when the channel is full.
type ChanSink struct {
	ch chan<- models.Event
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered to avoid drops under bursts.
func NewChanSink(ch chan<- models.Event) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event, preferring delivery of terminal status and error
// events over returning promptly.
func (s *ChanSink) Emit(ctx context.Context, e models.Event) {
	select {
	case s.ch <- e:
		return
	default:
	}

	// Terminal events block until delivered or the consumer is gone.
	if e.Type == models.EventError || (e.Type == models.EventStatus && e.Status != nil && e.Status.State.Terminal()) {
		select {
		case s.ch <- e:
		case <-ctx.Done():
		}
		return
	}

	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.Event)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// MultiSink fans out events to multiple sinks. Nil sinks are filtered.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink dispatching to every non-nil sink.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks in order.
func (s *MultiSink) Emit(ctx context.Context, e models.Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.Event) {}

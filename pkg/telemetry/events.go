package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one progress notification emitted while a run executes.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id,omitempty"`

	// Layer is the raster layer key, if the event concerns one.
	Layer string `json:"layer,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data carries event-specific values.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the run pipeline.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeLayerWritten    = "layer.written"
	EventTypeLayerSkipped    = "layer.skipped"
	EventTypeWarningRaised   = "warning.raised"
	EventTypePolicyViolation = "policy.violation"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter decides whether a subscriber receives an event.
type EventFilter func(event Event) bool

// EventBus fans run progress events out to subscribers. Delivery is
// synchronous and in publish order; subscribers must not block.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []subscriberEntry
	closed      bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a subscriber. filter may be nil to receive every
// event.
func (b *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriberEntry{subscriber, filter})
}

// Publish delivers an event to all matching subscribers. The ID and
// timestamp are filled in when unset.
func (b *EventBus) Publish(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, entry := range b.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
	return nil
}

// PublishRunStarted announces a run entering the pipeline.
func (b *EventBus) PublishRunStarted(runID, mode string, layers int) error {
	return b.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("run %s started in %s mode over %d layers", runID, mode, layers),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"mode":   mode,
			"layers": layers,
		},
	})
}

// PublishRunCompleted announces a run reaching a terminal state.
func (b *EventBus) PublishRunCompleted(runID, state string, duration time.Duration) error {
	return b.Publish(Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed in state %s", runID, state),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"state":    state,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed announces a run that stopped before writing output.
func (b *EventBus) PublishRunFailed(runID, reason string) error {
	return b.Publish(Event{
		Type:    EventTypeRunFailed,
		RunID:   runID,
		Message: fmt.Sprintf("run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishLayerWritten announces one layer's output raster.
func (b *EventBus) PublishLayerWritten(runID, layer, output string, pixels int) error {
	return b.Publish(Event{
		Type:    EventTypeLayerWritten,
		RunID:   runID,
		Layer:   layer,
		Message: fmt.Sprintf("layer %s written to %s (%d pixels modified)", layer, output, pixels),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"output": output,
			"pixels": pixels,
		},
	})
}

// PublishLayerSkipped announces a layer left untouched.
func (b *EventBus) PublishLayerSkipped(runID, layer, reason string) error {
	return b.Publish(Event{
		Type:    EventTypeLayerSkipped,
		RunID:   runID,
		Layer:   layer,
		Message: fmt.Sprintf("layer %s skipped: %s", layer, reason),
		Level:   EventLevelInfo,
	})
}

// PublishWarning announces a run warning.
func (b *EventBus) PublishWarning(runID, code, layer, message string) error {
	return b.Publish(Event{
		Type:    EventTypeWarningRaised,
		RunID:   runID,
		Layer:   layer,
		Message: message,
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"code": code,
		},
	})
}

// PublishPolicyViolation announces a policy rejection.
func (b *EventBus) PublishPolicyViolation(runID, policy, message string) error {
	return b.Publish(Event{
		Type:    EventTypePolicyViolation,
		RunID:   runID,
		Message: fmt.Sprintf("policy %s: %s", policy, message),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policy,
		},
	})
}

// Close stops the bus; further publishes fail.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// FilterByLevel passes events at or above the given severity.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType passes only the named event types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByRun passes only events belonging to one run.
func FilterByRun(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

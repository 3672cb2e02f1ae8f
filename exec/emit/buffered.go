package emit

import "sync"

// BufferedEmitter captures events in memory, organized by run ID.
//
// It is the standard in-test event sink and also serves post-execution
// analysis in development. All events are kept until cleared, so long-lived
// production processes should prefer a streaming backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events in emission order
}

// HistoryFilter selects a subset of a run's events. All fields are optional
// and combine with AND logic.
type HistoryFilter struct {
	// NodeID keeps only events from a specific node.
	NodeID string

	// Msg keeps only events with an exact message name.
	Msg string

	// MinStep / MaxStep bound the step range (nil means unbounded).
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events for a run in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the run's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[runID] {
		if filter.NodeID != "" && ev.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		if filter.MinStep != nil && ev.Step < *filter.MinStep {
			continue
		}
		if filter.MaxStep != nil && ev.Step > *filter.MaxStep {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear removes all events for one run.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, runID)
}

// ClearAll removes every recorded event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}

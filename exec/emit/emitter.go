package emit

// Emitter receives observability events from the execution core.
//
// Implementations should be:
//   - Non-blocking: never stall the scheduler
//   - Thread-safe: Emit is called concurrently from branch workers
//   - Resilient: a failing backend must not crash the workflow
//
// The core treats a nil Emitter as "no sink attached" and skips emission
// entirely, so no implementation is required for correct execution.
type Emitter interface {
	// Emit delivers one event. It must not panic; backend errors should be
	// handled internally (dropped, buffered, or logged).
	Emit(event Event)
}

// MultiEmitter fans every event out to a list of emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines several emitters into one. Nil entries are
// skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

// Emit delivers the event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

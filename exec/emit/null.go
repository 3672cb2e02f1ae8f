package emit

// NullEmitter discards all events. It is the explicit form of "no sink
// attached" for call sites that want a non-nil Emitter.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything. Safe for
// concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

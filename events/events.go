package events

// Event is a typed record of a completed state transition, exposed to
// downstream consumers such as the RPC layer and indexers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to subscribers.
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Engines default
// to it so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

// Recorder buffers emitted events in order. Useful for tests and for the
// in-process event feed served over RPC.
type Recorder struct {
	Events []*Event
}

// Emit appends the event to the buffer.
func (r *Recorder) Emit(evt *Event) {
	if r == nil || evt == nil {
		return
	}
	r.Events = append(r.Events, evt)
}

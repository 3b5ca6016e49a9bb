package entities

// StreamEventKind discriminates the events carried on an answer stream.
type StreamEventKind string

const (
	StreamEventChunk StreamEventKind = "chunk"
	StreamEventDone  StreamEventKind = "done"
	StreamEventError StreamEventKind = "error"
)

// StreamEvent is the unit on the wire for streamed answers. Exactly one done
// or error event terminates a stream; nothing is delivered after it.
type StreamEvent struct {
	Kind    StreamEventKind `json:"kind"`
	Content string          `json:"content,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == StreamEventDone || e.Kind == StreamEventError
}

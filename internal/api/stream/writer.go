// Package stream implements the server-sent-events wire format used to
// deliver answers chunk by chunk, on both sides: a Writer that frames events
// onto an http.ResponseWriter and a Reader that parses frames back into
// events.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// doneSentinel terminates every successfully completed stream.
const doneSentinel = "[DONE]"

// State tracks a stream connection through its lifecycle. Transitions only
// move forward; a terminal state is final.
type State int

const (
	StateIdle State = iota
	StateOpened
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the stream.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type chunkFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Writer frames stream events as server-sent events. Not safe for
// concurrent use; a stream has a single producer.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	state   State
	chunks  int
}

// NewWriter wraps a response writer for SSE delivery. Fails when the
// underlying writer cannot flush, since buffered SSE defeats streaming.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apperrors.NewInternalError("response writer does not support streaming", nil)
	}
	return &Writer{w: w, flusher: flusher, state: StateIdle}, nil
}

// Open writes the SSE headers. Must be called exactly once, before any
// frame.
func (w *Writer) Open() error {
	if w.state != StateIdle {
		return apperrors.NewStreamTerminatedError("stream already opened", nil)
	}
	w.w.Header().Set("Content-Type", "text/event-stream")
	w.w.Header().Set("Cache-Control", "no-cache")
	w.w.Header().Set("Connection", "keep-alive")
	w.w.Header().Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	w.flusher.Flush()
	w.state = StateOpened
	return nil
}

// WriteChunk sends one content frame.
func (w *Writer) WriteChunk(content string) error {
	if w.state != StateOpened && w.state != StateStreaming {
		return apperrors.NewStreamTerminatedError("stream is not open", nil)
	}
	payload, err := json.Marshal(chunkFrame{Content: content})
	if err != nil {
		return apperrors.NewInternalError("failed to encode stream chunk", err)
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		w.state = StateFailed
		return apperrors.NewStreamTerminatedError("failed to write stream chunk", err)
	}
	w.flusher.Flush()
	w.state = StateStreaming
	w.chunks++
	return nil
}

// WriteError sends an error frame and moves the stream to its failed state.
func (w *Writer) WriteError(message string) error {
	if w.state.Terminal() {
		return apperrors.NewStreamTerminatedError("stream already terminated", nil)
	}
	payload, err := json.Marshal(errorFrame{Error: message})
	if err == nil {
		fmt.Fprintf(w.w, "data: %s\n\n", payload)
		w.flusher.Flush()
	}
	w.state = StateFailed
	return nil
}

// Complete sends the done sentinel and moves the stream to its completed
// state.
func (w *Writer) Complete() error {
	if w.state.Terminal() {
		return apperrors.NewStreamTerminatedError("stream already terminated", nil)
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", doneSentinel); err != nil {
		w.state = StateFailed
		return apperrors.NewStreamTerminatedError("failed to write done sentinel", err)
	}
	w.flusher.Flush()
	w.state = StateCompleted
	return nil
}

// Cancel marks the stream cancelled. No frame is written; cancellation means
// the client is gone.
func (w *Writer) Cancel() {
	if !w.state.Terminal() {
		w.state = StateCancelled
	}
}

// Heartbeat writes an SSE comment to keep idle connections alive. Comments
// are invisible to event consumers.
func (w *Writer) Heartbeat() {
	if w.state.Terminal() {
		return
	}
	fmt.Fprint(w.w, ": heartbeat\n\n")
	w.flusher.Flush()
}

// State returns the writer's current lifecycle state.
func (w *Writer) State() State {
	return w.state
}

// ChunkCount returns how many content frames have been written.
func (w *Writer) ChunkCount() int {
	return w.chunks
}

// Serve drains an event channel onto the writer until a terminal event,
// context cancellation, or channel close, emitting heartbeats while the
// producer is quiet. It returns the writer's final state.
func Serve(ctx context.Context, w *Writer, events <-chan entities.StreamEvent, heartbeatInterval time.Duration) State {
	if w.state == StateIdle {
		if err := w.Open(); err != nil {
			return w.State()
		}
	}

	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	logger := observability.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Int("chunks", w.ChunkCount()).Msg("client disconnected mid-stream")
			w.Cancel()
			return w.State()
		case <-ticker.C:
			w.Heartbeat()
		case event, ok := <-events:
			if !ok {
				// Producer closed without a terminal event.
				w.WriteError("stream terminated unexpectedly")
				return w.State()
			}
			switch event.Kind {
			case entities.StreamEventChunk:
				if err := w.WriteChunk(event.Content); err != nil {
					logger.Warn().Err(err).Msg("stream write failed")
					return w.State()
				}
			case entities.StreamEventDone:
				w.Complete()
				return w.State()
			case entities.StreamEventError:
				w.WriteError(event.Message)
				return w.State()
			}
		}
	}
}

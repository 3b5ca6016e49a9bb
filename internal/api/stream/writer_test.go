package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
)

func TestWriterLifecycle(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, writer.State())

	require.NoError(t, writer.Open())
	assert.Equal(t, StateOpened, writer.State())
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", recorder.Header().Get("Cache-Control"))

	require.NoError(t, writer.WriteChunk("Hello, "))
	require.NoError(t, writer.WriteChunk("Doctor."))
	assert.Equal(t, StateStreaming, writer.State())
	assert.Equal(t, 2, writer.ChunkCount())

	require.NoError(t, writer.Complete())
	assert.Equal(t, StateCompleted, writer.State())

	body := recorder.Body.String()
	assert.Contains(t, body, `data: {"content":"Hello, "}`+"\n\n")
	assert.Contains(t, body, `data: {"content":"Doctor."}`+"\n\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestWriterRejectsChunkBeforeOpen(t *testing.T) {
	writer, err := NewWriter(httptest.NewRecorder())
	require.NoError(t, err)

	assert.Error(t, writer.WriteChunk("too early"))
}

func TestWriterRejectsWritesAfterTerminal(t *testing.T) {
	writer, err := NewWriter(httptest.NewRecorder())
	require.NoError(t, err)
	require.NoError(t, writer.Open())
	require.NoError(t, writer.Complete())

	assert.Error(t, writer.WriteChunk("late"))
	assert.Error(t, writer.Complete())
	assert.Error(t, writer.WriteError("late failure"))
}

func TestWriterErrorFrame(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)
	require.NoError(t, writer.Open())
	require.NoError(t, writer.WriteChunk("partial"))
	require.NoError(t, writer.WriteError("provider unavailable"))

	assert.Equal(t, StateFailed, writer.State())
	body := recorder.Body.String()
	assert.Contains(t, body, `data: {"error":"provider unavailable"}`)
	assert.NotContains(t, body, "[DONE]")
}

func TestWriterHeartbeatIsComment(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)
	require.NoError(t, writer.Open())
	writer.Heartbeat()

	assert.Contains(t, recorder.Body.String(), ": heartbeat\n\n")
}

func TestServeCompletesStream(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)

	events := make(chan entities.StreamEvent, 3)
	events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: "Glucose "}
	events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: "104 mg/dL."}
	events <- entities.StreamEvent{Kind: entities.StreamEventDone}
	close(events)

	state := Serve(context.Background(), writer, events, time.Minute)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 2, writer.ChunkCount())
	assert.True(t, strings.HasSuffix(recorder.Body.String(), "data: [DONE]\n\n"))
}

func TestServeCancelledMidStream(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan entities.StreamEvent)
	go func() {
		for _, content := range []string{"The ", "latest ", "HbA1c "} {
			events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: content}
		}
		// Client disconnects after the third chunk; the producer never
		// sends a terminal event.
		cancel()
	}()

	state := Serve(ctx, writer, events, time.Minute)
	assert.Equal(t, StateCancelled, state)
	assert.Equal(t, 3, writer.ChunkCount())
	assert.NotContains(t, recorder.Body.String(), "[DONE]")
}

func TestServeProducerClosedWithoutTerminal(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)

	events := make(chan entities.StreamEvent, 1)
	events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: "partial"}
	close(events)

	state := Serve(context.Background(), writer, events, time.Minute)
	assert.Equal(t, StateFailed, state)
	assert.Contains(t, recorder.Body.String(), "stream terminated unexpectedly")
}

func TestServeForwardsErrorEvent(t *testing.T) {
	recorder := httptest.NewRecorder()
	writer, err := NewWriter(recorder)
	require.NoError(t, err)

	events := make(chan entities.StreamEvent, 1)
	events <- entities.StreamEvent{Kind: entities.StreamEventError, Message: "upstream timeout"}
	close(events)

	state := Serve(context.Background(), writer, events, time.Minute)
	assert.Equal(t, StateFailed, state)
	assert.Contains(t, recorder.Body.String(), `data: {"error":"upstream timeout"}`)
}

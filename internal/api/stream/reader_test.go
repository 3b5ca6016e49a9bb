package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

func TestReaderParsesFrames(t *testing.T) {
	raw := "data: {\"content\":\"Hello, \"}\n\n" +
		"data: {\"content\":\"Doctor.\"}\n\n" +
		"data: [DONE]\n\n"
	reader := NewReader(strings.NewReader(raw))

	first, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, entities.StreamEventChunk, first.Kind)
	assert.Equal(t, "Hello, ", first.Content)

	second, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "Doctor.", second.Content)

	terminal, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, entities.StreamEventDone, terminal.Kind)

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderSkipsMalformedAndComments(t *testing.T) {
	raw := ": heartbeat\n\n" +
		"data: not json\n\n" +
		"event: noise\n\n" +
		"data: {\"content\":\"kept\"}\n\n" +
		"data: [DONE]\n\n"
	reader := NewReader(strings.NewReader(raw))

	event, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "kept", event.Content)

	terminal, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, entities.StreamEventDone, terminal.Kind)
}

func TestReaderErrorFrame(t *testing.T) {
	raw := "data: {\"content\":\"partial\"}\n\n" +
		"data: {\"error\":\"provider unavailable\"}\n\n"
	reader := NewReader(strings.NewReader(raw))

	_, err := reader.Next()
	require.NoError(t, err)

	event, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, entities.StreamEventError, event.Kind)
	assert.Equal(t, "provider unavailable", event.Message)
}

func TestReaderTruncatedStream(t *testing.T) {
	reader := NewReader(strings.NewReader("data: {\"content\":\"partial\"}\n\n"))

	_, err := reader.Next()
	require.NoError(t, err)

	_, err = reader.Next()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStreamTerminated))
}

func TestCollectAssemblesFullAnswer(t *testing.T) {
	raw := "data: {\"content\":\"Glucose \"}\n\n" +
		"data: {\"content\":\"104 mg/dL.\"}\n\n" +
		"data: [DONE]\n\n"

	answer, err := NewReader(strings.NewReader(raw)).Collect()
	require.NoError(t, err)
	assert.Equal(t, "Glucose 104 mg/dL.", answer)
}

func TestCollectRejectsPartialAnswer(t *testing.T) {
	raw := "data: {\"content\":\"Glucose \"}\n\n"

	_, err := NewReader(strings.NewReader(raw)).Collect()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStreamTerminated))
}

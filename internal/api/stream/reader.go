package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// Reader parses server-sent events back into stream events. Malformed
// frames are skipped rather than failing the whole stream; a connection
// that ends without a terminal frame is reported as terminated.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader wraps a raw SSE byte stream.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next event. After a terminal event it returns io.EOF.
// A stream that closes without a done or error frame yields a stream
// terminated error so callers can discard the partial answer.
func (r *Reader) Next() (entities.StreamEvent, error) {
	if r.done {
		return entities.StreamEvent{}, io.EOF
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// Not a data frame; skip.
			continue
		}

		if data == doneSentinel {
			r.done = true
			return entities.StreamEvent{Kind: entities.StreamEventDone}, nil
		}

		var chunk chunkFrame
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Content != "" {
			return entities.StreamEvent{Kind: entities.StreamEventChunk, Content: chunk.Content}, nil
		}

		var failure errorFrame
		if err := json.Unmarshal([]byte(data), &failure); err == nil && failure.Error != "" {
			r.done = true
			return entities.StreamEvent{Kind: entities.StreamEventError, Message: failure.Error}, nil
		}
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		return entities.StreamEvent{}, apperrors.NewStreamTerminatedError("stream read failed", err)
	}
	return entities.StreamEvent{}, apperrors.NewStreamTerminatedError("stream ended without terminal frame", nil)
}

// Collect drains the stream and returns the concatenated answer. It fails
// when the stream terminates without a done frame, so partial answers are
// never mistaken for complete ones.
func (r *Reader) Collect() (string, error) {
	var answer strings.Builder
	for {
		event, err := r.Next()
		if err == io.EOF {
			return answer.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch event.Kind {
		case entities.StreamEventChunk:
			answer.WriteString(event.Content)
		case entities.StreamEventDone:
			return answer.String(), nil
		case entities.StreamEventError:
			return "", apperrors.NewStreamTerminatedError(event.Message, nil)
		}
	}
}

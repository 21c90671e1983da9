package mindloom

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// endMarker is the frame the executor publishes after a run reaches a
// terminal state. The stream reports io.EOF once it arrives.
var endMarker = []byte(`{"event":"end"}`)

// RunStream is the SSE view of a run's incremental output. The first frame
// sent by the server is the created run record; it is consumed eagerly and
// exposed through Run. Next returns subsequent result chunks in order and
// io.EOF after the end marker.
type RunStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	run     Run
	done    bool
}

func newRunStream(body io.ReadCloser) (*RunStream, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	stream := &RunStream{body: body, scanner: scanner}
	first, err := stream.nextFrame()
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("read run record: %w", err)
	}
	if err := json.Unmarshal(first, &stream.run); err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return stream, nil
}

// Run returns the record created for this stream.
func (s *RunStream) Run() Run {
	return s.run
}

// Next returns the next result chunk. It returns io.EOF after the end
// marker or when the server closes the stream.
func (s *RunStream) Next() (json.RawMessage, error) {
	if s.done {
		return nil, io.EOF
	}
	frame, err := s.nextFrame()
	if err != nil {
		s.done = true
		return nil, err
	}
	if isEndMarker(frame) {
		s.done = true
		return nil, io.EOF
	}
	return frame, nil
}

// Close releases the underlying connection. Safe to call multiple times.
func (s *RunStream) Close() error {
	s.done = true
	return s.body.Close()
}

// nextFrame scans for the next "data:" line, skipping blank separators.
func (s *RunStream) nextFrame() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		payload, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		frame := make([]byte, len(payload))
		copy(frame, payload)
		return frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func isEndMarker(frame []byte) bool {
	if bytes.Equal(frame, endMarker) {
		return true
	}
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return false
	}
	return probe.Event == "end"
}

package wire

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
)

// Progress stages reported while a streamed lookup runs.
const (
	StageSearching  = "searching"
	StageProcessing = "processing"
	StageComplete   = "complete"
	StageError      = "error"
)

// ProgressChunk is an intermediate status update.
type ProgressChunk struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// FinalChunk carries the outcome of a streamed lookup.
type FinalChunk struct {
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	IsComplete bool   `json:"isComplete"`
	Results    any    `json:"results"`
	Error      string `json:"error,omitempty"`
}

// Stream is a chunked response in progress.
type Stream struct {
	w        *Writer
	last     int
	finished bool
}

// BeginStream writes the chunked response head.
func (w *Writer) BeginStream(status int) (*Stream, error) {
	var buf bytes.Buffer
	writeStatusLine(&buf, status)
	buf.WriteString("Content-Type: application/json; charset=utf-8\r\n")
	buf.WriteString("Transfer-Encoding: chunked\r\n")
	writeCORS(&buf)
	buf.WriteString("Cache-Control: no-cache\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	if err := w.writeAll(buf.Bytes()); err != nil {
		return nil, err
	}
	return &Stream{w: w}, nil
}

// Chunk frames data as "<hex-len>\r\n<data>\r\n" and sends it immediately.
// Empty data is ignored since a zero-length chunk terminates the stream.
func (s *Stream) Chunk(data []byte) error {
	if s.finished {
		return ErrStreamClosed
	}
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 16)
	buf.WriteString(strconv.FormatInt(int64(len(data)), 16))
	buf.WriteString("\r\n")
	buf.Write(data)
	buf.WriteString("\r\n")
	return s.w.writeAll(buf.Bytes())
}

// ChunkJSON encodes v and sends it as one chunk.
func (s *Stream) ChunkJSON(v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("wire: encode chunk: %w", err)
	}
	return s.Chunk(data)
}

// Progress sends a status update. Values lower than the last reported
// progress are clamped so the sequence never decreases.
func (s *Stream) Progress(stage string, progress int) error {
	if progress < s.last {
		progress = s.last
	}
	if err := s.ChunkJSON(ProgressChunk{Status: stage, Progress: progress}); err != nil {
		return err
	}
	s.last = progress
	return nil
}

// Complete sends the final chunk with results and terminates the stream.
// A non-empty message marks a lookup that found nothing.
func (s *Stream) Complete(results any, message string) error {
	final := FinalChunk{
		Status:     StageComplete,
		Progress:   100,
		IsComplete: true,
		Results:    nonNil(results),
		Error:      message,
	}
	if err := s.ChunkJSON(final); err != nil {
		return err
	}
	s.last = 100
	return s.End()
}

// Fail makes a best-effort attempt to deliver a terminal error chunk
// followed by the terminator.
func (s *Stream) Fail(message string) error {
	if s.finished {
		return ErrStreamClosed
	}
	final := FinalChunk{
		Status:     StageError,
		Progress:   s.last,
		IsComplete: true,
		Results:    []any{},
		Error:      message,
	}
	if err := s.ChunkJSON(final); err != nil {
		s.finished = true
		return err
	}
	return s.End()
}

// End writes the zero-length terminating chunk.
func (s *Stream) End() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.w.writeAll([]byte("0\r\n\r\n"))
}

// Finished reports whether the terminator was sent or the stream failed.
func (s *Stream) Finished() bool {
	return s.finished
}

// StreamStatus is the status line used for streamed responses. Failures
// discovered after the head was written are reported inside the final chunk.
const StreamStatus = http.StatusOK

// Package wire frames responses for the HTTP subset spoken by cpfd.
//
// Two strategies share one Writer: buffered responses carry a
// Content-Length and the full JSON body, streamed responses use chunked
// transfer encoding with one flush per chunk. Every response closes the
// connection.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// DefaultSegmentSize bounds a single socket write.
const DefaultSegmentSize = 8 << 10

// ErrBrokenConnection reports a write that made no progress.
var ErrBrokenConnection = fmt.Errorf("wire: zero-byte write, connection broken: %w", io.ErrShortWrite)

// ErrStreamClosed is returned when writing to a finished stream.
var ErrStreamClosed = errors.New("wire: stream already terminated")

// CORS headers emitted on every response.
const (
	AllowOrigin  = "*"
	AllowMethods = "GET, OPTIONS"
	AllowHeaders = "Content-Type"
	MaxAge       = "86400"
)

// Writer frames responses onto an underlying connection.
type Writer struct {
	dst     io.Writer
	segment int
	written int64
}

// NewWriter returns a Writer that splits writes into segment-sized pieces.
// A non-positive segment selects DefaultSegmentSize.
func NewWriter(dst io.Writer, segment int) *Writer {
	if segment <= 0 {
		segment = DefaultSegmentSize
	}
	return &Writer{dst: dst, segment: segment}
}

// Written reports the number of bytes successfully handed to the connection.
func (w *Writer) Written() int64 {
	return w.written
}

// Results is the success body.
type Results struct {
	Results any `json:"results"`
}

// ErrorBody is the failure body.
type ErrorBody struct {
	Error string `json:"error"`
}

// Status is the health body.
type Status struct {
	Status string `json:"status"`
}

// WriteJSON writes a buffered response with payload serialized as JSON.
func (w *Writer) WriteJSON(status int, payload any) error {
	body, err := encodeJSON(payload)
	if err != nil {
		return fmt.Errorf("wire: encode body: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(256 + len(body))
	writeStatusLine(&buf, status)
	buf.WriteString("Content-Type: application/json; charset=utf-8\r\n")
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n")
	writeCORS(&buf)
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(body)
	return w.writeAll(buf.Bytes())
}

// WriteResults writes a 200 response carrying results.
func (w *Writer) WriteResults(results any) error {
	return w.WriteJSON(http.StatusOK, Results{Results: nonNil(results)})
}

// WriteError writes a JSON error body with status.
func (w *Writer) WriteError(status int, message string) error {
	return w.WriteJSON(status, ErrorBody{Error: message})
}

// WritePreflight answers a CORS preflight probe with 204 and no body.
func (w *Writer) WritePreflight() error {
	var buf bytes.Buffer
	writeStatusLine(&buf, http.StatusNoContent)
	writeCORS(&buf)
	buf.WriteString("Access-Control-Allow-Headers: " + AllowHeaders + "\r\n")
	buf.WriteString("Access-Control-Max-Age: " + MaxAge + "\r\n")
	buf.WriteString("Content-Length: 0\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	return w.writeAll(buf.Bytes())
}

// writeAll pushes p to the connection in segments, resuming after partial
// writes. A write that reports neither progress nor an error is treated as a
// broken connection.
func (w *Writer) writeAll(p []byte) error {
	for off := 0; off < len(p); {
		end := off + w.segment
		if end > len(p) {
			end = len(p)
		}
		n, err := w.dst.Write(p[off:end])
		if n > 0 {
			off += n
			w.written += int64(n)
		}
		if err != nil {
			return fmt.Errorf("wire: write: %w", err)
		}
		if n == 0 {
			return ErrBrokenConnection
		}
	}
	return nil
}

func writeStatusLine(buf *bytes.Buffer, status int) {
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(text)
	buf.WriteString("\r\n")
}

func writeCORS(buf *bytes.Buffer) {
	buf.WriteString("Access-Control-Allow-Origin: " + AllowOrigin + "\r\n")
	buf.WriteString("Access-Control-Allow-Methods: " + AllowMethods + "\r\n")
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func nonNil(results any) any {
	if results == nil {
		return []any{}
	}
	return results
}

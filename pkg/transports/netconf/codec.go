// Package netconf implements the NETCONF 1.0 end-of-message framing and a
// synchronous RPC session on top of any byte stream.
package netconf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// delimiter terminates every NETCONF 1.0 message.
const delimiter = "]]>]]>"

// maxMessageSize caps a single framed message. Full configurations and
// storage listings on branch devices stay well below this.
const maxMessageSize = 10 * 1024 * 1024

// Encoder writes framed messages to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new message encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one message followed by the end-of-message marker.
func (e *Encoder) Encode(msg []byte) error {
	if bytes.Contains(msg, []byte(delimiter)) {
		return fmt.Errorf("message contains the end-of-message marker")
	}

	if _, err := e.w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if _, err := e.w.WriteString(delimiter); err != nil {
		return fmt.Errorf("failed to write delimiter: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// Decoder reads framed messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new message decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	scanner.Split(splitMessages)
	return &Decoder{
		r: scanner,
	}
}

// Decode returns the next message with surrounding whitespace removed.
// It returns io.EOF once the stream ends between messages.
func (d *Decoder) Decode() ([]byte, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	msg := bytes.TrimSpace(d.r.Bytes())
	out := make([]byte, len(msg))
	copy(out, msg)
	return out, nil
}

// splitMessages is a bufio.SplitFunc cutting the stream at each delimiter.
func splitMessages(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(delimiter)); i >= 0 {
		return i + len(delimiter), data[:i], nil
	}

	if atEOF {
		if len(bytes.TrimSpace(data)) == 0 {
			return len(data), nil, nil
		}
		return 0, nil, io.ErrUnexpectedEOF
	}

	return 0, nil, nil
}

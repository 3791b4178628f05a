package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrTimeout is returned by ReadFrames when no complete frame arrives
// before the read deadline expires.
var ErrTimeout = errors.New("protocol: read timeout")

// ErrEOF is returned by ReadFrames when the peer closed the connection
// cleanly with no partial frame pending. A partial frame on EOF is
// discarded, not surfaced as a frame or as an error distinct from ErrEOF.
var ErrEOF = errors.New("protocol: connection closed")

// Framer reads and writes line-delimited JSON Messages over a net.Conn.
// A single Framer must not be used for concurrent writes — callers that
// need concurrent dispatch must serialize writes themselves (see
// internal/session for the per-session writer serialization point).
type Framer struct {
	conn   net.Conn
	reader *bufio.Reader
}

// New wraps conn in a Framer.
func New(conn net.Conn) *Framer {
	return &Framer{conn: conn, reader: bufio.NewReader(conn)}
}

// ReadFrames blocks until at least one frame has been read, the deadline
// elapses, or the connection errors. On success it returns every complete
// frame that was accumulated in the underlying read buffer in one pass.
func (f *Framer) ReadFrames(deadline time.Duration) ([]Message, error) {
	if deadline > 0 {
		if err := f.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return nil, fmt.Errorf("protocol: set read deadline: %w", err)
		}
	}

	var frames []Message
	for {
		line, err := f.reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				if errors.Is(err, io.EOF) {
					if len(frames) > 0 {
						return frames, nil
					}
					return nil, ErrEOF
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if len(frames) > 0 {
						return frames, nil
					}
					return nil, ErrTimeout
				}
				if len(frames) > 0 {
					return frames, nil
				}
				return nil, fmt.Errorf("protocol: read: %w", err)
			}
			// Partial frame with no trailing newline (EOF or timeout mid-frame):
			// discarded — not surfaced as a frame.
			if len(frames) > 0 {
				return frames, nil
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrEOF
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("protocol: read: %w", err)
		}

		trimmed := line[:len(line)-1]
		if len(trimmed) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode frame: %w", err)
		}
		frames = append(frames, msg)

		// Drain any additional complete frames already buffered before
		// returning, but never block again in this call.
		if f.reader.Buffered() == 0 {
			return frames, nil
		}
		peek, err := f.reader.Peek(f.reader.Buffered())
		if err != nil || !containsNewline(peek) {
			return frames, nil
		}
	}
}

// WriteFrame marshals msg to canonical JSON and writes it followed by a
// single '\n' in one syscall where possible.
func (f *Framer) WriteFrame(msg Message, deadline time.Duration) error {
	if deadline > 0 {
		if err := f.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
			return fmt.Errorf("protocol: set write deadline: %w", err)
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	body = append(body, '\n')

	if _, err := f.conn.Write(body); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (f *Framer) Close() error {
	return f.conn.Close()
}

func containsNewline(b []byte) bool {
	for _, c := range b {
		if c == '\n' {
			return true
		}
	}
	return false
}

// Package wire defines the framed message protocol spoken between the
// credential proxy and the sandboxed client: length-prefixed JSON frames,
// the version handshake, the request/response envelope, and the stable
// error taxonomy.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Version is the protocol version this build speaks. The handshake
// negotiates a range; the server accepts a range that includes Version.
const Version = 1

// MaxFrameSize is the maximum frame body in bytes. A length prefix above
// this is a protocol violation and the connection is closed.
const MaxFrameSize = 64 * 1024

// bodyTimeout bounds how long a peer may take to deliver a frame body
// after its header has arrived. A header with no body within this window
// is treated as a hung or malicious peer.
const bodyTimeout = 5 * time.Second

// ErrFrameTooLarge is returned when a frame's length prefix exceeds
// MaxFrameSize. The connection must be closed after this error.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian body
// length followed by the body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("writing frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from conn. The wait for the
// header is unbounded (an idle connection is legal), but once the header
// arrives the body must complete within bodyTimeout. Any error, including
// an oversized prefix or a body timeout, means the connection must be
// closed.
func ReadFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing read deadline: %w", err)
	}
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return nil, nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(bodyTimeout)); err != nil {
		return nil, fmt.Errorf("setting body deadline: %w", err)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing read deadline: %w", err)
	}
	return body, nil
}

// WriteMessage marshals v as JSON and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return WriteFrame(w, body)
}

// ReadMessage reads one frame from conn and unmarshals it into v.
func ReadMessage(conn net.Conn, v any) error {
	body, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshaling message: %w", err)
	}
	return nil
}

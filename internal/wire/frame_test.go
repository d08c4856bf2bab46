package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteMessage(client, Request{ID: "r1", Op: OpReadToken})
	}()

	var req Request
	if err := ReadMessage(server, &req); err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if req.ID != "r1" || req.Op != OpReadToken {
		t.Errorf("got %+v", req)
	}
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Error("oversized frame partially written")
	}
}

func TestReadFrameAcceptsBodyAtLimit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	body := bytes.Repeat([]byte{0x42}, MaxFrameSize)
	go func() {
		_ = WriteFrame(client, body)
	}()

	got, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body mismatch: got %d bytes", len(got))
	}
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
		_, _ = client.Write(header[:])
	}()

	_, err := ReadFrame(server)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameEmptyBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteFrame(client, nil)
	}()

	got, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil body", got)
	}
}

func TestReadFrameTimesOutOnIncompleteBody(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the body timeout")
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], 100)
		_, _ = client.Write(header[:])
		// Deliver part of the body, then stall.
		_, _ = client.Write([]byte("partial"))
	}()

	start := time.Now()
	_, err := ReadFrame(server)
	if err == nil {
		t.Fatal("ReadFrame succeeded on truncated body")
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %s, expected around the body timeout", elapsed)
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Code: CodeRateLimited, Message: "slow down"}
	if got := e.Error(); got != "rate-limited: slow down" {
		t.Errorf("Error() = %q", got)
	}
	bare := &Error{Code: CodeNotFound}
	if got := bare.Error(); got != "not-found" {
		t.Errorf("Error() = %q", got)
	}
}

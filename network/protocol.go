package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	// ProtocolVersion is the current link protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxHelloFrameSize bounds the pre-hello frame read.
	MaxHelloFrameSize = 16 * 1024
	// DefaultConnectionTimeout bounds TCP dial and hello exchange duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends an empty frame on idle links.
	DefaultKeepAliveInterval = 20 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second

	typeHello = "hello"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrSelfConnection indicates the remote end is the local node.
	ErrSelfConnection = errors.New("network: connection to self")
	// ErrInvalidHello indicates a malformed hello frame.
	ErrInvalidHello = errors.New("network: invalid hello")
)

// LocalIdentity contains the values announced in the hello frame.
type LocalIdentity struct {
	NodeID      string
	DisplayName string
}

// Hello is the first frame each side writes after the TCP connect.
type Hello struct {
	Type            string `json:"type"`
	NodeID          string `json:"node_id"`
	DisplayName     string `json:"display_name"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

func buildHello(identity LocalIdentity) Hello {
	return Hello{
		Type:            typeHello,
		NodeID:          identity.NodeID,
		DisplayName:     identity.DisplayName,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func decodeHello(payload []byte) (Hello, error) {
	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if hello.Type != typeHello {
		return Hello{}, fmt.Errorf("%w: type %q", ErrInvalidHello, hello.Type)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return Hello{}, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, hello.ProtocolVersion, ProtocolVersion)
	}
	if hello.NodeID == "" || strings.Contains(hello.NodeID, EnvelopeDelimiter) {
		return Hello{}, fmt.Errorf("%w: node id %q", ErrInvalidHello, hello.NodeID)
	}
	return hello, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameWithLimit(r, MaxFrameSize)
}

func readFrameWithLimit(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

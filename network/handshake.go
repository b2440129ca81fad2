package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// HandshakeOptions configures the hello exchange and link behaviour.
type HandshakeOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	FrameReadTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.NodeID == "" {
		return errors.New("local node ID is required")
	}
	if strings.Contains(o.Identity.NodeID, EnvelopeDelimiter) {
		return fmt.Errorf("local node ID must not contain %q", EnvelopeDelimiter)
	}
	return nil
}

func (o HandshakeOptions) linkOptions(hello Hello, outbound bool) LinkOptions {
	return LinkOptions{
		LocalNodeID:       o.Identity.NodeID,
		PeerNodeID:        hello.NodeID,
		PeerDisplayName:   hello.DisplayName,
		Outbound:          outbound,
		KeepAliveInterval: o.KeepAliveInterval,
		FrameReadTimeout:  o.FrameReadTimeout,
	}
}

// exchangeHello writes the local hello and reads the peer's. Both sides run
// the same exchange; frames are small enough that neither write blocks.
func exchangeHello(conn net.Conn, opts HandshakeOptions) (Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return Hello{}, fmt.Errorf("set hello deadline: %w", err)
	}

	payload, err := json.Marshal(buildHello(opts.Identity))
	if err != nil {
		return Hello{}, fmt.Errorf("marshal hello: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		return Hello{}, fmt.Errorf("write hello: %w", err)
	}

	remotePayload, err := readFrameWithLimit(conn, MaxHelloFrameSize)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	hello, err := decodeHello(remotePayload)
	if err != nil {
		return Hello{}, err
	}
	if hello.NodeID == opts.Identity.NodeID {
		return Hello{}, ErrSelfConnection
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Hello{}, fmt.Errorf("clear hello deadline: %w", err)
	}
	return hello, nil
}

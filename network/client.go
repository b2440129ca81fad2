package network

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a node, exchanges hellos, and returns a ready Link.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	hello, err := exchangeHello(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello with %q: %w", address, err)
	}

	return newLink(conn, opts.linkOptions(hello, true)), nil
}

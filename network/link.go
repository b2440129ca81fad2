package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout indicates the peer sent nothing, not even keep-alives, for too long.
var ErrIdleTimeout = errors.New("network: link idle timeout")

const idleTimeoutMultiplier = 3

// LinkOptions controls runtime behavior of a Link.
type LinkOptions struct {
	LocalNodeID       string
	PeerNodeID        string
	PeerDisplayName   string
	Outbound          bool
	KeepAliveInterval time.Duration
	FrameReadTimeout  time.Duration
}

// Link is one framed TCP session with a directly connected node.
type Link struct {
	conn net.Conn

	localNodeID     string
	peerNodeID      string
	peerDisplayName string
	outbound        bool

	sendMu sync.Mutex

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	frameReadTimeout  time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn net.Conn, options LinkOptions) *Link {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	l := &Link{
		conn:              conn,
		localNodeID:       options.LocalNodeID,
		peerNodeID:        options.PeerNodeID,
		peerDisplayName:   options.PeerDisplayName,
		outbound:          options.Outbound,
		keepAliveInterval: interval,
		frameReadTimeout:  readTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}

	l.touchActivity()
	go l.readLoop()
	go l.keepAliveLoop()

	return l
}

// PeerNodeID returns the node id announced by the remote hello.
func (l *Link) PeerNodeID() string {
	return l.peerNodeID
}

// PeerDisplayName returns the display name announced by the remote hello.
func (l *Link) PeerDisplayName() string {
	return l.peerDisplayName
}

// Outbound reports whether the local node dialled this link.
func (l *Link) Outbound() bool {
	return l.outbound
}

// RemoteAddr returns the remote TCP endpoint.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done is closed when the link is fully disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Closed reports whether the link has shut down.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// LastError returns the terminal link error, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send writes one payload frame.
func (l *Link) Send(payload []byte) error {
	if l.Closed() {
		if err := l.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := WriteFrame(l.conn, payload); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next non-empty inbound frame.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-l.inbound:
		return payload, nil
	case <-l.closed:
		if err := l.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) readLoop() {
	idleTimeout := l.keepAliveInterval * idleTimeoutMultiplier
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(l.conn, l.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(time.Unix(0, l.lastActivity.Load())) > idleTimeout {
					l.closeWithError(ErrIdleTimeout)
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}

			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		l.touchActivity()
		if len(payload) == 0 {
			continue
		}

		select {
		case l.inbound <- payload:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) keepAliveLoop() {
	ticker := time.NewTicker(l.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Send(nil); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *Link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
	})
}

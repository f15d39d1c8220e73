//go:build linux

package console

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Vsock is a console served to the first client that connects to an
// AF_VSOCK port. Output written before a client connects is dropped.
type Vsock struct {
	Stream
	l net.Listener
}

// ListenVsock listens for a console client on port.
func ListenVsock(port uint32) (*Vsock, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("console: listen on vsock port %d: %w", port, err)
	}

	return &Vsock{l: l}, nil
}

// Addr returns the listener's address.
func (v *Vsock) Addr() net.Addr {
	return v.l.Addr()
}

// Pump accepts one client and queues its input until it hangs up or ctx is
// done.
func (v *Vsock) Pump(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { v.l.Close() })
	defer stop()

	conn, err := v.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("console: accept: %w", err)
	}

	defer conn.Close()
	v.l.Close()

	v.mu.Lock()
	v.In, v.Out = conn, conn
	v.mu.Unlock()

	return v.Stream.Pump(ctx)
}

// Close stops listening.
func (v *Vsock) Close() error {
	return v.l.Close()
}

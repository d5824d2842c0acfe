package instrument

import (
	"context"
	"fmt"
	"net"

	"github.com/lazypower/fdleak/pkg/leak"
)

// Conn is a net.Conn whose lifetime is reported to a Tracker.
type Conn struct {
	net.Conn
	rel *releaser
}

func connOwner(c net.Conn) string {
	return fmt.Sprintf("%s %s->%s", c.LocalAddr().Network(), c.LocalAddr(), c.RemoteAddr())
}

func trackConn(t Tracker, c net.Conn, stack []string) *Conn {
	return &Conn{
		Conn: c,
		rel:  newReleaser(t, leak.KindSocket, connOwner(c), stack),
	}
}

// Dial is net.Dial with tracking.
func Dial(t Tracker, network, address string) (*Conn, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return trackConn(t, c, leak.CaptureStack(1)), nil
}

// DialContext is net.Dialer.DialContext with tracking.
func DialContext(ctx context.Context, t Tracker, network, address string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return trackConn(t, c, leak.CaptureStack(1)), nil
}

// Close closes the connection and releases its handle.
func (c *Conn) Close() error {
	return c.rel.closeAndRelease(c.Conn.Close)
}

// Detach stops tracking and returns the underlying connection.
func (c *Conn) Detach() (net.Conn, error) {
	return c.Conn, c.rel.release()
}

// HandleID returns the tracker id of the connection.
func (c *Conn) HandleID() leak.HandleID {
	return c.rel.id
}

// Listener is a net.Listener that is itself tracked and whose accepted
// connections are tracked.
type Listener struct {
	net.Listener
	t   Tracker
	rel *releaser
}

// Listen is net.Listen with tracking.
func Listen(t Tracker, network, address string) (*Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	owner := fmt.Sprintf("%s listen %s", l.Addr().Network(), l.Addr())
	return &Listener{
		Listener: l,
		t:        t,
		rel:      newReleaser(t, leak.KindSocket, owner, leak.CaptureStack(1)),
	}, nil
}

// Accept waits for the next connection and returns it tracked, with the
// stack of the goroutine that accepted it.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return trackConn(l.t, c, leak.CaptureStack(1)), nil
}

// Close stops listening and releases the listener's handle. Connections
// already accepted are unaffected.
func (l *Listener) Close() error {
	return l.rel.closeAndRelease(l.Listener.Close)
}

// HandleID returns the tracker id of the listener.
func (l *Listener) HandleID() leak.HandleID {
	return l.rel.id
}

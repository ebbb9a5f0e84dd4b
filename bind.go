package sshmux

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Bind is the server side of the engine: a listener whose accepted
// connections become server-role sessions. The caller drives each
// accepted session's Handshake and authentication on its own goroutine.
type Bind struct {
	listener net.Listener
	opts     *Options
	errMsg   string
}

// Listen opens a listener for incoming SSH connections. The options
// must carry a host key.
func Listen(network, addr string, opts *Options) (*Bind, error) {
	if opts.HostKey == nil {
		return nil, newProtocolError("listen", errors.New("no host key configured"))
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, newProtocolError("listen "+addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"addr": l.Addr().String(),
	}).Info("listening")
	return &Bind{listener: l, opts: opts}, nil
}

// Addr returns the listener address.
func (b *Bind) Addr() net.Addr {
	return b.listener.Addr()
}

// LastError returns the retained description of the last accept
// failure, or an empty string.
func (b *Bind) LastError() string {
	return b.errMsg
}

// Accept waits for one incoming connection and wraps it in a
// server-role session. The session has not yet handshaken.
func (b *Bind) Accept() (*Session, error) {
	conn, err := b.listener.Accept()
	if err != nil {
		perr := newProtocolError("accept", err)
		b.errMsg = perr.Error()
		return nil, perr
	}
	logrus.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr().String(),
	}).Debug("connection accepted")
	return NewServerSession(NewNetTransport(conn), b.opts), nil
}

// AcceptTimeout is Accept with a deadline, returning ErrTimeout when no
// connection arrives in time.
func (b *Bind) AcceptTimeout(timeout time.Duration) (*Session, error) {
	type deadlineListener interface {
		SetDeadline(time.Time) error
	}
	dl, ok := b.listener.(deadlineListener)
	if ok {
		if err := dl.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, newProtocolError("accept", err)
		}
		defer dl.SetDeadline(time.Time{})
	}
	s, err := b.Accept()
	if err != nil && isDeadlineError(err) {
		return nil, ErrTimeout
	}
	return s, err
}

// Close stops accepting connections. Established sessions are not
// affected.
func (b *Bind) Close() error {
	return b.listener.Close()
}

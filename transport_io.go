package sshmux

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Transport is the byte-stream collaborator the engine runs over. It has
// nonblocking read semantics: ReadAvailable returns only bytes already
// buffered, and WaitReadable parks until more may be available or a
// timeout passes.
type Transport interface {
	// Write sends bytes, blocking until accepted or failed.
	Write(p []byte) (int, error)

	// ReadAvailable copies already-received bytes into p without
	// blocking. It returns (0, nil) when nothing is pending and io.EOF
	// once the peer has closed and all bytes are drained.
	ReadAvailable(p []byte) (int, error)

	// WaitReadable blocks until data may be available to ReadAvailable,
	// returning ErrTimeout if the timeout elapses first.
	WaitReadable(timeout time.Duration) error

	// Close tears down the transport.
	Close() error
}

// netTransport adapts a net.Conn to the nonblocking Transport contract
// using read deadlines.
type netTransport struct {
	conn  net.Conn
	stash []byte
	eof   bool
}

// NewNetTransport wraps an established net.Conn.
func NewNetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn}
}

// DialTransport connects to addr with a timeout and wraps the result.
func DialTransport(network, addr string, timeout time.Duration) (Transport, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, newProtocolError("connect "+addr, err)
	}
	return NewNetTransport(conn), nil
}

func (t *netTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

// isDeadlineError reports whether err is a read-deadline expiry rather
// than a real failure.
func isDeadlineError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isClosedError reports whether err means the connection is gone. Not
// every net.Conn signals that as io.EOF: net.Pipe returns
// io.ErrClosedPipe, a closed socket net.ErrClosed, including from the
// SetReadDeadline call itself.
func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func (t *netTransport) ReadAvailable(p []byte) (int, error) {
	if len(t.stash) > 0 {
		n := copy(p, t.stash)
		t.stash = t.stash[n:]
		return n, nil
	}
	if t.eof {
		return 0, io.EOF
	}
	if err := t.conn.SetReadDeadline(time.Now()); err != nil {
		if isClosedError(err) {
			t.eof = true
			return 0, io.EOF
		}
		return 0, err
	}
	n, err := t.conn.Read(p)
	if err != nil {
		if isDeadlineError(err) {
			return n, nil
		}
		if isClosedError(err) {
			t.eof = true
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
		return n, err
	}
	return n, nil
}

func (t *netTransport) WaitReadable(timeout time.Duration) error {
	if len(t.stash) > 0 {
		return nil
	}
	if t.eof {
		return io.EOF
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if isClosedError(err) {
			t.eof = true
			return io.EOF
		}
		return err
	}
	buf := make([]byte, 4096)
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.stash = append(t.stash, buf[:n]...)
		return nil
	}
	if err != nil {
		if isDeadlineError(err) {
			return ErrTimeout
		}
		if isClosedError(err) {
			t.eof = true
			return io.EOF
		}
		return err
	}
	return nil
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}

package sshmux

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sshmux/crypto"
	"github.com/opd-ai/sshmux/wire"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

// memPipe is one direction of an in-memory duplex stream. Reads never
// block, matching the Transport contract; waiters park on a cond.
type memPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newMemPipe() *memPipe {
	p := &memPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *memPipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *memPipe) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *memPipe) wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrTimeout
		}
		timer := time.AfterFunc(d, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
	}
	if len(p.buf) > 0 {
		return nil
	}
	return io.EOF
}

func (p *memPipe) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// memTransport is one end of an in-memory duplex transport, safe for a
// session on each end running on its own goroutine.
type memTransport struct {
	in, out *memPipe
}

// newTransportPair returns two connected in-memory transports.
func newTransportPair() (Transport, Transport) {
	a, b := newMemPipe(), newMemPipe()
	return &memTransport{in: a, out: b}, &memTransport{in: b, out: a}
}

func (t *memTransport) Write(p []byte) (int, error) {
	return t.out.write(p)
}

func (t *memTransport) ReadAvailable(p []byte) (int, error) {
	return t.in.read(p)
}

func (t *memTransport) WaitReadable(timeout time.Duration) error {
	return t.in.wait(timeout)
}

func (t *memTransport) Close() error {
	t.in.close()
	t.out.close()
	return nil
}

// captureTransport records every write and has nothing to read. Used to
// inspect the exact bytes a session puts on the wire.
type captureTransport struct {
	writes [][]byte
}

func (t *captureTransport) Write(p []byte) (int, error) {
	t.writes = append(t.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (t *captureTransport) ReadAvailable(p []byte) (int, error) {
	return 0, nil
}

func (t *captureTransport) WaitReadable(timeout time.Duration) error {
	return ErrTimeout
}

func (t *captureTransport) Close() error {
	return nil
}

func testClientOptions() *Options {
	opts := DefaultOptions()
	opts.HandshakeTimeout = 5 * time.Second
	opts.OperationTimeout = 5 * time.Second
	opts.PollInterval = 2 * time.Millisecond
	opts.HostKeyCallback = func([]byte) error { return nil }
	return opts
}

func testServerOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.HandshakeTimeout = 5 * time.Second
	opts.OperationTimeout = 5 * time.Second
	opts.PollInterval = 2 * time.Millisecond
	hk, err := crypto.GenerateHostKey()
	require.NoError(t, err)
	opts.HostKey = hk
	opts.PasswordCallback = func(user, password string) bool {
		return user == "user" && password == "secret"
	}
	return opts
}

// newSessionPair builds a client and server session joined by an
// in-memory transport. Neither side has handshaken yet.
func newSessionPair(t *testing.T, clientOpts, serverOpts *Options) (*Session, *Session) {
	t.Helper()
	ct, st := newTransportPair()
	t.Cleanup(func() {
		ct.Close()
		st.Close()
	})
	return NewClientSession(ct, clientOpts), NewServerSession(st, serverOpts)
}

// serveSession runs script on its own goroutine so the peer side of a
// pair can make blocking calls. The returned join waits for the script
// to finish; call it before inspecting the session from the test.
func serveSession(t *testing.T, s *Session, script func(*Session) error) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- script(s) }()
	return func() {
		t.Helper()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("session script did not finish")
		}
	}
}

// pumpUntilStopped drives a session's event loop until stop is closed
// or the session dies. Session errors end the loop without failing: the
// test asserts on the session state after joining.
func pumpUntilStopped(s *Session, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if !s.IsAlive() {
			return nil
		}
		if err := s.Pump(); err != nil {
			return nil
		}
		_ = s.transport.WaitReadable(2 * time.Millisecond)
	}
}

// connectPair returns a client and server session that have completed
// the handshake and password authentication against each other.
func connectPair(t *testing.T, serverSetup func(*Session)) (*Session, *Session) {
	t.Helper()
	client, server := newSessionPair(t, testClientOptions(), testServerOptions(t))
	if serverSetup != nil {
		serverSetup(server)
	}

	join := serveSession(t, server, func(s *Session) error {
		if err := s.Handshake(); err != nil {
			return err
		}
		return s.pumpUntil(s.IsAuthenticated, 5*time.Second)
	})
	require.NoError(t, client.Handshake())
	require.NoError(t, client.AuthPassword("user", "secret"))
	join()

	require.True(t, client.IsAuthenticated())
	require.True(t, server.IsAuthenticated())
	return client, server
}

// acceptSessions returns a server setup accepting "session" channel
// opens and recording the most recent server-side channel.
func acceptSessions(last **Channel) func(*Session) {
	return func(s *Session) {
		s.OnChannelOpen = func(chType string, ch *Channel, extra *wire.Buffer) bool {
			if chType != "session" {
				return false
			}
			*last = ch
			return true
		}
	}
}

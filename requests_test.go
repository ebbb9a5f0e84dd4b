package sshmux

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sshmux/wire"
)

func TestPendingRequestSingleFlight(t *testing.T) {
	var p pendingRequest

	require.NoError(t, p.begin())
	assert.False(t, p.settled())

	// A second request while one is pending is refused without touching
	// the first.
	err := p.begin()
	assert.ErrorIs(t, err, ErrRequestPending)
	assert.Equal(t, requestPending, p.state)

	p.resolve(true, "")
	assert.True(t, p.settled())
	st, _ := p.finish()
	assert.Equal(t, requestAccepted, st)

	// The scope is reusable after finish.
	require.NoError(t, p.begin())
	p.resolve(false, "nope")
	st, desc := p.finish()
	assert.Equal(t, requestDenied, st)
	assert.Equal(t, "nope", desc)

	// A stray verdict with nothing pending is ignored.
	p.resolve(true, "stray")
	assert.Equal(t, requestNone, p.state)
}

func TestPendingRequestForceError(t *testing.T) {
	var p pendingRequest
	require.NoError(t, p.begin())
	p.forceError("session died")
	st, desc := p.finish()
	assert.Equal(t, requestError, st)
	assert.Equal(t, "session died", desc)

	// forceError on a settled scope does nothing.
	p.forceError("again")
	assert.Equal(t, requestNone, p.state)
}

func TestChannelRequestDenialKeepsSessionUsable(t *testing.T) {
	var srvCh *Channel
	client, server := connectPair(t, func(s *Session) {
		s.OnChannelOpen = func(chType string, ch *Channel, extra *wire.Buffer) bool {
			srvCh = ch
			ch.OnRequest = func(name string, payload *wire.Buffer) bool {
				return name == "exec"
			}
			return chType == "session"
		}
	})

	join := serveSession(t, server, func(s *Session) error {
		if err := s.pumpUntil(func() bool { return srvCh != nil }, 5*time.Second); err != nil {
			return err
		}
		return s.pumpUntil(func() bool { return srvCh.state == ChannelClosed }, 5*time.Second)
	})

	ch, err := client.OpenSession()
	require.NoError(t, err)

	// Denied request: request-level failure only.
	err = ch.RequestShell()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestDenied)
	assert.True(t, client.IsAlive())
	assert.Equal(t, ChannelOpen, ch.State())

	// The correlator reset cleanly; the next request goes through.
	require.NoError(t, ch.RequestExec("true"))
	require.NoError(t, ch.Close())
	join()
}

func TestExecExitStatus(t *testing.T) {
	var srvCh *Channel
	var gotExec bool
	var execCommand string
	client, server := connectPair(t, func(s *Session) {
		s.OnChannelOpen = func(chType string, ch *Channel, extra *wire.Buffer) bool {
			srvCh = ch
			ch.OnRequest = func(name string, payload *wire.Buffer) bool {
				if name != "exec" {
					return false
				}
				cmd, err := payload.GetString()
				if err != nil {
					return false
				}
				execCommand = string(cmd)
				gotExec = true
				return true
			}
			return true
		}
	})

	join := serveSession(t, server, func(s *Session) error {
		if err := s.pumpUntil(func() bool { return gotExec }, 5*time.Second); err != nil {
			return err
		}
		if _, err := srvCh.Write([]byte("output\n")); err != nil {
			return err
		}
		if err := srvCh.request("exit-status", false, func(buf *wire.Buffer) {
			buf.AddU32(3)
		}); err != nil {
			return err
		}
		return srvCh.Close()
	})

	ch, err := client.OpenSession()
	require.NoError(t, err)
	assert.Equal(t, -1, ch.ExitStatus())

	require.NoError(t, ch.RequestExec("exit 3"))

	var out []byte
	buf := make([]byte, 64)
	for {
		n, rerr := ch.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(rerr, io.EOF) {
			break
		}
		require.NoError(t, rerr)
	}
	join()

	assert.Equal(t, "exit 3", execCommand)
	assert.Equal(t, "output\n", string(out))
	assert.Equal(t, 3, ch.ExitStatus())
}

func TestGlobalRequestForwardDenied(t *testing.T) {
	client, server := connectPair(t, nil) // no OnGlobalRequest: refused

	stop := make(chan struct{})
	join := serveSession(t, server, func(s *Session) error {
		return pumpUntilStopped(s, stop)
	})

	_, err := client.RequestForwardTCPIP("0.0.0.0", 8080)
	close(stop)
	join()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestDenied)
	assert.True(t, client.IsAlive())
}

func TestGlobalRequestForwardAccepted(t *testing.T) {
	var names []string
	var bindAddr string
	var bindPort uint32
	client, server := connectPair(t, func(s *Session) {
		s.OnGlobalRequest = func(name string, payload *wire.Buffer) bool {
			if name != "tcpip-forward" && name != "cancel-tcpip-forward" {
				return false
			}
			addr, err := payload.GetString()
			if err != nil {
				return false
			}
			port, err := payload.GetU32()
			if err != nil {
				return false
			}
			names = append(names, name)
			bindAddr, bindPort = string(addr), port
			return true
		}
	})

	join := serveSession(t, server, func(s *Session) error {
		return s.pumpUntil(func() bool { return len(names) == 2 }, 5*time.Second)
	})

	port, err := client.RequestForwardTCPIP("127.0.0.1", 9090)
	require.NoError(t, err)
	assert.Equal(t, uint32(9090), port)

	require.NoError(t, client.CancelForwardTCPIP("127.0.0.1", 9090))
	join()

	assert.Equal(t, []string{"tcpip-forward", "cancel-tcpip-forward"}, names)
	assert.Equal(t, "127.0.0.1", bindAddr)
	assert.Equal(t, uint32(9090), bindPort)
}

func TestSignalAndWindowChangeNoReply(t *testing.T) {
	var signals []string
	var resized bool
	client, server := connectPair(t, func(s *Session) {
		s.OnChannelOpen = func(chType string, ch *Channel, extra *wire.Buffer) bool {
			ch.OnRequest = func(name string, payload *wire.Buffer) bool {
				switch name {
				case "signal":
					sig, err := payload.GetString()
					if err != nil {
						return false
					}
					signals = append(signals, string(sig))
				case "window-change":
					resized = true
				}
				return true
			}
			return true
		}
	})

	join := serveSession(t, server, func(s *Session) error {
		return s.pumpUntil(func() bool {
			return len(signals) > 0 && resized
		}, 5*time.Second)
	})

	ch, err := client.OpenSession()
	require.NoError(t, err)

	// Neither of these awaits a verdict: they return as soon as the
	// packet is sent.
	require.NoError(t, ch.WindowChange(120, 40, 0, 0))
	require.NoError(t, ch.SendSignal("TERM"))
	join()

	assert.Equal(t, []string{"TERM"}, signals)
	assert.True(t, resized)
}

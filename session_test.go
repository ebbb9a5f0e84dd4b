package sshmux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sshmux/crypto"
	"github.com/opd-ai/sshmux/limits"
	"github.com/opd-ai/sshmux/wire"
)

func TestPacketFramingPlaintextRoundTrip(t *testing.T) {
	ct, st := newTransportPair()
	sender := NewClientSession(ct, testClientOptions())
	receiver := NewServerSession(st, testServerOptions(t))
	sender.bannerDone = true
	receiver.bannerDone = true

	var got []byte
	receiver.handlers[200] = func(buf *wire.Buffer, raw []byte) error {
		got = append([]byte(nil), raw...)
		return nil
	}

	sender.outBuffer.Reinit()
	sender.outBuffer.AddU8(200)
	sender.outBuffer.AddString([]byte("hello sshmux"))
	require.NoError(t, sender.sendPacket())
	require.NoError(t, receiver.Pump())

	want := wire.NewBuffer()
	want.AddU8(200)
	want.AddString([]byte("hello sshmux"))
	assert.Equal(t, want.Rest(), got)
	assert.Equal(t, uint32(1), sender.outSeq)
	assert.Equal(t, uint32(1), receiver.inSeq)
}

func TestPacketPaddingAlignment(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 8, 9, 255, 256, 1000, 32768} {
		t.Run(fmt.Sprintf("payload_%d", n), func(t *testing.T) {
			ct := &captureTransport{}
			s := NewClientSession(ct, testClientOptions())
			s.outBuffer.Reinit()
			s.outBuffer.AddU8(msgIgnore)
			s.outBuffer.AddBytes(make([]byte, n))
			require.NoError(t, s.sendPacket())

			require.Len(t, ct.writes, 1)
			frame := ct.writes[0]
			packetLen := binary.BigEndian.Uint32(frame)
			padLen := int(frame[4])

			assert.Zero(t, len(frame)%limits.MinBlockSize)
			assert.GreaterOrEqual(t, padLen, limits.MinPaddingLength)
			assert.Equal(t, len(frame), int(4+packetLen))
			assert.Equal(t, 1+(1+n)+padLen, int(packetLen))
			assert.Equal(t, byte(msgIgnore), frame[5])
		})
	}
}

func TestPacketOversizePayloadFatal(t *testing.T) {
	ct := &captureTransport{}
	s := NewClientSession(ct, testClientOptions())
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgIgnore)
	s.outBuffer.AddBytes(make([]byte, limits.MaxPacketLength))

	err := s.sendPacket()
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Empty(t, ct.writes)
}

func TestBannerWithPreambleLines(t *testing.T) {
	ct, st := newTransportPair()
	client := NewClientSession(ct, testClientOptions())

	_, err := st.Write([]byte("Welcome to the machine\r\nSSH-2.0-testsrv\r\n"))
	require.NoError(t, err)
	require.NoError(t, client.Pump())

	assert.Equal(t, "SSH-2.0-testsrv", client.remoteVersion)
	assert.True(t, client.bannerDone)
	assert.Equal(t, StateInitialKex, client.State())

	// The client answered with its own identification line.
	reply := make([]byte, 4096)
	n, err := st.ReadAvailable(reply)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(reply[:n], []byte("SSH-2.0-")))
}

func TestBannerOversizeWithoutNewlineFatal(t *testing.T) {
	ct, st := newTransportPair()
	client := NewClientSession(ct, testClientOptions())

	junk := bytes.Repeat([]byte{'x'}, limits.MaxBannerLength+2)
	_, err := st.Write(junk)
	require.NoError(t, err)

	err = client.Handshake()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateError, client.State())
	assert.False(t, client.IsAlive())
}

func TestBannerOversizeLineFatal(t *testing.T) {
	ct, st := newTransportPair()
	client := NewClientSession(ct, testClientOptions())

	line := append(bytes.Repeat([]byte{'y'}, limits.MaxBannerLength+2), '\r', '\n')
	_, err := st.Write(line)
	require.NoError(t, err)

	err = client.Pump()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateError, client.State())
}

func TestBannerServerRejectsPreamble(t *testing.T) {
	ct, st := newTransportPair()
	server := NewServerSession(ct, testServerOptions(t))

	_, err := st.Write([]byte("HELLO\r\n"))
	require.NoError(t, err)

	err = server.Pump()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateError, server.State())
}

func TestBannerUnsupportedProtocolVersion(t *testing.T) {
	ct, st := newTransportPair()
	client := NewClientSession(ct, testClientOptions())

	_, err := st.Write([]byte("SSH-1.5-old\r\n"))
	require.NoError(t, err)

	err = client.Pump()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateError, client.State())
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	var reason uint32
	var desc string
	client, server := connectPair(t, func(s *Session) {
		s.OnDisconnect = func(r uint32, d string) {
			reason = r
			desc = d
		}
	})

	join := serveSession(t, server, func(s *Session) error {
		return s.pumpUntil(func() bool {
			return s.State() == StateDisconnected
		}, 5*time.Second)
	})
	require.NoError(t, client.Disconnect())
	join()

	assert.Equal(t, StateDisconnected, server.State())
	assert.Equal(t, uint32(disconnectByApplication), reason)
	assert.Equal(t, "disconnected by application", desc)
	assert.Contains(t, server.LastError(), "disconnected by peer")

	// Idempotent on the initiating side.
	assert.NoError(t, client.Disconnect())
	assert.Equal(t, StateDisconnected, client.State())
}

// flipTransport corrupts the last byte of the second write that passes
// through it: with the engine's framed-then-MAC write order that is the
// MAC trailer of the next packet sent.
type flipTransport struct {
	Transport
	writes int
}

func (f *flipTransport) Write(p []byte) (int, error) {
	f.writes++
	if f.writes == 2 {
		q := append([]byte(nil), p...)
		q[len(q)-1] ^= 0x40
		return f.Transport.Write(q)
	}
	return f.Transport.Write(p)
}

func TestMACMismatchFatal(t *testing.T) {
	client, server := connectPair(t, nil)

	join := serveSession(t, server, func(s *Session) error {
		_ = s.pumpUntil(func() bool { return !s.IsAlive() }, 5*time.Second)
		return nil
	})

	client.transport = &flipTransport{Transport: client.transport}
	require.NoError(t, client.globalRequest("keepalive@sshmux.test", false, nil))
	join()

	assert.Equal(t, StateError, server.State())
	assert.ErrorIs(t, server.err, crypto.ErrMACMismatch)
}

func TestUnknownChannelIDFatal(t *testing.T) {
	client, server := connectPair(t, nil)

	join := serveSession(t, server, func(s *Session) error {
		_ = s.pumpUntil(func() bool { return !s.IsAlive() }, 5*time.Second)
		return nil
	})

	client.outBuffer.Reinit()
	client.outBuffer.AddU8(msgChannelWindowAdjust)
	client.outBuffer.AddU32(99)
	client.outBuffer.AddU32(1)
	require.NoError(t, client.sendPacket())
	join()

	assert.Equal(t, StateError, server.State())
	assert.ErrorIs(t, server.err, ErrProtocol)
	assert.Contains(t, server.LastError(), "unknown channel id 99")
}

func TestUnknownMessageTypeDropped(t *testing.T) {
	client, server := connectPair(t, nil)

	stop := make(chan struct{})
	join := serveSession(t, server, func(s *Session) error {
		return pumpUntilStopped(s, stop)
	})

	// No handler is registered for this type on either role.
	client.outBuffer.Reinit()
	client.outBuffer.AddU8(250)
	client.outBuffer.AddString([]byte("future extension"))
	require.NoError(t, client.sendPacket())

	// The session must stay usable afterwards.
	_, err := client.RequestForwardTCPIP("localhost", 2022)
	assert.Error(t, err) // no OnGlobalRequest handler: denied
	assert.ErrorIs(t, err, ErrRequestDenied)
	assert.True(t, client.IsAlive())
	close(stop)
	join()
	assert.True(t, server.IsAlive())
}

func TestChannelOpenBeforeAuthFatal(t *testing.T) {
	client, server := newSessionPair(t, testClientOptions(), testServerOptions(t))
	opened := false
	server.OnChannelOpen = func(chType string, ch *Channel, extra *wire.Buffer) bool {
		opened = true
		return true
	}

	join := serveSession(t, server, func(s *Session) error {
		if err := s.Handshake(); err != nil {
			return err
		}
		_ = s.pumpUntil(func() bool { return !s.IsAlive() }, 5*time.Second)
		if s.IsAlive() {
			return fmt.Errorf("expected the pre-auth channel open to kill the session")
		}
		return nil
	})

	require.NoError(t, client.Handshake())

	// Skip authentication and go straight for a channel.
	client.outBuffer.Reinit()
	client.outBuffer.AddU8(msgChannelOpen)
	client.outBuffer.AddString([]byte("session"))
	client.outBuffer.AddU32(0)
	client.outBuffer.AddU32(64000)
	client.outBuffer.AddU32(32768)
	require.NoError(t, client.sendPacket())
	join()

	assert.False(t, opened, "channel handler must not run before authentication")
	assert.Equal(t, StateError, server.State())
	assert.ErrorIs(t, server.err, ErrProtocol)
	assert.Contains(t, server.LastError(), "before authentication")
}

func TestGlobalRequestBeforeAuthFatal(t *testing.T) {
	client, server := newSessionPair(t, testClientOptions(), testServerOptions(t))
	requested := false
	server.OnGlobalRequest = func(name string, payload *wire.Buffer) bool {
		requested = true
		return true
	}

	join := serveSession(t, server, func(s *Session) error {
		if err := s.Handshake(); err != nil {
			return err
		}
		_ = s.pumpUntil(func() bool { return !s.IsAlive() }, 5*time.Second)
		if s.IsAlive() {
			return fmt.Errorf("expected the pre-auth global request to kill the session")
		}
		return nil
	})

	require.NoError(t, client.Handshake())

	client.outBuffer.Reinit()
	client.outBuffer.AddU8(msgGlobalRequest)
	client.outBuffer.AddString([]byte("tcpip-forward"))
	client.outBuffer.AddBool(true)
	client.outBuffer.AddString([]byte("127.0.0.1"))
	client.outBuffer.AddU32(8080)
	require.NoError(t, client.sendPacket())
	join()

	assert.False(t, requested, "global request handler must not run before authentication")
	assert.Equal(t, StateError, server.State())
	assert.Contains(t, server.LastError(), "before authentication")
}

func TestPumpStopsAtPredicateBetweenPackets(t *testing.T) {
	client, server := newSessionPair(t, testClientOptions(), testServerOptions(t))

	var got []byte
	client.handlers[201] = func(buf *wire.Buffer, raw []byte) error {
		got = append(got, raw[1])
		return nil
	}

	release := make(chan struct{})
	join := serveSession(t, server, func(s *Session) error {
		if err := s.Handshake(); err != nil {
			return err
		}
		<-release
		for _, b := range []byte{1, 2} {
			s.outBuffer.Reinit()
			s.outBuffer.AddU8(201)
			s.outBuffer.AddU8(b)
			if err := s.sendPacket(); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, client.Handshake())
	close(release)
	join()

	// Both packets are buffered; the pump must settle as soon as its
	// predicate holds instead of draining the peer's next message too.
	require.NoError(t, client.pumpUntil(func() bool { return len(got) >= 1 }, 5*time.Second))
	assert.Equal(t, []byte{1}, got)

	require.NoError(t, client.Pump())
	assert.Equal(t, []byte{1, 2}, got)
}

func TestSessionStateStrings(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "AUTHENTICATED", StateAuthenticated.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "UNKNOWN", SessionState(99).String())
}

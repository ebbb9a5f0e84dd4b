package sshmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sshmux/crypto"
	"github.com/opd-ai/sshmux/wire"
)

func TestHandshakeAndPasswordAuth(t *testing.T) {
	client, server := connectPair(t, nil)

	assert.Equal(t, StateAuthenticated, client.State())
	assert.Equal(t, StateAuthenticated, server.State())
	assert.Equal(t, crypto.KexCurve25519SHA256, client.kex.algos.kex)
	assert.Equal(t, crypto.HostKeyEd25519, client.kex.algos.hostKey)

	// Both directions are encrypted once the handshake finishes.
	assert.NotNil(t, client.outCtx)
	assert.NotNil(t, client.inCtx)
	assert.NotNil(t, server.outCtx)
	assert.NotNil(t, server.inCtx)

	// Both sides derived the same session id from the exchange hash.
	assert.Equal(t, client.sessionID, server.sessionID)
	assert.NotEmpty(t, client.sessionID)

	// Completed handshakes are a no-op to repeat.
	assert.NoError(t, client.Handshake())
}

func TestHandshakeHostKeyVerified(t *testing.T) {
	serverOpts := testServerOptions(t)
	clientOpts := testClientOptions()
	var seenBlob []byte
	clientOpts.HostKeyCallback = func(publicBlob []byte) error {
		seenBlob = append([]byte(nil), publicBlob...)
		return nil
	}
	client, server := newSessionPair(t, clientOpts, serverOpts)

	join := serveSession(t, server, (*Session).Handshake)
	require.NoError(t, client.Handshake())
	join()

	assert.True(t, crypto.FingerprintEqual(serverOpts.HostKey.PublicBlob(), seenBlob))
}

func TestHandshakeHostKeyRejected(t *testing.T) {
	clientOpts := testClientOptions()
	clientOpts.HostKeyCallback = func([]byte) error {
		return errors.New("not in known_hosts")
	}
	client, server := newSessionPair(t, clientOpts, testServerOptions(t))

	join := serveSession(t, server, func(s *Session) error {
		// The client aborts mid-exchange; the server sees the close.
		_ = s.Handshake()
		return nil
	})
	err := client.Handshake()
	join()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostKeyRejected)
	assert.Equal(t, StateError, client.State())
	assert.False(t, client.IsAlive())
}

func TestHandshakeNoHostKeyCallbackRejects(t *testing.T) {
	clientOpts := testClientOptions()
	clientOpts.HostKeyCallback = nil
	client, server := newSessionPair(t, clientOpts, testServerOptions(t))

	join := serveSession(t, server, func(s *Session) error {
		_ = s.Handshake()
		return nil
	})
	err := client.Handshake()
	join()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostKeyRejected)
}

func TestHandshakeNoCommonAlgorithms(t *testing.T) {
	clientOpts := testClientOptions()
	clientOpts.Ciphers = []string{"aes128-ctr"}
	serverOpts := testServerOptions(t)
	serverOpts.Ciphers = []string{"aes256-ctr"}
	client, server := newSessionPair(t, clientOpts, serverOpts)

	join := serveSession(t, server, func(s *Session) error {
		_ = s.Handshake()
		return nil
	})
	err := client.Handshake()
	join()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKexFailure)
	assert.Equal(t, StateError, client.State())
	assert.Equal(t, StateError, server.State())
}

func TestNewkeysActivationOrder(t *testing.T) {
	buildCtx := func(clientToServer bool) *crypto.Context {
		ivLen, keyLen, macLen, err := crypto.KeySizes(crypto.CipherAES128CTR, crypto.MACHMACSHA256)
		require.NoError(t, err)
		keys := crypto.DeriveDirectionKeys([]byte{1, 2, 3}, []byte{4, 5, 6}, []byte{7, 8, 9},
			clientToServer, ivLen, keyLen, macLen)
		ctx, err := crypto.NewContext(crypto.CipherAES128CTR, crypto.MACHMACSHA256, keys)
		require.NoError(t, err)
		return ctx
	}
	nextOut, nextIn := buildCtx(true), buildCtx(false)

	ct := &captureTransport{}
	s := NewClientSession(ct, testClientOptions())
	s.kex = &kexState{state: dhInitSent, nextOut: nextOut, nextIn: nextIn}

	require.Nil(t, s.outCtx)
	require.NoError(t, s.sendNewkeys())

	// The NEWKEYS message itself went out under the old (nil) context.
	require.Len(t, ct.writes, 1)
	frame := ct.writes[0]
	assert.Equal(t, byte(msgNewkeys), frame[5])

	// Outbound flips right after the send; inbound stays on old keys.
	assert.Same(t, nextOut, s.outCtx)
	assert.Nil(t, s.inCtx)
	assert.Equal(t, dhNewkeysSent, s.kex.state)

	// The peer's NEWKEYS flips inbound and finishes the exchange.
	s.kex.peerNewkeys = true
	require.NoError(t, s.kexStep())
	assert.Same(t, nextIn, s.inCtx)
	assert.Equal(t, dhFinished, s.kex.state)
}

func TestRekeyKeepsSequenceNumbers(t *testing.T) {
	var gotForward bool
	client, server := connectPair(t, func(s *Session) {
		s.OnGlobalRequest = func(name string, payload *wire.Buffer) bool {
			gotForward = name == "tcpip-forward"
			return gotForward
		}
	})

	outBefore, inBefore := client.outSeq, client.inSeq
	oldClientCtx := client.outCtx
	oldKex := server.kex

	join := serveSession(t, server, func(s *Session) error {
		if err := s.pumpUntil(func() bool {
			return s.kex != oldKex && s.kex.state == dhFinished
		}, 5*time.Second); err != nil {
			return err
		}
		return s.pumpUntil(func() bool { return gotForward }, 5*time.Second)
	})

	require.NoError(t, client.Rekey())

	// Sequence numbers continue across the key change; only the
	// contexts are replaced.
	assert.Greater(t, client.outSeq, outBefore)
	assert.Greater(t, client.inSeq, inBefore)
	assert.NotSame(t, oldClientCtx, client.outCtx)

	// Traffic still flows under the new keys.
	port, err := client.RequestForwardTCPIP("127.0.0.1", 2222)
	require.NoError(t, err)
	assert.Equal(t, uint32(2222), port)
	join()

	assert.True(t, gotForward)
	assert.Equal(t, client.outSeq, server.inSeq)
	assert.Equal(t, client.inSeq, server.outSeq)
}

func TestRekeyRequiresAuthenticated(t *testing.T) {
	client, server := newSessionPair(t, testClientOptions(), testServerOptions(t))

	join := serveSession(t, server, (*Session).Handshake)
	require.NoError(t, client.Handshake())
	join()

	err := client.Rekey()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.True(t, client.IsAlive())
}

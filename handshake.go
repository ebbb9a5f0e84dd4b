package sshmux

import (
	"bytes"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sshmux/crypto"
	"github.com/opd-ai/sshmux/limits"
	"github.com/opd-ai/sshmux/wire"
)

// randomBytes fills p from the cryptographic random source.
func randomBytes(p []byte) error {
	_, err := cryptorand.Read(p)
	return err
}

// dhState is the key-exchange sub-state machine. Each call to kexStep
// performs at most one transition; the pump re-invokes it as inputs
// arrive, preserving the do-what-you-can-now contract without
// fallthrough tricks.
type dhState int

const (
	dhInit dhState = iota
	dhInitSent
	dhNewkeysSent
	dhFinished
)

// kexdhReply holds the parsed fields of a KEXDH_REPLY until the step
// function consumes them.
type kexdhReply struct {
	hostKeyBlob []byte
	serverPub   []byte
	signature   []byte
}

// negotiated is the algorithm selection for one key exchange.
type negotiated struct {
	kex       string
	hostKey   string
	cipherC2S string
	cipherS2C string
	macC2S    string
	macS2C    string
}

// kexState tracks one key exchange (initial or rekey). The derived
// "next" contexts are staged here and swapped into the session
// per-direction: outbound strictly after the local NEWKEYS send,
// inbound strictly after the peer's NEWKEYS arrives.
type kexState struct {
	state         dhState
	localKexinit  []byte
	remoteKexinit []byte
	localSent     bool
	algos         negotiated
	ephemeral     *crypto.KexKeyPair
	reply         *kexdhReply
	clientPub     []byte
	peerNewkeys   bool
	nextOut       *crypto.Context
	nextIn        *crypto.Context
}

// Handshake performs the banner exchange and initial key exchange,
// leaving the session ready for authentication.
func (s *Session) Handshake() error {
	if !s.IsAlive() {
		return s.deadErr()
	}
	if s.kex != nil && s.kex.state == dhFinished {
		return nil
	}

	// The server identifies itself first; the client answers once the
	// server banner has been received. Re-entry after a retryable
	// timeout resumes where the exchange left off.
	if s.role == roleServer {
		if err := s.sendBanner(); err != nil {
			return err
		}
	}

	err := s.pumpUntil(func() bool {
		return s.kex != nil && s.kex.state == dhFinished
	}, s.opts.HandshakeTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return newProtocolError("handshake", ErrTimeout)
		}
		return err
	}

	logrus.WithFields(logrus.Fields{
		"remote_version": s.remoteVersion,
		"kex":            s.kex.algos.kex,
		"cipher":         s.kex.algos.cipherC2S,
		"mac":            s.kex.algos.macC2S,
	}).Info("handshake complete")
	return nil
}

// sendBanner writes the identification line. Raw bytes: the banner is
// exchanged before packet framing starts.
func (s *Session) sendBanner() error {
	if s.bannerSent {
		return nil
	}
	if _, err := s.transport.Write([]byte(s.localVersion + "\r\n")); err != nil {
		return s.fatal("banner", err)
	}
	s.bannerSent = true
	return nil
}

// processBanner consumes the peer identification line from the raw
// inbound buffer. A line longer than the limit without a newline is a
// protocol violation, not a condition to wait out.
func (s *Session) processBanner() error {
	for {
		rest := s.inRaw.Rest()
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			if err := limits.ValidateBannerLength(s.inRaw.Len()); err != nil {
				return s.fatal("banner", fmt.Errorf("%w: %v", ErrProtocol, err))
			}
			return nil
		}
		if err := limits.ValidateBannerLength(idx); err != nil {
			return s.fatal("banner", fmt.Errorf("%w: %v", ErrProtocol, err))
		}

		line := string(bytes.TrimRight(rest[:idx], "\r"))
		if err := s.inRaw.PassBytes(idx + 1); err != nil {
			return s.fatal("banner", err)
		}

		if !strings.HasPrefix(line, "SSH-") {
			// Servers may emit informational lines before the banner.
			if s.role == roleClient {
				logrus.WithFields(logrus.Fields{"line": line}).Debug("skipping pre-banner line")
				continue
			}
			return s.fatal("banner", fmt.Errorf("%w: expected identification, got %q", ErrProtocol, line))
		}
		return s.acceptBanner(line)
	}
}

// acceptBanner validates the peer's protocol version and advances the
// state machine into the initial key exchange.
func (s *Session) acceptBanner(line string) error {
	parts := strings.SplitN(line[len("SSH-"):], "-", 2)
	if len(parts) < 2 {
		return s.fatal("banner", fmt.Errorf("%w: malformed identification %q", ErrProtocol, line))
	}
	proto := parts[0]
	if proto != "2.0" && proto != "1.99" {
		return s.fatal("banner", fmt.Errorf("%w: unsupported protocol version %q", ErrProtocol, proto))
	}

	s.remoteVersion = line
	s.bannerDone = true
	s.state = StateBannerReceived
	logrus.WithFields(logrus.Fields{
		"remote_version": line,
	}).Debug("peer identification received")

	if s.role == roleClient {
		if err := s.sendBanner(); err != nil {
			return err
		}
	}
	s.state = StateInitialKex
	return s.sendKexinit()
}

// buildKexinit constructs our KEXINIT payload.
func (s *Session) buildKexinit() ([]byte, error) {
	buf := wire.NewBuffer()
	buf.AddU8(msgKexinit)
	cookie := make([]byte, 16)
	if err := randomBytes(cookie); err != nil {
		return nil, err
	}
	buf.AddBytes(cookie)
	buf.AddString([]byte(strings.Join(s.opts.KexAlgorithms, ",")))
	buf.AddString([]byte(strings.Join(s.opts.HostKeyAlgorithms, ",")))
	buf.AddString([]byte(strings.Join(s.opts.Ciphers, ",")))
	buf.AddString([]byte(strings.Join(s.opts.Ciphers, ",")))
	buf.AddString([]byte(strings.Join(s.opts.MACs, ",")))
	buf.AddString([]byte(strings.Join(s.opts.MACs, ",")))
	buf.AddString([]byte("none"))
	buf.AddString([]byte("none"))
	buf.AddString(nil)
	buf.AddString(nil)
	buf.AddBool(false)
	buf.AddU32(0)

	payload := make([]byte, buf.Len())
	copy(payload, buf.Rest())
	return payload, nil
}

// sendKexinit sends our algorithm lists, creating the kex state if this
// side is initiating.
func (s *Session) sendKexinit() error {
	if s.kex == nil || s.kex.state == dhFinished {
		s.kex = &kexState{}
	}
	if s.kex.localSent {
		return nil
	}
	payload, err := s.buildKexinit()
	if err != nil {
		return s.fatal("kexinit", err)
	}
	s.kex.localKexinit = payload
	s.kex.localSent = true

	s.outBuffer.Reinit()
	s.outBuffer.AddBytes(payload)
	return s.sendPacket()
}

// Rekey initiates a mid-session key renegotiation and drives it to
// completion. Packet sequence numbers are not reset; only the key
// material changes.
func (s *Session) Rekey() error {
	if !s.IsAlive() {
		return s.deadErr()
	}
	if s.state != StateAuthenticated {
		return newProtocolError("rekey", ErrNotAuthenticated)
	}
	if s.kex != nil && s.kex.state != dhFinished {
		return newProtocolError("rekey", ErrRequestPending)
	}
	s.kex = &kexState{}
	if err := s.sendKexinit(); err != nil {
		return err
	}
	return s.pumpUntil(func() bool {
		return s.kex.state == dhFinished
	}, s.opts.OperationTimeout)
}

// nameList parses one comma-separated algorithm list field.
func nameList(buf *wire.Buffer) ([]string, error) {
	raw, err := buf.GetString()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return strings.Split(string(raw), ","), nil
}

// chooseAlgorithm picks the first client-preferred algorithm the server
// also supports. The client's list order governs on both sides.
func chooseAlgorithm(category string, client, server []string) (string, error) {
	for _, c := range client {
		for _, sv := range server {
			if c == sv {
				return c, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no common %s algorithm (client %v, server %v)",
		ErrKexFailure, category, client, server)
}

// handleKexinit negotiates algorithms from the peer's lists. Receiving
// one mid-session is the peer initiating a rekey.
func (s *Session) handleKexinit(buf *wire.Buffer, raw []byte) error {
	if s.kex == nil || s.kex.state == dhFinished {
		if s.state != StateAuthenticated {
			return s.fatal("kexinit", fmt.Errorf("%w: unexpected KEXINIT in state %s", ErrProtocol, s.state))
		}
		s.kex = &kexState{}
	}
	if s.kex.remoteKexinit != nil {
		return s.fatal("kexinit", fmt.Errorf("%w: duplicate KEXINIT", ErrProtocol))
	}
	s.kex.remoteKexinit = append([]byte(nil), raw...)

	if err := buf.PassBytes(16); err != nil {
		return s.fatal("kexinit", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	var lists [10][]string
	for i := range lists {
		l, err := nameList(buf)
		if err != nil {
			return s.fatal("kexinit", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		lists[i] = l
	}

	ours := [][]string{
		s.opts.KexAlgorithms, s.opts.HostKeyAlgorithms,
		s.opts.Ciphers, s.opts.Ciphers,
		s.opts.MACs, s.opts.MACs,
		{"none"}, {"none"},
	}
	clientLists, serverLists := ours, lists[:8]
	if s.role == roleServer {
		clientLists, serverLists = lists[:8], ours
	}

	categories := []string{
		"kex", "host key", "cipher client-to-server", "cipher server-to-client",
		"MAC client-to-server", "MAC server-to-client",
		"compression client-to-server", "compression server-to-client",
	}
	var chosen [8]string
	for i, cat := range categories {
		c, err := chooseAlgorithm(cat, clientLists[i], serverLists[i])
		if err != nil {
			return s.fatal("kexinit", err)
		}
		chosen[i] = c
	}
	s.kex.algos = negotiated{
		kex:       chosen[0],
		hostKey:   chosen[1],
		cipherC2S: chosen[2],
		cipherS2C: chosen[3],
		macC2S:    chosen[4],
		macS2C:    chosen[5],
	}
	logrus.WithFields(logrus.Fields{
		"kex":      chosen[0],
		"host_key": chosen[1],
		"cipher":   chosen[2],
		"mac":      chosen[4],
	}).Debug("algorithms negotiated")

	if s.state == StateInitialKex {
		s.state = StateKexinitReceived
	}

	// Answer a peer-initiated rekey with our own lists.
	if err := s.sendKexinit(); err != nil {
		return err
	}
	if s.state == StateKexinitReceived {
		s.state = StateDH
	}
	return s.kexStep()
}

// kexStep advances the key-exchange sub-state machine by at most one
// transition. Inputs that have not arrived yet leave the state as is;
// message handlers stash them and re-invoke.
func (s *Session) kexStep() error {
	k := s.kex
	switch k.state {
	case dhInit:
		if s.role == roleClient {
			return s.kexClientSendInit()
		}
		if k.clientPub == nil {
			return nil
		}
		return s.kexServerReply()

	case dhInitSent:
		if k.reply == nil {
			return nil
		}
		return s.kexClientFinishReply()

	case dhNewkeysSent:
		if !k.peerNewkeys {
			return nil
		}
		s.inCtx = k.nextIn
		k.state = dhFinished
		s.finishKex()
		return nil

	case dhFinished:
		return nil
	}
	return nil
}

// kexClientSendInit generates the ephemeral pair and sends KEXDH_INIT.
func (s *Session) kexClientSendInit() error {
	kp, err := crypto.GenerateKexKeyPair()
	if err != nil {
		return s.fatal("kexdh", err)
	}
	s.kex.ephemeral = kp

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgKexdhInit)
	s.outBuffer.AddString(kp.Public[:])
	if err := s.sendPacket(); err != nil {
		return err
	}
	s.kex.state = dhInitSent
	return nil
}

// exchangeHash computes H over the version strings, both KEXINIT
// payloads, the host key blob, both ephemeral publics, and the shared
// secret. The session binds to the host-key signature over this hash.
func (s *Session) exchangeHash(hostKeyBlob, clientPub, serverPub, secret []byte) []byte {
	clientVersion, serverVersion := s.localVersion, s.remoteVersion
	clientInit, serverInit := s.kex.localKexinit, s.kex.remoteKexinit
	if s.role == roleServer {
		clientVersion, serverVersion = s.remoteVersion, s.localVersion
		clientInit, serverInit = s.kex.remoteKexinit, s.kex.localKexinit
	}

	h := wire.NewBuffer()
	h.AddString([]byte(clientVersion))
	h.AddString([]byte(serverVersion))
	h.AddString(clientInit)
	h.AddString(serverInit)
	h.AddString(hostKeyBlob)
	h.AddString(clientPub)
	h.AddString(serverPub)
	h.AddBytes(crypto.EncodeMpint(secret))
	return crypto.Hash(h.Rest())
}

// deriveContexts builds the staged next-generation cipher contexts from
// the shared secret and exchange hash.
func (s *Session) deriveContexts(secret, hash []byte) error {
	if s.sessionID == nil {
		s.sessionID = hash
	}

	build := func(cipherName, macName string, clientToServer bool) (*crypto.Context, error) {
		ivLen, keyLen, macLen, err := crypto.KeySizes(cipherName, macName)
		if err != nil {
			return nil, err
		}
		keys := crypto.DeriveDirectionKeys(secret, hash, s.sessionID, clientToServer, ivLen, keyLen, macLen)
		return crypto.NewContext(cipherName, macName, keys)
	}

	c2s, err := build(s.kex.algos.cipherC2S, s.kex.algos.macC2S, true)
	if err != nil {
		return err
	}
	s2c, err := build(s.kex.algos.cipherS2C, s.kex.algos.macS2C, false)
	if err != nil {
		return err
	}

	if s.role == roleClient {
		s.kex.nextOut, s.kex.nextIn = c2s, s2c
	} else {
		s.kex.nextOut, s.kex.nextIn = s2c, c2s
	}
	return nil
}

// kexClientFinishReply consumes the stashed KEXDH_REPLY: verify the host
// key signature, consult the trust callback, derive keys, send NEWKEYS.
// The outbound context switches only after the NEWKEYS send completes;
// the inbound context stays on the old keys until the peer's NEWKEYS.
func (s *Session) kexClientFinishReply() error {
	r := s.kex.reply
	s.kex.reply = nil

	secret, err := s.kex.ephemeral.SharedSecret(r.serverPub)
	if err != nil {
		return s.fatal("kexdh", err)
	}
	hash := s.exchangeHash(r.hostKeyBlob, s.kex.ephemeral.Public[:], r.serverPub, secret)

	if err := crypto.VerifyHostSignature(r.hostKeyBlob, r.signature, hash); err != nil {
		return s.fatal("kexdh", err)
	}
	if s.opts.HostKeyCallback == nil {
		return s.fatal("kexdh", fmt.Errorf("%w: no host key callback configured", ErrHostKeyRejected))
	}
	if err := s.opts.HostKeyCallback(r.hostKeyBlob); err != nil {
		return s.fatal("kexdh", fmt.Errorf("%w: %v", ErrHostKeyRejected, err))
	}

	if err := s.deriveContexts(secret, hash); err != nil {
		return s.fatal("kexdh", err)
	}
	return s.sendNewkeys()
}

// kexServerReply answers a client KEXDH_INIT: derive the secret, sign
// the exchange hash with the host key, send KEXDH_REPLY then NEWKEYS.
func (s *Session) kexServerReply() error {
	if s.opts.HostKey == nil {
		return s.fatal("kexdh", errors.New("server session has no host key"))
	}
	kp, err := crypto.GenerateKexKeyPair()
	if err != nil {
		return s.fatal("kexdh", err)
	}
	s.kex.ephemeral = kp

	secret, err := kp.SharedSecret(s.kex.clientPub)
	if err != nil {
		return s.fatal("kexdh", err)
	}
	hostKeyBlob := s.opts.HostKey.PublicBlob()
	hash := s.exchangeHash(hostKeyBlob, s.kex.clientPub, kp.Public[:], secret)

	if err := s.deriveContexts(secret, hash); err != nil {
		return s.fatal("kexdh", err)
	}

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgKexdhReply)
	s.outBuffer.AddString(hostKeyBlob)
	s.outBuffer.AddString(kp.Public[:])
	s.outBuffer.AddString(s.opts.HostKey.Sign(hash))
	if err := s.sendPacket(); err != nil {
		return err
	}
	return s.sendNewkeys()
}

// sendNewkeys sends NEWKEYS under the old keys and then activates the
// new outbound context. Activating before the send would encrypt the
// NEWKEYS message itself with keys the peer has not switched to.
func (s *Session) sendNewkeys() error {
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgNewkeys)
	if err := s.sendPacket(); err != nil {
		return err
	}
	s.outCtx = s.kex.nextOut
	s.kex.state = dhNewkeysSent
	return s.kexStep()
}

// handleKexdhReply stashes the server's reply for the step function.
func (s *Session) handleKexdhReply(buf *wire.Buffer, raw []byte) error {
	if s.kex == nil || s.kex.state != dhInitSent {
		return s.fatal("kexdh", fmt.Errorf("%w: unexpected KEXDH_REPLY", ErrProtocol))
	}
	hostKeyBlob, err := buf.GetString()
	if err == nil {
		var serverPub, sig []byte
		serverPub, err = buf.GetString()
		if err == nil {
			sig, err = buf.GetString()
			if err == nil {
				s.kex.reply = &kexdhReply{hostKeyBlob: hostKeyBlob, serverPub: serverPub, signature: sig}
			}
		}
	}
	if err != nil {
		return s.fatal("kexdh", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	return s.kexStep()
}

// handleKexdhInit stashes the client's ephemeral public value.
func (s *Session) handleKexdhInit(buf *wire.Buffer, raw []byte) error {
	if s.kex == nil || s.kex.state != dhInit {
		return s.fatal("kexdh", fmt.Errorf("%w: unexpected KEXDH_INIT", ErrProtocol))
	}
	pub, err := buf.GetString()
	if err != nil {
		return s.fatal("kexdh", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	s.kex.clientPub = pub
	return s.kexStep()
}

// handleNewkeys records the peer's key activation. The inbound context
// switches here and not earlier; bytes already queued were encrypted
// under the old keys and decode lazily.
func (s *Session) handleNewkeys(buf *wire.Buffer, raw []byte) error {
	if s.kex == nil || s.kex.peerNewkeys {
		return s.fatal("newkeys", fmt.Errorf("%w: unexpected NEWKEYS", ErrProtocol))
	}
	if s.kex.nextIn == nil {
		return s.fatal("newkeys", fmt.Errorf("%w: NEWKEYS before key derivation", ErrProtocol))
	}
	s.kex.peerNewkeys = true
	return s.kexStep()
}

// finishKex completes the exchange: the transport leaves the DH state
// for authentication on the first exchange, or stays authenticated on a
// rekey.
func (s *Session) finishKex() {
	metricKexCompleted.Inc()
	if s.state == StateDH {
		s.state = StateAuthenticating
	}
	logrus.WithFields(logrus.Fields{
		"state": s.state.String(),
	}).Debug("key exchange finished")
}

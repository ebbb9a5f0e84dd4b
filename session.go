package sshmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sshmux/crypto"
	"github.com/opd-ai/sshmux/limits"
	"github.com/opd-ai/sshmux/wire"
)

// SessionState is the transport state machine position.
type SessionState int

const (
	StateInit SessionState = iota
	StateConnecting
	StateSocketConnected
	StateBannerReceived
	StateInitialKex
	StateKexinitReceived
	StateDH
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
	StateError
)

var stateNames = map[SessionState]string{
	StateInit:            "INIT",
	StateConnecting:      "CONNECTING",
	StateSocketConnected: "SOCKET_CONNECTED",
	StateBannerReceived:  "BANNER_RECEIVED",
	StateInitialKex:      "INITIAL_KEX",
	StateKexinitReceived: "KEXINIT_RECEIVED",
	StateDH:              "DH",
	StateAuthenticating:  "AUTHENTICATING",
	StateAuthenticated:   "AUTHENTICATED",
	StateDisconnected:    "DISCONNECTED",
	StateError:           "ERROR",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

type role int

const (
	roleClient role = iota
	roleServer
)

// messageHandler processes one inbound message. buf's cursor is past the
// type byte; raw is the full payload including it, valid for the call.
type messageHandler func(buf *wire.Buffer, raw []byte) error

// Session is one encrypted connection: the transport state machine, the
// packet codec state, the channel table, and the pending-request
// correlators. A Session is not internally synchronized; the caller
// must not enter it from two goroutines at once.
type Session struct {
	role  role
	opts  *Options
	state SessionState

	transport Transport

	localVersion  string
	remoteVersion string
	bannerSent    bool
	bannerDone    bool

	// Packet codec state. outBuffer holds the payload of the message
	// under construction; inRaw accumulates raw transport bytes.
	outBuffer *wire.Buffer
	inRaw     *wire.Buffer
	outSeq    uint32
	inSeq     uint32
	outCtx    *crypto.Context
	inCtx     *crypto.Context

	// In-progress inbound packet: decrypted first block and declared length.
	firstBlock []byte
	curLen     uint32

	handlers map[byte]messageHandler

	kex       *kexState
	sessionID []byte

	channels      map[uint32]*Channel
	nextChannelID uint32

	pendingGlobal      pendingRequest
	pendingAuth        pendingRequest
	globalReplyPayload []byte

	authUser    string
	authService bool
	authMethods string
	authBanner  string

	err    error
	errMsg string
	gone   bool

	// OnChannelOpen is invoked for an inbound channel open with the
	// channel type, a half-built channel, and the type-specific extra
	// fields. Returning true accepts the open. Nil rejects every open.
	OnChannelOpen func(chType string, ch *Channel, extra *wire.Buffer) bool

	// OnGlobalRequest is invoked for an inbound global request.
	// Returning true reports success to the peer.
	OnGlobalRequest func(name string, payload *wire.Buffer) bool

	// OnDisconnect is invoked when the peer sends a disconnect message.
	OnDisconnect func(reason uint32, description string)
}

// NewClientSession wraps an established transport in a client-role
// session. Call Handshake before anything else.
func NewClientSession(t Transport, opts *Options) *Session {
	return newSession(t, opts, roleClient)
}

// NewServerSession wraps an accepted transport in a server-role session.
func NewServerSession(t Transport, opts *Options) *Session {
	return newSession(t, opts, roleServer)
}

// Dial connects to addr, performs the handshake, and returns a session
// ready for authentication.
func Dial(network, addr string, opts *Options) (*Session, error) {
	t, err := DialTransport(network, addr, opts.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	s := NewClientSession(t, opts)
	if err := s.Handshake(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(t Transport, opts *Options, r role) *Session {
	s := &Session{
		role:         r,
		opts:         opts,
		state:        StateSocketConnected,
		transport:    t,
		localVersion: "SSH-2.0-" + opts.VersionID,
		outBuffer:    wire.NewBuffer(),
		inRaw:        wire.NewBuffer(),
		channels:     make(map[uint32]*Channel),
	}
	s.registerHandlers()
	metricSessionsActive.Inc()
	return s
}

// registerHandlers builds the per-session dispatch table. Handlers live
// on the session, not in a process-wide registry, so independent
// sessions can carry distinct configurations.
func (s *Session) registerHandlers() {
	s.handlers = map[byte]messageHandler{
		msgDisconnect:              s.handleDisconnect,
		msgIgnore:                  s.handleIgnore,
		msgDebug:                   s.handleIgnore,
		msgUnimplemented:           s.handleIgnore,
		msgKexinit:                 s.handleKexinit,
		msgNewkeys:                 s.handleNewkeys,
		msgGlobalRequest:           s.handleGlobalRequest,
		msgRequestSuccess:          s.handleRequestSuccess,
		msgRequestFailure:          s.handleRequestFailure,
		msgChannelOpen:             s.handleChannelOpen,
		msgChannelOpenConfirmation: s.handleChannelOpenConfirmation,
		msgChannelOpenFailure:      s.handleChannelOpenFailure,
		msgChannelWindowAdjust:     s.handleChannelWindowAdjust,
		msgChannelData:             s.handleChannelData,
		msgChannelExtendedData:     s.handleChannelExtendedData,
		msgChannelEOF:              s.handleChannelEOF,
		msgChannelClose:            s.handleChannelClose,
		msgChannelRequest:          s.handleChannelRequest,
		msgChannelSuccess:          s.handleChannelSuccess,
		msgChannelFailure:          s.handleChannelFailure,
	}
	if s.role == roleClient {
		s.handlers[msgKexdhReply] = s.handleKexdhReply
		s.handlers[msgServiceAccept] = s.handleServiceAccept
		s.handlers[msgUserauthSuccess] = s.handleUserauthSuccess
		s.handlers[msgUserauthFailure] = s.handleUserauthFailure
		s.handlers[msgUserauthBanner] = s.handleUserauthBanner
	} else {
		s.handlers[msgKexdhInit] = s.handleKexdhInit
		s.handlers[msgServiceRequest] = s.handleServiceRequest
		s.handlers[msgUserauthRequest] = s.handleUserauthRequest
	}
}

// State returns the current transport state.
func (s *Session) State() SessionState {
	return s.state
}

// IsAlive reports whether the session can still carry traffic.
func (s *Session) IsAlive() bool {
	return s.state != StateError && s.state != StateDisconnected && s.state != StateInit
}

// IsAuthenticated reports whether authentication has completed.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateAuthenticated
}

// LastError returns the retained human-readable failure description, or
// an empty string. It is kept independently of the error value because
// the error code alone is often not specific enough.
func (s *Session) LastError() string {
	return s.errMsg
}

// fatal moves the session to the terminal error state: the transport is
// closed, the message retained, and every pending correlator forced out
// of its wait. There is no automatic retry.
func (s *Session) fatal(op string, err error) error {
	if s.state == StateError {
		return s.err
	}
	perr := newProtocolError(op, err)
	s.err = perr
	s.errMsg = perr.Error()
	s.state = StateError

	logrus.WithFields(logrus.Fields{
		"op":    op,
		"state": s.state.String(),
	}).WithError(err).Error("session entered error state")
	metricFatalErrors.WithLabelValues(op).Inc()
	s.markGone()
	s.transport.Close()

	s.pendingGlobal.forceError(s.errMsg)
	s.pendingAuth.forceError(s.errMsg)
	for _, ch := range s.channels {
		ch.pending.forceError(s.errMsg)
	}
	return perr
}

// markGone decrements the live-session gauge exactly once.
func (s *Session) markGone() {
	if !s.gone {
		s.gone = true
		metricSessionsActive.Dec()
	}
}

// deadErr returns the error that describes why the session is unusable.
func (s *Session) deadErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrSessionDead
}

// Disconnect sends a disconnect message if the transport is still up and
// closes it. Safe to call more than once.
func (s *Session) Disconnect() error {
	if s.state == StateDisconnected {
		return nil
	}
	if s.IsAlive() {
		s.outBuffer.Reinit()
		s.outBuffer.AddU8(msgDisconnect)
		s.outBuffer.AddU32(disconnectByApplication)
		s.outBuffer.AddString([]byte("disconnected by application"))
		s.outBuffer.AddString(nil)
		// Best effort: the peer may already be gone.
		_ = s.sendPacket()
	}
	if s.state != StateError {
		s.state = StateDisconnected
	}
	s.markGone()
	return s.transport.Close()
}

// --- packet codec, outbound ---

// sendPacket frames the payload accumulated in outBuffer, encrypts and
// MACs it under the current outbound context, and writes it to the
// transport. Any failure reinits the out buffer so no partial packet
// survives, then kills the session: a half-written frame cannot be
// resynchronized.
func (s *Session) sendPacket() error {
	payload := s.outBuffer.Rest()
	if err := limits.ValidatePayload(payload); err != nil {
		s.outBuffer.Reinit()
		return s.fatal("send", err)
	}

	blockSize := limits.MinBlockSize
	if s.outCtx != nil {
		blockSize = s.outCtx.BlockSize()
	}

	// Total framed length (length field included) must be a multiple of
	// the block size, with at least MinPaddingLength bytes of padding.
	padLen := blockSize - (5+len(payload))%blockSize
	if padLen < limits.MinPaddingLength {
		padLen += blockSize
	}
	packetLen := uint32(1 + len(payload) + padLen)

	framed := make([]byte, 4+packetLen)
	binary.BigEndian.PutUint32(framed, packetLen)
	framed[4] = byte(padLen)
	copy(framed[5:], payload)
	if err := randomBytes(framed[5+len(payload):]); err != nil {
		s.outBuffer.Reinit()
		return s.fatal("send", err)
	}

	var mac []byte
	if s.outCtx != nil {
		mac = s.outCtx.ComputeMAC(s.outSeq, framed)
		s.outCtx.XORKeyStream(framed, framed)
	}

	msgType := payload[0]
	if _, err := s.transport.Write(framed); err != nil {
		s.outBuffer.Reinit()
		return s.fatal("send", err)
	}
	if len(mac) > 0 {
		if _, err := s.transport.Write(mac); err != nil {
			s.outBuffer.Reinit()
			return s.fatal("send", err)
		}
	}

	s.outSeq++
	metricPacketsSent.Inc()
	metricBytesSent.Add(float64(len(framed) + len(mac)))
	logrus.WithFields(logrus.Fields{
		"type": messageName(msgType),
		"len":  packetLen,
		"seq":  s.outSeq - 1,
	}).Trace("packet sent")

	s.outBuffer.Reinit()
	return nil
}

// --- packet codec, inbound ---

// processStep ingests buffered transport bytes and decodes at most one
// inbound packet, so a pump loop can re-check its completion predicate
// between packets instead of overshooting into the peer's next message.
// It never blocks; reports whether a packet was dispatched.
func (s *Session) processStep() (bool, error) {
	if s.state == StateError {
		return false, s.err
	}
	if s.state == StateDisconnected {
		return false, nil
	}

	eof, err := s.fillInRaw()
	if err != nil {
		return false, err
	}

	if !s.bannerDone {
		if err := s.processBanner(); err != nil {
			return false, err
		}
		if !s.bannerDone {
			if eof {
				return false, s.fatal("banner", errors.New("connection closed before identification"))
			}
			return false, nil
		}
	}

	advanced, err := s.decodeOnePacket()
	if err != nil {
		return false, err
	}
	if advanced {
		return true, nil
	}

	if eof && s.IsAlive() {
		return false, s.fatal("transport", errors.New("connection closed by peer"))
	}
	return false, nil
}

// processOnce drains available transport bytes and decodes every
// complete inbound packet that is buffered. It never blocks.
func (s *Session) processOnce() error {
	for {
		advanced, err := s.processStep()
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		if s.state == StateError || s.state == StateDisconnected {
			return nil
		}
	}
}

// fillInRaw moves everything the transport already has into inRaw.
// Reports whether the peer has closed the stream.
func (s *Session) fillInRaw() (bool, error) {
	chunk := make([]byte, 16384)
	for {
		n, err := s.transport.ReadAvailable(chunk)
		if n > 0 {
			s.inRaw.AddBytes(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, nil
			}
			return false, s.fatal("read", err)
		}
		if n == 0 {
			return false, nil
		}
	}
}

// decodeOnePacket attempts to complete one inbound packet from inRaw.
// Returns false with no error when more bytes are needed.
func (s *Session) decodeOnePacket() (bool, error) {
	blockSize := limits.MinBlockSize
	macSize := 0
	if s.inCtx != nil {
		blockSize = s.inCtx.BlockSize()
		macSize = s.inCtx.MACSize()
	}

	if s.firstBlock == nil {
		if s.inRaw.Len() < blockSize {
			return false, nil
		}
		fb, err := s.inRaw.GetBytes(blockSize)
		if err != nil {
			return false, s.fatal("decode", err)
		}
		if s.inCtx != nil {
			s.inCtx.XORKeyStream(fb, fb)
		}
		s.firstBlock = fb
		s.curLen = binary.BigEndian.Uint32(fb)
		if err := limits.ValidatePacketLength(s.curLen); err != nil {
			return false, s.fatal("decode", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		if (4+int(s.curLen))%blockSize != 0 {
			return false, s.fatal("decode", fmt.Errorf("%w: packet length %d not block aligned", ErrProtocol, s.curLen))
		}
	}

	rest := 4 + int(s.curLen) - len(s.firstBlock)
	if rest < 0 {
		return false, s.fatal("decode", fmt.Errorf("%w: packet shorter than one block", ErrProtocol))
	}
	if s.inRaw.Len() < rest+macSize {
		return false, nil
	}

	restBytes, err := s.inRaw.GetBytes(rest)
	if err != nil {
		return false, s.fatal("decode", err)
	}
	if s.inCtx != nil && rest > 0 {
		s.inCtx.XORKeyStream(restBytes, restBytes)
	}
	framed := append(s.firstBlock, restBytes...)
	s.firstBlock = nil

	if macSize > 0 {
		mac, err := s.inRaw.GetBytes(macSize)
		if err != nil {
			return false, s.fatal("decode", err)
		}
		if err := s.inCtx.VerifyMAC(s.inSeq, framed, mac); err != nil {
			metricMACFailures.Inc()
			return false, s.fatal("decode", err)
		}
	}

	s.inSeq++
	metricPacketsRecv.Inc()
	metricBytesRecv.Add(float64(len(framed) + macSize))

	padLen := int(framed[4])
	if padLen < limits.MinPaddingLength || uint32(padLen)+1 > s.curLen {
		return false, s.fatal("decode", fmt.Errorf("%w: padding length %d of packet %d", ErrProtocol, padLen, s.curLen))
	}
	payload := framed[5 : 4+int(s.curLen)-padLen]
	if len(payload) == 0 {
		return false, s.fatal("decode", fmt.Errorf("%w: empty payload", ErrProtocol))
	}
	return true, s.dispatch(payload)
}

// dispatch routes a decoded payload to the handler registered for its
// type byte. Unknown types are logged and dropped.
func (s *Session) dispatch(payload []byte) error {
	msgType := payload[0]
	logrus.WithFields(logrus.Fields{
		"type": messageName(msgType),
		"len":  len(payload),
		"seq":  s.inSeq - 1,
	}).Trace("packet received")

	handler, ok := s.handlers[msgType]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"type": msgType,
		}).Debug("ignoring unhandled message type")
		return nil
	}

	buf := wire.NewBuffer()
	buf.AddBytes(payload)
	if err := buf.PassBytes(1); err != nil {
		return s.fatal("dispatch", err)
	}
	return handler(buf, payload)
}

// handleIgnore drops ignore, debug, and unimplemented messages.
func (s *Session) handleIgnore(buf *wire.Buffer, raw []byte) error {
	return nil
}

// handleDisconnect processes a peer disconnect: the session is done, the
// description retained for the caller.
func (s *Session) handleDisconnect(buf *wire.Buffer, raw []byte) error {
	reason, err := buf.GetU32()
	if err != nil {
		return s.fatal("disconnect", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	desc, err := buf.GetString()
	if err != nil {
		return s.fatal("disconnect", fmt.Errorf("%w: %v", ErrProtocol, err))
	}

	logrus.WithFields(logrus.Fields{
		"reason":      reason,
		"description": string(desc),
	}).Info("peer disconnected")

	s.errMsg = fmt.Sprintf("disconnected by peer (%d): %s", reason, desc)
	s.state = StateDisconnected
	s.markGone()
	s.transport.Close()
	if s.OnDisconnect != nil {
		s.OnDisconnect(reason, string(desc))
	}
	return nil
}

// --- pump ---

// pumpUntil drives packet processing until pred holds or the deadline
// passes. This loop is the engine's only suspension point: every
// nominally blocking operation is built on it. The predicate is checked
// after every packet, so the pump stops as soon as its operation
// completes and leaves later traffic buffered for the next caller. A
// deadline expiry returns ErrTimeout and leaves the session intact.
func (s *Session) pumpUntil(pred func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		advanced, err := s.processStep()
		if err != nil {
			return err
		}
		if pred() {
			return nil
		}
		if !s.IsAlive() {
			return s.deadErr()
		}
		if advanced {
			// More packets may already be buffered.
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		wait := s.opts.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := s.transport.WaitReadable(wait); err != nil {
			switch {
			case errors.Is(err, ErrTimeout):
				// Deadline slice expired; re-check and wait again.
			case errors.Is(err, io.EOF):
				// Let the next step observe the close and settle state.
			default:
				return s.fatal("wait", err)
			}
		}
	}
}

// Pump processes any buffered inbound traffic without blocking. Useful
// for callers running their own event loop.
func (s *Session) Pump() error {
	return s.processOnce()
}

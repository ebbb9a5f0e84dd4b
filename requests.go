package sshmux

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sshmux/wire"
)

// requestState is the pending-request correlator state.
type requestState int

const (
	requestNone requestState = iota
	requestPending
	requestAccepted
	requestDenied
	requestError
)

// pendingRequest tracks a single outstanding requires-confirmation
// exchange for one scope (session-global or per-channel). Only one may
// be in flight per scope; a second issue while one is pending is a
// caller error, not a queue.
type pendingRequest struct {
	state requestState
	desc  string
}

// begin claims the scope for a new request.
func (p *pendingRequest) begin() error {
	if p.state != requestNone {
		return ErrRequestPending
	}
	p.state = requestPending
	p.desc = ""
	return nil
}

// resolve records the peer's verdict. Ignored unless a request is pending,
// so a stray success/failure cannot corrupt a settled result.
func (p *pendingRequest) resolve(accepted bool, desc string) {
	if p.state != requestPending {
		return
	}
	if accepted {
		p.state = requestAccepted
	} else {
		p.state = requestDenied
	}
	p.desc = desc
}

// forceError pushes a pending request into the error state. Called when
// the session dies so no waiter spins forever.
func (p *pendingRequest) forceError(msg string) {
	if p.state == requestPending {
		p.state = requestError
		p.desc = msg
	}
}

// settled reports whether the request has left the pending state.
func (p *pendingRequest) settled() bool {
	return p.state != requestPending
}

// finish returns the terminal state and resets the scope for reuse.
func (p *pendingRequest) finish() (requestState, string) {
	st, desc := p.state, p.desc
	p.state = requestNone
	p.desc = ""
	return st, desc
}

// awaitRequest pumps until the correlator settles and maps the terminal
// state to an error. A timeout leaves the request pending for a retried
// wait; any other outcome resets the scope.
func (s *Session) awaitRequest(p *pendingRequest, op string, timeout time.Duration) error {
	if err := s.pumpUntil(p.settled, timeout); err != nil {
		if err == ErrTimeout {
			return ErrTimeout
		}
		p.finish()
		return err
	}
	st, desc := p.finish()
	switch st {
	case requestAccepted:
		return nil
	case requestDenied:
		if desc != "" {
			return newProtocolError(op, fmt.Errorf("%w: %s", ErrRequestDenied, desc))
		}
		return newProtocolError(op, ErrRequestDenied)
	case requestError:
		return s.deadErr()
	default:
		return nil
	}
}

// --- global requests ---

// globalRequest sends a session-scope request and, when wantReply is
// set, waits for the peer's verdict.
func (s *Session) globalRequest(name string, wantReply bool, build func(*wire.Buffer)) error {
	if !s.IsAlive() {
		return s.deadErr()
	}
	if wantReply {
		if err := s.pendingGlobal.begin(); err != nil {
			return newProtocolError("global request "+name, err)
		}
	}

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgGlobalRequest)
	s.outBuffer.AddString([]byte(name))
	s.outBuffer.AddBool(wantReply)
	if build != nil {
		build(s.outBuffer)
	}
	if err := s.sendPacket(); err != nil {
		if wantReply {
			s.pendingGlobal.finish()
		}
		return err
	}
	if !wantReply {
		return nil
	}
	return s.awaitRequest(&s.pendingGlobal, "global request "+name, s.opts.OperationTimeout)
}

// RequestForwardTCPIP asks the peer to listen on bindAddr:bindPort and
// forward connections back over forwarded-tcpip channels. With bindPort
// zero the peer chooses, and the bound port is returned.
func (s *Session) RequestForwardTCPIP(bindAddr string, bindPort uint32) (uint32, error) {
	s.globalReplyPayload = nil
	err := s.globalRequest("tcpip-forward", true, func(buf *wire.Buffer) {
		buf.AddString([]byte(bindAddr))
		buf.AddU32(bindPort)
	})
	if err != nil {
		return 0, err
	}
	if bindPort == 0 && len(s.globalReplyPayload) >= 4 {
		reply := wire.NewBuffer()
		reply.AddBytes(s.globalReplyPayload)
		port, err := reply.GetU32()
		if err == nil {
			return port, nil
		}
	}
	return bindPort, nil
}

// CancelForwardTCPIP withdraws a previous tcpip-forward request.
func (s *Session) CancelForwardTCPIP(bindAddr string, bindPort uint32) error {
	return s.globalRequest("cancel-tcpip-forward", true, func(buf *wire.Buffer) {
		buf.AddString([]byte(bindAddr))
		buf.AddU32(bindPort)
	})
}

// handleRequestSuccess resolves the global correlator, retaining any
// reply payload for the caller.
func (s *Session) handleRequestSuccess(buf *wire.Buffer, raw []byte) error {
	s.globalReplyPayload = append([]byte(nil), buf.Rest()...)
	s.pendingGlobal.resolve(true, "")
	return nil
}

// handleRequestFailure resolves the global correlator as denied.
func (s *Session) handleRequestFailure(buf *wire.Buffer, raw []byte) error {
	s.pendingGlobal.resolve(false, "")
	return nil
}

// handleGlobalRequest answers an inbound session-scope request via the
// OnGlobalRequest callback. Without a callback every request is refused.
func (s *Session) handleGlobalRequest(buf *wire.Buffer, raw []byte) error {
	if s.state != StateAuthenticated {
		return s.fatal("global request", fmt.Errorf("%w: global request before authentication", ErrProtocol))
	}
	name, err := buf.GetString()
	if err != nil {
		return s.fatal("global request", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	wantReply, err := buf.GetBool()
	if err != nil {
		return s.fatal("global request", fmt.Errorf("%w: %v", ErrProtocol, err))
	}

	accepted := false
	if s.OnGlobalRequest != nil {
		accepted = s.OnGlobalRequest(string(name), buf)
	}
	logrus.WithFields(logrus.Fields{
		"name":     string(name),
		"accepted": accepted,
	}).Debug("global request received")

	if !wantReply {
		return nil
	}
	s.outBuffer.Reinit()
	if accepted {
		s.outBuffer.AddU8(msgRequestSuccess)
	} else {
		s.outBuffer.AddU8(msgRequestFailure)
	}
	return s.sendPacket()
}

// --- channel requests ---

// request sends a named channel request, optionally awaiting the peer's
// verdict through the channel's correlator.
func (ch *Channel) request(name string, wantReply bool, build func(*wire.Buffer)) error {
	s := ch.session
	if !s.IsAlive() {
		return s.deadErr()
	}
	if ch.state != ChannelOpen {
		return newProtocolError("channel request "+name, ErrChannelNotOpen)
	}
	if wantReply {
		if err := ch.pending.begin(); err != nil {
			return newProtocolError("channel request "+name, err)
		}
	}

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelRequest)
	s.outBuffer.AddU32(ch.remoteID)
	s.outBuffer.AddString([]byte(name))
	s.outBuffer.AddBool(wantReply)
	if build != nil {
		build(s.outBuffer)
	}
	if err := s.sendPacket(); err != nil {
		if wantReply {
			ch.pending.finish()
		}
		return err
	}
	if !wantReply {
		return nil
	}
	return s.awaitRequest(&ch.pending, "channel request "+name, s.opts.OperationTimeout)
}

// RequestPTY asks for a pseudo-terminal with the given dimensions and
// no pixel sizes or terminal modes.
func (ch *Channel) RequestPTY(term string, cols, rows uint32) error {
	return ch.RequestPTYFull(term, cols, rows, 0, 0, nil)
}

// RequestPTYFull asks for a pseudo-terminal with pixel dimensions and
// an encoded terminal modes blob. A nil modes blob sends the empty
// TTY_OP_END encoding.
func (ch *Channel) RequestPTYFull(term string, cols, rows, widthPx, heightPx uint32, modes []byte) error {
	if modes == nil {
		modes = []byte{0}
	}
	return ch.request("pty-req", true, func(buf *wire.Buffer) {
		buf.AddString([]byte(term))
		buf.AddU32(cols)
		buf.AddU32(rows)
		buf.AddU32(widthPx)
		buf.AddU32(heightPx)
		buf.AddString(modes)
	})
}

// RequestShell starts the user's shell on the channel.
func (ch *Channel) RequestShell() error {
	return ch.request("shell", true, nil)
}

// RequestExec runs a command on the channel.
func (ch *Channel) RequestExec(command string) error {
	return ch.request("exec", true, func(buf *wire.Buffer) {
		buf.AddString([]byte(command))
	})
}

// RequestSubsystem starts a named subsystem on the channel.
func (ch *Channel) RequestSubsystem(name string) error {
	return ch.request("subsystem", true, func(buf *wire.Buffer) {
		buf.AddString([]byte(name))
	})
}

// SetEnv passes an environment variable. Servers commonly refuse these;
// a denial leaves the session and channel usable.
func (ch *Channel) SetEnv(name, value string) error {
	return ch.request("env", true, func(buf *wire.Buffer) {
		buf.AddString([]byte(name))
		buf.AddString([]byte(value))
	})
}

// SendSignal delivers a signal name (without the "SIG" prefix) to the
// remote process. Signal requests never await a reply.
func (ch *Channel) SendSignal(signal string) error {
	return ch.request("signal", false, func(buf *wire.Buffer) {
		buf.AddString([]byte(signal))
	})
}

// WindowChange reports a terminal resize. Never awaits a reply.
func (ch *Channel) WindowChange(cols, rows, widthPx, heightPx uint32) error {
	return ch.request("window-change", false, func(buf *wire.Buffer) {
		buf.AddU32(cols)
		buf.AddU32(rows)
		buf.AddU32(widthPx)
		buf.AddU32(heightPx)
	})
}

// RequestX11 asks for X11 forwarding on the channel.
func (ch *Channel) RequestX11(singleConnection bool, authProtocol, authCookie string, screen uint32) error {
	return ch.request("x11-req", true, func(buf *wire.Buffer) {
		buf.AddBool(singleConnection)
		buf.AddString([]byte(authProtocol))
		buf.AddString([]byte(authCookie))
		buf.AddU32(screen)
	})
}

// handleChannelSuccess resolves the addressed channel's correlator.
func (s *Session) handleChannelSuccess(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "channel success")
	if err != nil {
		return err
	}
	ch.pending.resolve(true, "")
	return nil
}

// handleChannelFailure resolves the addressed channel's correlator as
// denied. Request-level failure: the session stays usable.
func (s *Session) handleChannelFailure(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "channel failure")
	if err != nil {
		return err
	}
	ch.pending.resolve(false, "")
	return nil
}

// handleChannelRequest processes an inbound channel request:
// exit-status and exit-signal update the channel, everything else is
// offered to the channel's OnRequest callback.
func (s *Session) handleChannelRequest(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "channel request")
	if err != nil {
		return err
	}
	name, err := buf.GetString()
	if err != nil {
		return s.fatal("channel request", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	wantReply, err := buf.GetBool()
	if err != nil {
		return s.fatal("channel request", fmt.Errorf("%w: %v", ErrProtocol, err))
	}

	accepted := false
	switch string(name) {
	case "exit-status":
		status, err := buf.GetU32()
		if err != nil {
			return s.fatal("channel request", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		ch.exitStatus = int(status)
		if ch.OnExitStatus != nil {
			ch.OnExitStatus(status)
		}
		accepted = true

	case "exit-signal":
		sig, err := buf.GetString()
		if err != nil {
			return s.fatal("channel request", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		core, err := buf.GetBool()
		if err != nil {
			return s.fatal("channel request", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		msg, err := buf.GetString()
		if err != nil {
			return s.fatal("channel request", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		if ch.OnExitSignal != nil {
			ch.OnExitSignal(string(sig), core, string(msg))
		}
		accepted = true

	default:
		if ch.OnRequest != nil {
			accepted = ch.OnRequest(string(name), buf)
		}
	}

	logrus.WithFields(logrus.Fields{
		"channel":  ch.localID,
		"name":     string(name),
		"accepted": accepted,
	}).Debug("channel request received")

	if !wantReply {
		return nil
	}
	s.outBuffer.Reinit()
	if accepted {
		s.outBuffer.AddU8(msgChannelSuccess)
	} else {
		s.outBuffer.AddU8(msgChannelFailure)
	}
	s.outBuffer.AddU32(ch.remoteID)
	return s.sendPacket()
}

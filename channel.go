package sshmux

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sshmux/limits"
	"github.com/opd-ai/sshmux/wire"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState int

const (
	ChannelNotOpen ChannelState = iota
	ChannelOpen
	ChannelOpenDenied
	ChannelClosed
)

var channelStateNames = map[ChannelState]string{
	ChannelNotOpen:    "NOT_OPEN",
	ChannelOpen:       "OPEN",
	ChannelOpenDenied: "OPEN_DENIED",
	ChannelClosed:     "CLOSED",
}

func (c ChannelState) String() string {
	if name, ok := channelStateNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Channel is one logical multiplexed stream inside a session. Channels
// are owned by their session and looked up by local id; they are
// destroyed only by an explicit Free, never silently by the remote.
type Channel struct {
	session *Session

	localID  uint32
	remoteID uint32

	state ChannelState

	// delayedClose defers the CLOSED transition after a peer close
	// until buffered received data has been drained by the application.
	delayedClose bool

	localWindow     uint32
	remoteWindow    uint32
	localMaxPacket  uint32
	remoteMaxPacket uint32

	stdout *wire.Buffer
	stderr *wire.Buffer

	localEOF  bool
	remoteEOF bool

	// exitStatus is -1 until an exit-status request arrives.
	exitStatus int

	pending pendingRequest

	openFailureCode uint32
	openFailureDesc string

	// OnData, when set, consumes inbound payload instead of the
	// channel's receive buffers.
	OnData func(data []byte, isStderr bool)

	// OnEOF is invoked when the peer signals end of stream.
	OnEOF func()

	// OnClose is invoked when the channel reaches the closed state.
	OnClose func()

	// OnExitStatus is invoked with the remote process exit status.
	OnExitStatus func(status uint32)

	// OnExitSignal is invoked when the remote process died on a signal.
	OnExitSignal func(signal string, coreDumped bool, message string)

	// OnRequest answers inbound channel requests other than
	// exit-status/exit-signal. Returning true accepts the request.
	OnRequest func(name string, payload *wire.Buffer) bool
}

// LocalID returns the session-unique channel id.
func (ch *Channel) LocalID() uint32 {
	return ch.localID
}

// State returns the channel lifecycle state.
func (ch *Channel) State() ChannelState {
	return ch.state
}

// ExitStatus returns the remote exit status, or -1 while unknown.
func (ch *Channel) ExitStatus() int {
	return ch.exitStatus
}

// newChannel allocates a channel with the next local id and inserts it
// into the session's table. Ids are monotonic; an id goes back into
// circulation only through explicit removal, never by peer action.
func (s *Session) newChannel() *Channel {
	id := s.nextChannelID
	s.nextChannelID++
	ch := &Channel{
		session:        s,
		localID:        id,
		state:          ChannelNotOpen,
		localWindow:    s.opts.WindowBase,
		localMaxPacket: s.opts.MaxPacket,
		stdout:         wire.NewBuffer(),
		stderr:         wire.NewBuffer(),
		exitStatus:     -1,
	}
	s.channels[id] = ch
	return ch
}

// openChannel sends a channel open and pumps until the peer confirms or
// refuses it.
func (s *Session) openChannel(chType string, extra func(*wire.Buffer)) (*Channel, error) {
	if !s.IsAlive() {
		return nil, s.deadErr()
	}
	if s.state != StateAuthenticated {
		return nil, newProtocolError("channel open", ErrNotAuthenticated)
	}

	ch := s.newChannel()
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelOpen)
	s.outBuffer.AddString([]byte(chType))
	s.outBuffer.AddU32(ch.localID)
	s.outBuffer.AddU32(ch.localWindow)
	s.outBuffer.AddU32(ch.localMaxPacket)
	if extra != nil {
		extra(s.outBuffer)
	}
	if err := s.sendPacket(); err != nil {
		delete(s.channels, ch.localID)
		return nil, err
	}

	err := s.pumpUntil(func() bool {
		return ch.state != ChannelNotOpen
	}, s.opts.OperationTimeout)
	if err != nil {
		delete(s.channels, ch.localID)
		return nil, err
	}
	if ch.state != ChannelOpen {
		delete(s.channels, ch.localID)
		if ch.openFailureDesc != "" {
			return nil, newProtocolError("channel open", fmt.Errorf("%w: %s", ErrOpenDenied, ch.openFailureDesc))
		}
		return nil, newProtocolError("channel open", ErrOpenDenied)
	}

	metricChannelsOpened.Inc()
	logrus.WithFields(logrus.Fields{
		"channel":           ch.localID,
		"remote_channel":    ch.remoteID,
		"remote_window":     ch.remoteWindow,
		"remote_max_packet": ch.remoteMaxPacket,
		"type":              chType,
	}).Debug("channel open")
	return ch, nil
}

// OpenSession opens a "session" channel for shell, exec, or subsystem use.
func (s *Session) OpenSession() (*Channel, error) {
	return s.openChannel("session", nil)
}

// OpenDirectTCPIP opens a "direct-tcpip" channel asking the peer to
// connect to destHost:destPort on our behalf.
func (s *Session) OpenDirectTCPIP(destHost string, destPort uint32, origHost string, origPort uint32) (*Channel, error) {
	return s.openChannel("direct-tcpip", func(buf *wire.Buffer) {
		buf.AddString([]byte(destHost))
		buf.AddU32(destPort)
		buf.AddString([]byte(origHost))
		buf.AddU32(origPort)
	})
}

// lookupChannel resolves the recipient-id field of a channel message.
// A reference to an unknown id means the message stream can no longer
// be trusted and is fatal to the whole session, not just one channel.
func (s *Session) lookupChannel(buf *wire.Buffer, op string) (*Channel, error) {
	id, err := buf.GetU32()
	if err != nil {
		return nil, s.fatal(op, fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	ch, ok := s.channels[id]
	if !ok {
		return nil, s.fatal(op, fmt.Errorf("%w: unknown channel id %d", ErrProtocol, id))
	}
	return ch, nil
}

// handleChannelOpen processes an inbound open ("session",
// "forwarded-tcpip", "x11", ...). The OnChannelOpen callback decides;
// with no callback every open is refused.
func (s *Session) handleChannelOpen(buf *wire.Buffer, raw []byte) error {
	if s.state != StateAuthenticated {
		return s.fatal("channel open", fmt.Errorf("%w: channel open before authentication", ErrProtocol))
	}
	chType, err := buf.GetString()
	if err != nil {
		return s.fatal("channel open", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	senderID, err := buf.GetU32()
	if err != nil {
		return s.fatal("channel open", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	window, err := buf.GetU32()
	if err != nil {
		return s.fatal("channel open", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	maxPacket, err := buf.GetU32()
	if err != nil {
		return s.fatal("channel open", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if maxPacket <= limits.DataHeaderOverhead {
		return s.sendOpenFailure(senderID, openResourceShortage, "max packet too small")
	}

	if s.OnChannelOpen == nil {
		return s.sendOpenFailure(senderID, openUnknownChannelType, "no channel handler")
	}

	ch := s.newChannel()
	ch.remoteID = senderID
	ch.remoteWindow = window
	ch.remoteMaxPacket = maxPacket

	if !s.OnChannelOpen(string(chType), ch, buf) {
		delete(s.channels, ch.localID)
		return s.sendOpenFailure(senderID, openAdministrativelyProhibited, "refused")
	}

	ch.state = ChannelOpen
	metricChannelsOpened.Inc()
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelOpenConfirmation)
	s.outBuffer.AddU32(ch.remoteID)
	s.outBuffer.AddU32(ch.localID)
	s.outBuffer.AddU32(ch.localWindow)
	s.outBuffer.AddU32(ch.localMaxPacket)
	return s.sendPacket()
}

// sendOpenFailure refuses an inbound channel open.
func (s *Session) sendOpenFailure(senderID, code uint32, desc string) error {
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelOpenFailure)
	s.outBuffer.AddU32(senderID)
	s.outBuffer.AddU32(code)
	s.outBuffer.AddString([]byte(desc))
	s.outBuffer.AddString(nil)
	return s.sendPacket()
}

// handleChannelOpenConfirmation records the peer's id, window, and
// packet limit, and moves the channel to OPEN.
func (s *Session) handleChannelOpenConfirmation(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "open confirmation")
	if err != nil {
		return err
	}
	if ch.state != ChannelNotOpen {
		return s.fatal("open confirmation", fmt.Errorf("%w: confirmation for channel in state %s", ErrProtocol, ch.state))
	}
	remoteID, err := buf.GetU32()
	if err != nil {
		return s.fatal("open confirmation", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	window, err := buf.GetU32()
	if err != nil {
		return s.fatal("open confirmation", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	maxPacket, err := buf.GetU32()
	if err != nil {
		return s.fatal("open confirmation", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	// A max packet that cannot fit a data header would make the write
	// segment size underflow.
	if maxPacket <= limits.DataHeaderOverhead {
		return s.fatal("open confirmation", fmt.Errorf("%w: max packet %d too small", ErrProtocol, maxPacket))
	}
	ch.remoteID = remoteID
	ch.remoteWindow = window
	ch.remoteMaxPacket = maxPacket
	ch.state = ChannelOpen
	return nil
}

// handleChannelOpenFailure records the refusal reason and moves the
// channel to OPEN_DENIED.
func (s *Session) handleChannelOpenFailure(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "open failure")
	if err != nil {
		return err
	}
	code, err := buf.GetU32()
	if err != nil {
		return s.fatal("open failure", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	desc, err := buf.GetString()
	if err != nil {
		return s.fatal("open failure", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	ch.openFailureCode = code
	ch.openFailureDesc = string(desc)
	ch.state = ChannelOpenDenied
	return nil
}

// handleChannelWindowAdjust grants the channel more send window.
func (s *Session) handleChannelWindowAdjust(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "window adjust")
	if err != nil {
		return err
	}
	delta, err := buf.GetU32()
	if err != nil {
		return s.fatal("window adjust", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	// Saturate instead of wrapping on an absurd grant.
	if delta > ^uint32(0)-ch.remoteWindow {
		ch.remoteWindow = ^uint32(0)
	} else {
		ch.remoteWindow += delta
	}
	return nil
}

// deliverData appends inbound payload to the named stream buffer, or
// hands it to the OnData callback. Data beyond the advertised window is
// accepted anyway for interoperability with sloppy peers; the window
// floors at zero instead of underflowing.
func (s *Session) deliverData(ch *Channel, data []byte, isStderr bool) error {
	if uint32(len(data)) > ch.localWindow {
		logrus.WithFields(logrus.Fields{
			"channel": ch.localID,
			"len":     len(data),
			"window":  ch.localWindow,
		}).Warn("peer sent more data than window allows")
		ch.localWindow = 0
	} else {
		ch.localWindow -= uint32(len(data))
	}

	if ch.OnData != nil {
		ch.OnData(data, isStderr)
		ch.growWindow()
		return nil
	}

	buf := ch.stdout
	if isStderr {
		buf = ch.stderr
	}
	buf.AddBytes(data)
	if err := limits.ValidateBufferedData(ch.stdout.Len() + ch.stderr.Len()); err != nil {
		return s.fatal("channel data", err)
	}
	return nil
}

// handleChannelData appends stdout payload.
func (s *Session) handleChannelData(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "channel data")
	if err != nil {
		return err
	}
	data, err := buf.GetString()
	if err != nil {
		return s.fatal("channel data", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	return s.deliverData(ch, data, false)
}

// handleChannelExtendedData appends stderr payload. Extended data types
// other than stderr are dropped with a log line.
func (s *Session) handleChannelExtendedData(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "extended data")
	if err != nil {
		return err
	}
	code, err := buf.GetU32()
	if err != nil {
		return s.fatal("extended data", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	data, err := buf.GetString()
	if err != nil {
		return s.fatal("extended data", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if code != extendedDataStderr {
		logrus.WithFields(logrus.Fields{
			"channel": ch.localID,
			"code":    code,
		}).Debug("dropping unknown extended data type")
		return nil
	}
	return s.deliverData(ch, data, true)
}

// handleChannelEOF marks the remote direction finished.
func (s *Session) handleChannelEOF(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "channel eof")
	if err != nil {
		return err
	}
	ch.remoteEOF = true
	if ch.OnEOF != nil {
		ch.OnEOF()
	}
	return nil
}

// handleChannelClose processes a peer close. With unread buffered data
// the CLOSED transition is deferred until the application drains it;
// remote EOF is marked either way.
func (s *Session) handleChannelClose(buf *wire.Buffer, raw []byte) error {
	ch, err := s.lookupChannel(buf, "channel close")
	if err != nil {
		return err
	}
	ch.remoteEOF = true
	if ch.stdout.Len()+ch.stderr.Len() > 0 {
		ch.delayedClose = true
		return nil
	}
	ch.markClosed()
	return nil
}

// markClosed performs the CLOSED transition exactly once.
func (ch *Channel) markClosed() {
	if ch.state == ChannelClosed {
		return
	}
	ch.state = ChannelClosed
	ch.delayedClose = false
	logrus.WithFields(logrus.Fields{
		"channel": ch.localID,
	}).Debug("channel closed")
	if ch.OnClose != nil {
		ch.OnClose()
	}
}

// --- reading ---

// Read consumes stdout data, pumping the session until at least one
// byte is buffered or the remote side has finished. Returns (0, io.EOF)
// on a clean end of stream, and ErrTimeout when the deadline passes
// with the channel still quiet.
func (ch *Channel) Read(p []byte) (int, error) {
	return ch.readStream(p, false)
}

// ReadStderr consumes stderr data with Read semantics.
func (ch *Channel) ReadStderr(p []byte) (int, error) {
	return ch.readStream(p, true)
}

func (ch *Channel) readStream(p []byte, isStderr bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := ch.session
	buf := ch.stdout
	if isStderr {
		buf = ch.stderr
	}

	if buf.Len() == 0 {
		if ch.remoteEOF || ch.state == ChannelClosed {
			return 0, io.EOF
		}
		err := s.pumpUntil(func() bool {
			return buf.Len() > 0 || ch.remoteEOF || ch.state == ChannelClosed
		}, s.opts.OperationTimeout)
		if err != nil {
			return 0, err
		}
		if buf.Len() == 0 {
			return 0, io.EOF
		}
	}

	n := copy(p, buf.Rest())
	if err := buf.PassBytes(n); err != nil {
		return 0, err
	}
	ch.afterRead()
	return n, nil
}

// ReadAvailable consumes whatever stdout data is already buffered,
// after a nonblocking pump. Returns (0, nil) when nothing is pending
// and (0, io.EOF) once the stream has cleanly ended.
func (ch *Channel) ReadAvailable(p []byte) (int, error) {
	s := ch.session
	if err := s.processOnce(); err != nil {
		return 0, err
	}
	if ch.stdout.Len() == 0 {
		if ch.remoteEOF || ch.state == ChannelClosed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, ch.stdout.Rest())
	if err := ch.stdout.PassBytes(n); err != nil {
		return 0, err
	}
	ch.afterRead()
	return n, nil
}

// Buffered returns the number of unread stdout bytes.
func (ch *Channel) Buffered() int {
	return ch.stdout.Len()
}

// BufferedStderr returns the number of unread stderr bytes.
func (ch *Channel) BufferedStderr() int {
	return ch.stderr.Len()
}

// afterRead regrows the local window past the low-water mark and
// completes a deferred close once the buffers are drained. Growing
// proactively prevents a stall where the peer sits on an exhausted
// window that was never replenished.
func (ch *Channel) afterRead() {
	ch.growWindow()
	if ch.delayedClose && ch.stdout.Len() == 0 && ch.stderr.Len() == 0 {
		ch.markClosed()
	}
}

// growWindow tops the local window back up to the base once it has
// fallen below the configured low-water mark.
func (ch *Channel) growWindow() {
	s := ch.session
	if ch.state != ChannelOpen || !s.IsAlive() {
		return
	}
	if ch.localWindow >= s.opts.windowLimit() {
		return
	}
	delta := s.opts.WindowBase - ch.localWindow

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelWindowAdjust)
	s.outBuffer.AddU32(ch.remoteID)
	s.outBuffer.AddU32(delta)
	if err := s.sendPacket(); err != nil {
		return
	}
	ch.localWindow += delta
	logrus.WithFields(logrus.Fields{
		"channel": ch.localID,
		"delta":   delta,
	}).Trace("window grown")
}

// --- writing ---

// Write sends data on the channel, segmenting by the peer's maximum
// packet size and pausing to pump window-adjust messages whenever the
// remote window is exhausted. Returns the bytes actually sent; on
// ErrTimeout the caller may continue with the remainder.
func (ch *Channel) Write(p []byte) (int, error) {
	return ch.writeStream(p, false)
}

// WriteStderr sends extended (stderr) data; used by the server side of
// a session channel.
func (ch *Channel) WriteStderr(p []byte) (int, error) {
	return ch.writeStream(p, true)
}

func (ch *Channel) writeStream(p []byte, isStderr bool) (int, error) {
	s := ch.session
	if !s.IsAlive() {
		return 0, s.deadErr()
	}
	if ch.state != ChannelOpen {
		return 0, newProtocolError("channel write", ErrChannelNotOpen)
	}
	if ch.localEOF {
		return 0, newProtocolError("channel write", ErrChannelEOF)
	}

	total := 0
	for len(p) > 0 {
		if ch.remoteWindow == 0 {
			err := s.pumpUntil(func() bool {
				return ch.remoteWindow > 0 || ch.remoteEOF || ch.state != ChannelOpen
			}, s.opts.OperationTimeout)
			if err != nil {
				return total, err
			}
			if ch.state != ChannelOpen {
				return total, newProtocolError("channel write", ErrChannelNotOpen)
			}
			if ch.remoteWindow == 0 {
				// Peer finished without granting more window.
				return total, nil
			}
		}

		seg := uint32(len(p))
		if maxSeg := ch.remoteMaxPacket - limits.DataHeaderOverhead; seg > maxSeg {
			seg = maxSeg
		}
		if seg > ch.remoteWindow {
			seg = ch.remoteWindow
		}

		s.outBuffer.Reinit()
		if isStderr {
			s.outBuffer.AddU8(msgChannelExtendedData)
			s.outBuffer.AddU32(ch.remoteID)
			s.outBuffer.AddU32(extendedDataStderr)
		} else {
			s.outBuffer.AddU8(msgChannelData)
			s.outBuffer.AddU32(ch.remoteID)
		}
		s.outBuffer.AddString(p[:seg])
		if err := s.sendPacket(); err != nil {
			return total, err
		}

		ch.remoteWindow -= seg
		total += int(seg)
		p = p[seg:]
	}
	return total, nil
}

// --- eof / close ---

// SendEOF signals that this side will send no more data. Idempotent:
// once the local EOF flag is set the call is a no-op, and the flag is
// never cleared.
func (ch *Channel) SendEOF() error {
	if ch.localEOF {
		return nil
	}
	s := ch.session
	if !s.IsAlive() {
		return s.deadErr()
	}
	if ch.state != ChannelOpen {
		return newProtocolError("channel eof", ErrChannelNotOpen)
	}

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelEOF)
	s.outBuffer.AddU32(ch.remoteID)
	if err := s.sendPacket(); err != nil {
		return err
	}
	ch.localEOF = true
	return nil
}

// Close sends EOF if not already sent, then the close message, and
// marks the channel CLOSED only once the send has succeeded. Closing a
// closed channel is a no-op.
func (ch *Channel) Close() error {
	if ch.state == ChannelClosed {
		return nil
	}
	s := ch.session
	if !s.IsAlive() {
		return s.deadErr()
	}
	if ch.state != ChannelOpen {
		ch.markClosed()
		return nil
	}

	if !ch.localEOF {
		if err := ch.SendEOF(); err != nil {
			return err
		}
	}
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgChannelClose)
	s.outBuffer.AddU32(ch.remoteID)
	if err := s.sendPacket(); err != nil {
		return err
	}
	ch.markClosed()
	return nil
}

// Free removes the channel from the session's table, closing it first
// if it is still open.
func (ch *Channel) Free() error {
	var err error
	if ch.state == ChannelOpen && ch.session.IsAlive() {
		err = ch.Close()
	}
	delete(ch.session.channels, ch.localID)
	return err
}

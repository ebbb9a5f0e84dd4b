// Package limits provides centralized size limits for the SSH-2 wire
// protocol. This ensures consistent validation across the packet codec,
// the transport handshake, and the channel subsystem.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxBannerLength is the maximum length of the peer's identification
	// line before its terminating newline. Exceeding it is a protocol
	// violation, not a retryable condition.
	MaxBannerLength = 128

	// MaxPacketLength is the maximum accepted value of the packet_length
	// field of a framed packet. Larger declarations are treated as a
	// desynchronized or hostile stream.
	MaxPacketLength = 256 * 1024

	// MinPaddingLength is the minimum random padding appended to every
	// framed packet.
	MinPaddingLength = 4

	// MinBlockSize is the framing alignment used before a cipher is
	// negotiated and the floor for negotiated cipher block sizes.
	MinBlockSize = 8

	// WindowBase is the default flow-control window advertised for new
	// channels.
	WindowBase = 1280000

	// WindowLimit is the default low-water mark: once the local window
	// falls below it, the window is grown back to WindowBase and the
	// peer notified with a window-adjust.
	WindowLimit = WindowBase / 2

	// ChannelMaxPacket is the default maximum packet size advertised for
	// new channels.
	ChannelMaxPacket = 32768

	// DataHeaderOverhead is the framing overhead of a channel DATA
	// message: type byte, recipient id, and the string length prefix.
	// Write segmentation subtracts it from the peer's maximum packet.
	DataHeaderOverhead = 1 + 4 + 4

	// MaxBufferedPerChannel caps how much undelivered channel data is
	// held before the stream is considered abusive. Over-delivery beyond
	// the advertised window is tolerated, runaway buffering is not.
	MaxBufferedPerChannel = 16 * 1024 * 1024
)

var (
	// ErrEmptyPayload indicates an empty payload was provided
	ErrEmptyPayload = errors.New("empty payload")

	// ErrTooLarge indicates data exceeds the applicable limit
	ErrTooLarge = errors.New("exceeds protocol limit")
)

// ValidatePacketLength validates a declared packet_length field.
func ValidatePacketLength(n uint32) error {
	if n == 0 {
		return ErrEmptyPayload
	}
	if n > MaxPacketLength {
		return fmt.Errorf("%w: packet length %d exceeds %d", ErrTooLarge, n, MaxPacketLength)
	}
	return nil
}

// ValidatePayload validates an outbound payload before framing.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPacketLength-MinPaddingLength-1 {
		return fmt.Errorf("%w: payload size %d exceeds %d", ErrTooLarge, len(payload), MaxPacketLength-MinPaddingLength-1)
	}
	return nil
}

// ValidateBannerLength validates the accumulated identification-line
// length before a newline has been seen.
func ValidateBannerLength(n int) error {
	if n > MaxBannerLength {
		return fmt.Errorf("%w: banner length %d exceeds %d", ErrTooLarge, n, MaxBannerLength)
	}
	return nil
}

// ValidateBufferedData validates a channel's total buffered unread data
// after an inbound DATA message has been appended.
func ValidateBufferedData(n int) error {
	if n > MaxBufferedPerChannel {
		return fmt.Errorf("%w: buffered channel data %d exceeds %d", ErrTooLarge, n, MaxBufferedPerChannel)
	}
	return nil
}

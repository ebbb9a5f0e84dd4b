package sshmux

import (
	"time"

	"github.com/opd-ai/sshmux/crypto"
	"github.com/opd-ai/sshmux/limits"
)

// HostKeyCallback is invoked once per session with the server's
// wire-encoded public host key. Returning an error rejects the key and
// aborts the handshake. This is the trust-decision hook known-hosts
// logic plugs into.
type HostKeyCallback func(publicBlob []byte) error

// PasswordCallback is invoked on a server session for each password
// authentication attempt. Returning true accepts the attempt.
type PasswordCallback func(user, password string) bool

// Options contains configuration for a session.
type Options struct {
	// VersionID is the software identifier placed after "SSH-2.0-" in
	// the identification banner.
	VersionID string

	// Algorithm preference lists, most preferred first. Negotiation
	// picks the first entry also supported by the peer.
	KexAlgorithms     []string
	HostKeyAlgorithms []string
	Ciphers           []string
	MACs              []string

	// WindowBase is the flow-control window advertised for new channels
	// and the size the window is regrown to.
	WindowBase uint32

	// WindowLimit is the low-water mark: after a read leaves the local
	// window below it, the window is regrown and a window-adjust sent.
	// Zero means WindowBase/2.
	WindowLimit uint32

	// MaxPacket is the maximum channel packet size advertised to the peer.
	MaxPacket uint32

	// HandshakeTimeout bounds the banner exchange and initial key exchange.
	HandshakeTimeout time.Duration

	// OperationTimeout is the default deadline for blocking operations
	// (channel open, requests, blocking reads and writes).
	OperationTimeout time.Duration

	// PollInterval is the longest single wait on the transport inside a
	// pump loop. Bounds how late a deadline can be noticed.
	PollInterval time.Duration

	// HostKeyCallback verifies the server host key (client role).
	// Nil rejects every key.
	HostKeyCallback HostKeyCallback

	// HostKey is the server's own host key (server role).
	HostKey *crypto.HostKey

	// PasswordCallback authenticates password attempts (server role).
	// Nil denies password authentication.
	PasswordCallback PasswordCallback

	// AllowNoneAuth accepts "none" authentication (server role).
	AllowNoneAuth bool
}

// DefaultOptions returns Options with the protocol defaults.
func DefaultOptions() *Options {
	return &Options{
		VersionID:         "sshmux_1.0",
		KexAlgorithms:     []string{crypto.KexCurve25519SHA256},
		HostKeyAlgorithms: []string{crypto.HostKeyEd25519},
		Ciphers:           crypto.CipherNames(),
		MACs:              crypto.MACNames(),
		WindowBase:        limits.WindowBase,
		WindowLimit:       limits.WindowLimit,
		MaxPacket:         limits.ChannelMaxPacket,
		HandshakeTimeout:  30 * time.Second,
		OperationTimeout:  60 * time.Second,
		PollInterval:      50 * time.Millisecond,
	}
}

// windowLimit resolves the effective low-water mark.
func (o *Options) windowLimit() uint32 {
	if o.WindowLimit != 0 {
		return o.WindowLimit
	}
	return o.WindowBase / 2
}

package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/opd-ai/sshmux/wire"
)

// HostKeyEd25519 is the supported host-key algorithm name.
const HostKeyEd25519 = "ssh-ed25519"

var (
	// ErrBadHostKeyBlob indicates a malformed wire-encoded host key
	ErrBadHostKeyBlob = errors.New("malformed host key blob")

	// ErrBadSignatureBlob indicates a malformed wire-encoded signature
	ErrBadSignatureBlob = errors.New("malformed signature blob")

	// ErrSignatureMismatch indicates the signature does not verify
	ErrSignatureMismatch = errors.New("host key signature mismatch")
)

// HostKey is a server host key capable of signing the exchange hash.
type HostKey struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateHostKey creates a new ed25519 host key.
func GenerateHostKey() (*HostKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	return &HostKey{public: pub, private: priv}, nil
}

// PublicBlob returns the wire encoding of the public key:
// string algorithm name, string raw key bytes.
func (hk *HostKey) PublicBlob() []byte {
	buf := wire.NewBuffer()
	buf.AddString([]byte(HostKeyEd25519))
	buf.AddString(hk.public)
	out := make([]byte, buf.Len())
	copy(out, buf.Rest())
	return out
}

// Sign signs data with the host private key and returns the wire-encoded
// signature: string algorithm name, string raw signature.
func (hk *HostKey) Sign(data []byte) []byte {
	sig := ed25519.Sign(hk.private, data)
	buf := wire.NewBuffer()
	buf.AddString([]byte(HostKeyEd25519))
	buf.AddString(sig)
	out := make([]byte, buf.Len())
	copy(out, buf.Rest())
	return out
}

// parseBlob splits a two-string blob into algorithm name and body.
func parseBlob(blob []byte, sentinel error) (string, []byte, error) {
	buf := wire.NewBuffer()
	buf.AddBytes(blob)
	algo, err := buf.GetString()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", sentinel, err)
	}
	body, err := buf.GetString()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", sentinel, err)
	}
	if buf.Len() != 0 {
		return "", nil, fmt.Errorf("%w: %d trailing bytes", sentinel, buf.Len())
	}
	return string(algo), body, nil
}

// VerifyHostSignature verifies a wire-encoded signature over data against
// a wire-encoded public host key. It binds the session to the server's
// host key; any failure here is fatal to the handshake.
func VerifyHostSignature(publicBlob, signatureBlob, data []byte) error {
	keyAlgo, keyBytes, err := parseBlob(publicBlob, ErrBadHostKeyBlob)
	if err != nil {
		return err
	}
	if keyAlgo != HostKeyEd25519 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadHostKeyBlob, keyAlgo)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: key length %d", ErrBadHostKeyBlob, len(keyBytes))
	}

	sigAlgo, sigBytes, err := parseBlob(signatureBlob, ErrBadSignatureBlob)
	if err != nil {
		return err
	}
	if sigAlgo != keyAlgo {
		return fmt.Errorf("%w: signature algorithm %q does not match key %q", ErrBadSignatureBlob, sigAlgo, keyAlgo)
	}

	if !ed25519.Verify(ed25519.PublicKey(keyBytes), data, sigBytes) {
		return ErrSignatureMismatch
	}
	return nil
}

// FingerprintEqual reports whether two public key blobs are the same key.
func FingerprintEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

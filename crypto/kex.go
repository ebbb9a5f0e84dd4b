package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KexCurve25519SHA256 is the supported key-exchange algorithm name.
const KexCurve25519SHA256 = "curve25519-sha256"

var (
	// ErrBadPeerPublic indicates the peer's ephemeral public value is malformed
	ErrBadPeerPublic = errors.New("malformed peer kex public value")

	// ErrDegenerateSecret indicates the derived shared secret is all zeros
	ErrDegenerateSecret = errors.New("degenerate shared secret")
)

// KexKeyPair is an ephemeral curve25519 key pair used for one key
// exchange and then discarded.
type KexKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKexKeyPair creates a fresh ephemeral key pair.
func GenerateKexKeyPair() (*KexKeyPair, error) {
	kp := &KexKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generating kex private value: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("computing kex public value: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the curve25519 shared secret between our
// ephemeral private value and the peer's public value.
func (kp *KexKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != 32 {
		return nil, fmt.Errorf("%w: length %d", ErrBadPeerPublic, len(peerPublic))
	}
	secret, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerPublic, err)
	}
	allZero := true
	for _, b := range secret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, ErrDegenerateSecret
	}
	return secret, nil
}

// Hash computes the exchange hash over the concatenated handshake fields.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// EncodeMpint encodes a shared secret as an SSH mpint: big-endian with
// leading zeros stripped and a zero byte prepended when the high bit of
// the first byte is set.
func EncodeMpint(k []byte) []byte {
	i := 0
	for i < len(k) && k[i] == 0 {
		i++
	}
	k = k[i:]
	if len(k) == 0 {
		return []byte{0, 0, 0, 0}
	}
	pad := 0
	if k[0]&0x80 != 0 {
		pad = 1
	}
	out := make([]byte, 4+pad+len(k))
	n := uint32(pad + len(k))
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4+pad:], k)
	return out
}

// DeriveKey derives length bytes of key material from the shared secret
// K, exchange hash H, and session id, using the per-purpose tag letter
// from the SSH key derivation scheme ('A' through 'F'). Output is
// extended by rehashing until enough material is produced.
func DeriveKey(k, h, sessionID []byte, tag byte, length int) []byte {
	mpK := EncodeMpint(k)

	d := sha256.New()
	d.Write(mpK)
	d.Write(h)
	d.Write([]byte{tag})
	d.Write(sessionID)
	out := d.Sum(nil)

	for len(out) < length {
		d.Reset()
		d.Write(mpK)
		d.Write(h)
		d.Write(out)
		out = d.Sum(out)
	}
	return out[:length]
}

// DirectionKeys is the derived key material for one direction of the
// transport.
type DirectionKeys struct {
	IV     []byte
	Key    []byte
	MACKey []byte
}

// DeriveDirectionKeys derives IV, cipher key, and MAC key for one
// direction. clientToServer selects the tag letters per the SSH scheme:
// A/C/E for client-to-server, B/D/F for server-to-client.
func DeriveDirectionKeys(k, h, sessionID []byte, clientToServer bool, ivLen, keyLen, macLen int) *DirectionKeys {
	ivTag, keyTag, macTag := byte('B'), byte('D'), byte('F')
	if clientToServer {
		ivTag, keyTag, macTag = 'A', 'C', 'E'
	}
	return &DirectionKeys{
		IV:     DeriveKey(k, h, sessionID, ivTag, ivLen),
		Key:    DeriveKey(k, h, sessionID, keyTag, keyLen),
		MACKey: DeriveKey(k, h, sessionID, macTag, macLen),
	}
}

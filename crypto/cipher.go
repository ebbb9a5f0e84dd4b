package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

// Supported transport cipher and MAC algorithm names.
const (
	CipherAES128CTR = "aes128-ctr"
	CipherAES256CTR = "aes256-ctr"

	MACHMACSHA256 = "hmac-sha2-256"
)

var (
	// ErrUnknownCipher indicates an unsupported cipher algorithm name
	ErrUnknownCipher = errors.New("unknown cipher algorithm")

	// ErrUnknownMAC indicates an unsupported MAC algorithm name
	ErrUnknownMAC = errors.New("unknown MAC algorithm")

	// ErrMACMismatch indicates a received MAC failed verification
	ErrMACMismatch = errors.New("MAC verification failed")
)

// cipherSpec describes the key material requirements of a cipher.
type cipherSpec struct {
	keySize   int
	ivSize    int
	blockSize int
	newStream func(key, iv []byte) (cipher.Stream, error)
}

func newAESCTR(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

var cipherSpecs = map[string]cipherSpec{
	CipherAES128CTR: {keySize: 16, ivSize: 16, blockSize: 16, newStream: newAESCTR},
	CipherAES256CTR: {keySize: 32, ivSize: 16, blockSize: 16, newStream: newAESCTR},
}

// macSpec describes the key material requirements of a MAC.
type macSpec struct {
	keySize int
	size    int
	newHash func(key []byte) hash.Hash
}

var macSpecs = map[string]macSpec{
	MACHMACSHA256: {
		keySize: 32,
		size:    32,
		newHash: func(key []byte) hash.Hash { return hmac.New(sha256.New, key) },
	},
}

// CipherNames returns the supported cipher names in preference order.
func CipherNames() []string {
	return []string{CipherAES128CTR, CipherAES256CTR}
}

// MACNames returns the supported MAC names in preference order.
func MACNames() []string {
	return []string{MACHMACSHA256}
}

// KeySizes reports the iv/key/mac-key byte counts needed to build a
// Context for the named algorithms.
func KeySizes(cipherName, macName string) (ivLen, keyLen, macKeyLen int, err error) {
	cs, ok := cipherSpecs[cipherName]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrUnknownCipher, cipherName)
	}
	ms, ok := macSpecs[macName]
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrUnknownMAC, macName)
	}
	return cs.ivSize, cs.keySize, ms.keySize, nil
}

// Context is the active cryptographic state for one direction of a
// transport: a stream cipher position and a MAC keyed for that
// direction. A nil Context means the direction is still in the clear.
type Context struct {
	stream    cipher.Stream
	mac       hash.Hash
	blockSize int
	macSize   int
}

// NewContext builds a direction context from negotiated algorithm names
// and derived key material.
func NewContext(cipherName, macName string, keys *DirectionKeys) (*Context, error) {
	cs, ok := cipherSpecs[cipherName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, cipherName)
	}
	ms, ok := macSpecs[macName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMAC, macName)
	}
	stream, err := cs.newStream(keys.Key, keys.IV)
	if err != nil {
		return nil, fmt.Errorf("initializing %s: %w", cipherName, err)
	}
	return &Context{
		stream:    stream,
		mac:       ms.newHash(keys.MACKey),
		blockSize: cs.blockSize,
		macSize:   ms.size,
	}, nil
}

// BlockSize returns the cipher block size used for packet alignment.
func (c *Context) BlockSize() int {
	return c.blockSize
}

// MACSize returns the length of the trailing MAC on each packet.
func (c *Context) MACSize() int {
	return c.macSize
}

// XORKeyStream encrypts or decrypts in place. Stream ciphers make the
// two operations identical; the caller tracks direction.
func (c *Context) XORKeyStream(dst, src []byte) {
	c.stream.XORKeyStream(dst, src)
}

// ComputeMAC computes the packet MAC over the sequence number followed
// by the cleartext framed bytes.
func (c *Context) ComputeMAC(seq uint32, framed []byte) []byte {
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	c.mac.Reset()
	c.mac.Write(seqBytes[:])
	c.mac.Write(framed)
	return c.mac.Sum(nil)
}

// VerifyMAC checks a received MAC in constant time. Fails closed: the
// caller must treat any mismatch as fatal to the session.
func (c *Context) VerifyMAC(seq uint32, framed, received []byte) error {
	expected := c.ComputeMAC(seq, framed)
	if len(received) != len(expected) || subtle.ConstantTimeCompare(expected, received) != 1 {
		return ErrMACMismatch
	}
	return nil
}

// Package crypto provides the cryptographic capability providers consumed
// by the SSH transport engine: ephemeral key exchange, host-key signing
// and verification, key derivation, and per-direction cipher/MAC contexts.
//
// The transport engine treats these as opaque capabilities ("compute
// shared secret", "sign", "verify", "encrypt block", "decrypt block");
// all algorithm-specific detail lives here.
package crypto

// Package signer provides Ed25519 signing and verification for
// end-batch-execution opinions (spec §3: "Signature (64 bytes, Ed25519)").
// Ed25519 primitives are named as an out-of-scope external collaborator in
// spec §1; crypto/ed25519 is the standard library's own implementation of
// exactly that primitive, so reaching for a third-party library here would
// only reimplement what the runtime already ships — no pack repo imports
// one either (go-ethereum's signing stack is secp256k1, a different
// curve entirely). See DESIGN.md.
package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// Signer signs opinion preimages with a local Ed25519 private key.
type Signer struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// New wraps an existing Ed25519 key pair.
func New(public ed25519.PublicKey, private ed25519.PrivateKey) *Signer {
	return &Signer{public: public, private: private}
}

// Generate creates a fresh key pair, for tests and local development.
func Generate() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return New(pub, priv), nil
}

// FromSeedHex loads a Signer from a hex-encoded Ed25519 seed (32 bytes),
// the wire shape the executor's identity key is configured with (config
// key executor.identity_seed).
func FromSeedHex(s string) (*Signer, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signer: decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: expected %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return New(priv.Public().(ed25519.PublicKey), priv), nil
}

// ExecutorKey returns the public key in the 32-byte identifier shape
// spec §3 uses throughout.
func (s *Signer) ExecutorKey() model.ExecutorKey {
	var k model.ExecutorKey
	copy(k[:], s.public)
	return k
}

// Sign signs preimage.
func (s *Signer) Sign(preimage []byte) model.Signature {
	var sig model.Signature
	copy(sig[:], ed25519.Sign(s.private, preimage))
	return sig
}

// Verify checks sig against preimage for the given executor key.
func Verify(executorKey model.ExecutorKey, preimage []byte, sig model.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(executorKey[:]), preimage, sig[:])
}

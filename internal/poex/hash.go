package poex

import "golang.org/x/crypto/sha3"

// hashToScalar is the Sha3-512→scalar reduction spec §4.C names for every
// Fiat-Shamir weight and nonce derivation: H(parts...) reduced mod L.
func hashToScalar(parts ...[]byte) Scalar {
	h := sha3.New512()
	for _, part := range parts {
		h.Write(part)
	}
	return NewScalarFromBytes(h.Sum(nil))
}

// HashToScalar exposes hashToScalar for callers outside this package that
// need the same derivation (e.g. opinion/transaction hashing in
// internal/model uses Sha3-256, not this — see that package for the
// distinct wire-hash construction named in spec §6).
func HashToScalar(parts ...[]byte) Scalar {
	return hashToScalar(parts...)
}

package poex

import (
	"crypto/rand"
	"math/big"
)

// Scalar is a 32-byte mod-L integer, per spec §3. The zero value is the
// scalar 0; always keep the wrapped value reduced into [0, L).
type Scalar struct {
	v *big.Int
}

// NewScalarFromUint64 builds the scalar for a small non-negative integer,
// used for the per-call secret outputs (spec §4.C, §4.H: poex_secret).
func NewScalarFromUint64(n uint64) Scalar {
	return Scalar{v: new(big.Int).Mod(new(big.Int).SetUint64(n), groupOrder)}
}

// NewScalarFromBytes reduces an arbitrary-length big-endian byte string mod
// the group order L — used to turn a wide hash digest into a scalar.
func NewScalarFromBytes(b []byte) Scalar {
	return Scalar{v: new(big.Int).Mod(new(big.Int).SetBytes(b), groupOrder)}
}

// RandomScalar samples a cryptographically random scalar (the nonces k, r
// of spec §4.C's build_proof).
func RandomScalar() (Scalar, error) {
	v, err := rand.Int(rand.Reader, groupOrder)
	if err != nil {
		return Scalar{}, err
	}
	return Scalar{v: v}, nil
}

func (s Scalar) big() *big.Int {
	if s.v == nil {
		return big.NewInt(0)
	}
	return s.v
}

// Add returns s + other mod L.
func (s Scalar) Add(other Scalar) Scalar {
	return Scalar{v: new(big.Int).Mod(new(big.Int).Add(s.big(), other.big()), groupOrder)}
}

// Sub returns s - other mod L.
func (s Scalar) Sub(other Scalar) Scalar {
	return Scalar{v: new(big.Int).Mod(new(big.Int).Sub(s.big(), other.big()), groupOrder)}
}

// Mul returns s * other mod L.
func (s Scalar) Mul(other Scalar) Scalar {
	return Scalar{v: new(big.Int).Mod(new(big.Int).Mul(s.big(), other.big()), groupOrder)}
}

// AddProduct returns s + a*b mod L (the sc_muladd shape used throughout
// the original implementation's scalar algebra).
func (s Scalar) AddProduct(a, b Scalar) Scalar {
	return s.Add(a.Mul(b))
}

// Equal reports whether two scalars are the same residue mod L.
func (s Scalar) Equal(other Scalar) bool {
	return s.big().Cmp(other.big()) == 0
}

// IsZero reports whether the scalar is the additive identity.
func (s Scalar) IsZero() bool {
	return s.big().Sign() == 0
}

// Bytes returns the 32-byte little-endian encoding of the scalar.
func (s Scalar) Bytes() [32]byte {
	var out [32]byte
	b := s.big().Bytes() // big-endian, minimal length
	for i := 0; i < len(b) && i < 32; i++ {
		out[i] = b[len(b)-1-i]
	}
	return out
}

package poex

import (
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CurvePoint is a point on edwards25519 held in affine coordinates,
// compressed to 32 bytes on the wire (spec §3). The twisted-Edwards
// addition law used here (a = -1, d non-square mod p) is complete: the
// same formula handles doubling and the identity with no exceptional
// cases, so ScalarMul needs no special-casing.
type CurvePoint struct {
	x, y *big.Int
}

var errInvalidPoint = errors.New("poex: invalid curve point encoding")

func mod(v *big.Int) *big.Int {
	return new(big.Int).Mod(v, p)
}

func inv(v *big.Int) *big.Int {
	return new(big.Int).ModInverse(mod(v), p)
}

// Add returns the sum of two curve points.
func (pt CurvePoint) Add(other CurvePoint) CurvePoint {
	x1, y1 := pt.x, pt.y
	x2, y2 := other.x, other.y

	x1y2 := mod(new(big.Int).Mul(x1, y2))
	y1x2 := mod(new(big.Int).Mul(y1, x2))
	y1y2 := mod(new(big.Int).Mul(y1, y2))
	x1x2 := mod(new(big.Int).Mul(x1, x2))

	dxxyy := mod(new(big.Int).Mul(curveD, mod(new(big.Int).Mul(x1x2, y1y2))))

	xNum := mod(new(big.Int).Add(x1y2, y1x2))
	xDen := inv(mod(new(big.Int).Add(big.NewInt(1), dxxyy)))

	yNum := mod(new(big.Int).Add(y1y2, x1x2))
	yDen := inv(mod(new(big.Int).Sub(big.NewInt(1), dxxyy)))

	return CurvePoint{
		x: mod(new(big.Int).Mul(xNum, xDen)),
		y: mod(new(big.Int).Mul(yNum, yDen)),
	}
}

// Negate returns -pt.
func (pt CurvePoint) Negate() CurvePoint {
	return CurvePoint{x: mod(new(big.Int).Neg(pt.x)), y: new(big.Int).Set(pt.y)}
}

// Sub returns pt - other.
func (pt CurvePoint) Sub(other CurvePoint) CurvePoint {
	return pt.Add(other.Negate())
}

// ScalarMul returns s*pt via double-and-add; correct for any s because the
// addition law above is complete.
func (pt CurvePoint) ScalarMul(s Scalar) CurvePoint {
	result := Identity()
	addend := pt
	n := s.big()
	for i := 0; i < n.BitLen(); i++ {
		if n.Bit(i) == 1 {
			result = result.Add(addend)
		}
		addend = addend.Add(addend)
	}
	return result
}

// Equal reports whether two points are the same affine coordinates.
func (pt CurvePoint) Equal(other CurvePoint) bool {
	return mod(pt.x).Cmp(mod(other.x)) == 0 && mod(pt.y).Cmp(mod(other.y)) == 0
}

// Bytes returns the 32-byte compressed encoding: little-endian y with the
// sign of x folded into the top bit, per the standard Edwards25519 wire
// format spec §3 assumes.
func (pt CurvePoint) Bytes() [32]byte {
	var out [32]byte
	yb := mod(pt.y).Bytes()
	for i := 0; i < len(yb) && i < 32; i++ {
		out[i] = yb[len(yb)-1-i]
	}
	if mod(pt.x).Bit(0) == 1 {
		out[31] |= 0x80
	}
	return out
}

// MarshalJSON encodes the point as its 32-byte compressed wire form,
// hex-string encoded like the rest of the model package's identifiers.
// The zero value (no coordinates set) encodes as JSON null.
func (pt CurvePoint) MarshalJSON() ([]byte, error) {
	if pt.x == nil || pt.y == nil {
		return []byte("null"), nil
	}
	b := pt.Bytes()
	return json.Marshal(hexutil.Encode(b[:]))
}

// UnmarshalJSON decodes a CurvePoint from its MarshalJSON form; JSON null
// leaves the zero value.
func (pt *CurvePoint) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return errInvalidPoint
	}
	var arr [32]byte
	copy(arr[:], b)
	decoded, err := NewCurvePointFromBytes(arr)
	if err != nil {
		return err
	}
	*pt = decoded
	return nil
}

// NewCurvePointFromBytes decompresses a 32-byte encoding back to a point.
func NewCurvePointFromBytes(b [32]byte) (CurvePoint, error) {
	sign := b[31] >> 7
	yb := make([]byte, 32)
	copy(yb, b[:])
	yb[31] &= 0x7f
	// reverse to big-endian
	for i, j := 0, len(yb)-1; i < j; i, j = i+1, j-1 {
		yb[i], yb[j] = yb[j], yb[i]
	}
	y := mod(new(big.Int).SetBytes(yb))

	// x^2 = (y^2 - 1) / (d*y^2 + 1) mod p
	y2 := mod(new(big.Int).Mul(y, y))
	num := mod(new(big.Int).Sub(y2, big.NewInt(1)))
	den := mod(new(big.Int).Add(mod(new(big.Int).Mul(curveD, y2)), big.NewInt(1)))
	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return CurvePoint{}, errInvalidPoint
	}
	x2 := mod(new(big.Int).Mul(num, denInv))

	x, ok := sqrtMod(x2)
	if !ok {
		return CurvePoint{}, errInvalidPoint
	}
	if x.Bit(0) != uint(sign) {
		x = mod(new(big.Int).Neg(x))
	}
	return CurvePoint{x: x, y: y}, nil
}

// sqrtMod computes a square root of a mod p, where p ≡ 5 (mod 8) — the
// standard Edwards25519 square-root algorithm.
func sqrtMod(a *big.Int) (*big.Int, bool) {
	if a.Sign() == 0 {
		return big.NewInt(0), true
	}
	// exponent (p+3)/8
	exp := new(big.Int).Add(p, big.NewInt(3))
	exp.Div(exp, big.NewInt(8))
	r := new(big.Int).Exp(a, exp, p)

	r2 := mod(new(big.Int).Mul(r, r))
	if r2.Cmp(mod(a)) == 0 {
		return r, true
	}
	negA := mod(new(big.Int).Neg(a))
	if r2.Cmp(negA) == 0 {
		// multiply by sqrt(-1) = 2^((p-1)/4) mod p
		sqrtM1Exp := new(big.Int).Sub(p, big.NewInt(1))
		sqrtM1Exp.Div(sqrtM1Exp, big.NewInt(4))
		sqrtM1 := new(big.Int).Exp(big.NewInt(2), sqrtM1Exp, p)
		r = mod(new(big.Int).Mul(r, sqrtM1))
		return r, true
	}
	return nil, false
}

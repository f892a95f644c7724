// Package poex implements the proof-of-execution accumulator: an
// accumulating commitment over per-call secret outputs, and the
// Schnorr-style proofs that link consecutive batches (spec §4.C).
package poex

import "math/big"

// Field and group parameters for edwards25519, the curve named by spec §3
// ("32-byte compressed Edwards point").
var (
	// p is the field prime 2^255 - 19.
	p, _ = new(big.Int).SetString("57896044618658097711785492504343953926634992332820282019728792003956564819949", 10)

	// d is the twisted-Edwards curve parameter (a = -1).
	curveD, _ = new(big.Int).SetString("37095705934669439343138083508754565189542113879843219016388785533085940283555", 10)

	// groupOrder (L) is the prime order of the base point's subgroup.
	groupOrder, _ = new(big.Int).SetString("7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)

	// baseX, baseY are the standard base point coordinates.
	baseX, _ = new(big.Int).SetString("15112221349535400772501151409588531511454012693041857206046113283949847762202", 10)
	baseY, _ = new(big.Int).SetString("46316835694926478169428394003475163141307993866256225615783033603165251855960", 10)
)

// Base returns the curve's base point G.
func Base() CurvePoint {
	return CurvePoint{x: new(big.Int).Set(baseX), y: new(big.Int).Set(baseY)}
}

// Identity returns the group identity element.
func Identity() CurvePoint {
	return CurvePoint{x: big.NewInt(0), y: big.NewInt(1)}
}

package poex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testPubKey() CurvePoint {
	k, _ := RandomScalar()
	return Base().ScalarMul(k)
}

func TestProofRetractability(t *testing.T) {
	acc := NewAccumulator(testPubKey(), 0)
	before := acc.BatchCommitment()

	acc.AddToProof(42)
	acc.PopFromProof()

	after := acc.BatchCommitment()
	require.True(t, before.Equal(after), "pop_from_proof must return the accumulator to its pre-add commitment")
}

func TestProofContinuityAcrossBatches(t *testing.T) {
	pub := testPubKey()
	acc := NewAccumulator(pub, 0)

	// Batch 0: one call.
	acc.AddToProof(7)
	cY0 := acc.BatchCommitment()
	proof0, err := acc.BuildProof()
	require.NoError(t, err)
	acc.Reset()

	// Batch 1: two calls.
	acc.AddToProof(9)
	acc.AddToProof(11)
	cY1 := acc.BatchCommitment()
	proof1, err := acc.BuildProof()
	require.NoError(t, err)
	acc.Reset()

	ok := VerifyBatchProofContinuity(
		proof1.BatchProof.T, proof1.BatchProof.R,
		proof0.BatchProof.T, proof0.BatchProof.R,
		cY1,
	)
	require.True(t, ok, "consecutive-batch continuity must hold")

	// Tamper cYDiff: must fail.
	tampered := cY0.Add(cY1)
	ok = VerifyBatchProofContinuity(
		proof1.BatchProof.T, proof1.BatchProof.R,
		proof0.BatchProof.T, proof0.BatchProof.R,
		tampered,
	)
	require.False(t, ok, "continuity check must reject a tampered cY")
}

func TestTProofSoundness(t *testing.T) {
	pub := testPubKey()
	acc := NewAccumulator(pub, 0)
	acc.AddToProof(123)
	proofs, err := acc.BuildProof()
	require.NoError(t, err)

	require.True(t, VerifyTProof(proofs.TProof, proofs.BatchProof.T, proofs.BatchProof.R, pub))

	// Replacing any field must cause verification to fail (spec §8 property 4).
	tamperedF := proofs.TProof
	tamperedF.F = tamperedF.F.Add(Base())
	require.False(t, VerifyTProof(tamperedF, proofs.BatchProof.T, proofs.BatchProof.R, pub))

	tamperedK := proofs.TProof
	tamperedK.KPrime = tamperedK.KPrime.Add(NewScalarFromUint64(1))
	require.False(t, VerifyTProof(tamperedK, proofs.BatchProof.T, proofs.BatchProof.R, pub))

	wrongR := proofs.BatchProof.R.Add(NewScalarFromUint64(1))
	require.False(t, VerifyTProof(proofs.TProof, proofs.BatchProof.T, wrongR, pub))

	wrongT := proofs.BatchProof.T.Add(Base())
	require.False(t, VerifyTProof(proofs.TProof, wrongT, proofs.BatchProof.R, pub))
}

func TestCurvePointRoundTrip(t *testing.T) {
	k, err := RandomScalar()
	require.NoError(t, err)
	pt := Base().ScalarMul(k)

	encoded := pt.Bytes()
	decoded, err := NewCurvePointFromBytes(encoded)
	require.NoError(t, err)
	require.True(t, pt.Equal(decoded))
}

func TestScalarArithmetic(t *testing.T) {
	a := NewScalarFromUint64(5)
	b := NewScalarFromUint64(7)
	require.True(t, a.Add(b).Equal(NewScalarFromUint64(12)))
	require.True(t, b.Sub(a).Equal(NewScalarFromUint64(2)))
	require.True(t, a.Mul(b).Equal(NewScalarFromUint64(35)))
	require.True(t, NewScalarFromUint64(1).AddProduct(a, b).Equal(NewScalarFromUint64(36)))
}

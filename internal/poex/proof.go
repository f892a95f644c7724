package poex

// TProof is the Schnorr-style commitment/response pair bound to the
// current batch's nonce commitment T (spec §4.C: "the T-proof is {F, k′}").
type TProof struct {
	F      CurvePoint
	KPrime Scalar
}

// BatchProof carries the batch's nonce commitment and its opening scalar
// (spec §4.C: "the batch proof is {T, r}").
type BatchProof struct {
	T CurvePoint
	R Scalar
}

// Proofs bundles both proofs together with the batch this accumulator
// state was initially bound to (spec §4.C: "Proofs carry {initial_batch,
// t_proof, batch_proof}").
type Proofs struct {
	InitialBatch uint64
	TProof       TProof
	BatchProof   BatchProof
}

// VerifyTProof checks F == k′·G − d·(T − r·G), where d = H(F∥T∥pubkey).
// This is the algebraic consequence of the construction in BuildProof:
// k′ = k + d·S (S the cumulative secret-commitment scalar) and
// T = r·G + S·G, so k′·G = F + d·S·G = F + d·(T − r·G).
func VerifyTProof(tp TProof, t CurvePoint, r Scalar, contractPubKey CurvePoint) bool {
	fb, tb, pub := tp.F.Bytes(), t.Bytes(), contractPubKey.Bytes()
	d := hashToScalar(fb[:], tb[:], pub[:])

	sPoint := t.Sub(Base().ScalarMul(r))
	rhs := Base().ScalarMul(tp.KPrime).Sub(sPoint.ScalarMul(d))
	return tp.F.Equal(rhs)
}

// VerifyBatchProofContinuity checks T_n − T_m == (r_n − r_m)·G + cYDiff,
// where cYDiff is the sum of per-call commitments issued in batches
// (m, n] (spec §4.C, §8 property 2). A peer unable to locate batch m in
// its recent_batch_commitments window cannot call this at all and should
// abstain (spec §4.C invariant) — that decision is left to the caller, not
// made here.
func VerifyBatchProofContinuity(tn CurvePoint, rn Scalar, tm CurvePoint, rm Scalar, cYDiff CurvePoint) bool {
	lhs := tn.Sub(tm)
	rhs := Base().ScalarMul(rn.Sub(rm)).Add(cYDiff)
	return lhs.Equal(rhs)
}

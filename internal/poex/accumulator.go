package poex

// contribution is one call's secret output folded into the accumulator:
// h is the scalar H(secret ∥ contract_pubkey), Y = h·G is the published
// contribution point.
type contribution struct {
	h Scalar
	Y CurvePoint
}

// Accumulator maintains the ordered per-contract commitment chain of
// spec §4.C: an ordered list of contributions for the batch currently
// being built, plus a cumulative running secret-commitment scalar carried
// across every batch since genesis. The cumulative scalar is what makes
// the batch-proof continuity relation (spec §4.C, §8 property 2) hold:
// each batch's T-point is bound to the running total, not just the
// contributions made since the previous reset.
type Accumulator struct {
	contractPubKey CurvePoint
	initialBatch   uint64

	// pending holds contributions for the batch currently in flight;
	// reset() empties it once a batch's proof has been finalized.
	pending []contribution

	// cumulative is the running secret-commitment scalar S, and
	// cumulativePoint is S·G, accumulated across all batches so it can
	// participate in the continuity relation of BuildProof/VerifyBatchProof.
	cumulative      Scalar
	cumulativePoint CurvePoint
}

// NewAccumulator constructs an empty accumulator bound to a contract's
// public key, starting at initialBatch (spec §4.C: "the initial batch
// index it was bound to").
func NewAccumulator(contractPubKey CurvePoint, initialBatch uint64) *Accumulator {
	return &Accumulator{
		contractPubKey:  contractPubKey,
		initialBatch:    initialBatch,
		cumulative:      Scalar{},
		cumulativePoint: Identity(),
	}
}

// AddToProof computes Y = H(secret ∥ contract_pubkey)·G, appends it to the
// pending list, and returns it (spec §4.C).
func (a *Accumulator) AddToProof(secret uint64) CurvePoint {
	var secretBytes [8]byte
	for i := 0; i < 8; i++ {
		secretBytes[i] = byte(secret >> (8 * i))
	}
	pub := a.contractPubKey.Bytes()
	h := hashToScalar(secretBytes[:], pub[:])
	y := Base().ScalarMul(h)
	a.pending = append(a.pending, contribution{h: h, Y: y})
	return y
}

// PopFromProof removes the most recently appended contribution, used to
// retract a tentative call's contribution when its batch rolls back or its
// execution is not retained (spec §4.C, §8 property 3).
func (a *Accumulator) PopFromProof() {
	if len(a.pending) == 0 {
		return
	}
	a.pending = a.pending[:len(a.pending)-1]
}

// Reset empties the pending list after a batch's proof is finalized (spec
// §4.C invariant: "reset() is called exactly once per successful batch").
// It folds the pending contributions' weighted sum into the cumulative
// running commitment first, so continuity across resets is preserved.
func (a *Accumulator) Reset() {
	cY, weightedSecret := a.weightedSums()
	a.cumulative = a.cumulative.Add(weightedSecret)
	a.cumulativePoint = a.cumulativePoint.Add(cY)
	a.pending = nil
}

// weightedSums computes, over the current pending list, the Fiat-Shamir
// weighted point sum cY = Σ H(G∥Y_i∥pubkey)·Y_i and the matching weighted
// scalar sum Σ H(G∥Y_i∥pubkey)·h_i (the "secret_commitment" of spec §4.C).
func (a *Accumulator) weightedSums() (cY CurvePoint, weightedSecret Scalar) {
	cY = Identity()
	weightedSecret = Scalar{}
	g := Base().Bytes()
	pub := a.contractPubKey.Bytes()
	for _, c := range a.pending {
		yb := c.Y.Bytes()
		weight := hashToScalar(g[:], yb[:], pub[:])
		cY = cY.Add(c.Y.ScalarMul(weight))
		weightedSecret = weightedSecret.Add(weight.Mul(c.h))
	}
	return cY, weightedSecret
}

// BatchCommitment returns cY, the Fiat-Shamir-weighted sum over the
// current pending list (spec §4.C: batch_commitment()).
func (a *Accumulator) BatchCommitment() CurvePoint {
	cY, _ := a.weightedSums()
	return cY
}

// BuildProof builds the Schnorr-style pair of spec §4.C, binding the
// current batch's T-point to the cumulative running commitment so that
// VerifyBatchProofContinuity holds against any prior batch still present
// in a peer's recent_batch_commitments window.
func (a *Accumulator) BuildProof() (Proofs, error) {
	k, err := RandomScalar()
	if err != nil {
		return Proofs{}, err
	}
	r, err := RandomScalar()
	if err != nil {
		return Proofs{}, err
	}

	_, weightedSecret := a.weightedSums()
	secretCommitment := a.cumulative.Add(weightedSecret)

	tBase := a.cumulativePoint.Add(a.BatchCommitment())
	t := Base().ScalarMul(r).Add(tBase)
	f := Base().ScalarMul(k)

	fb, tb, pub := f.Bytes(), t.Bytes(), a.contractPubKey.Bytes()
	d := hashToScalar(fb[:], tb[:], pub[:])
	kPrime := k.AddProduct(d, secretCommitment)

	return Proofs{
		InitialBatch: a.initialBatch,
		TProof:       TProof{F: f, KPrime: kPrime},
		BatchProof:   BatchProof{T: t, R: r},
	}, nil
}

// CumulativePoint exposes S·G, the running total a peer needs (alongside a
// prior batch's recorded cY) to evaluate the continuity relation.
func (a *Accumulator) CumulativePoint() CurvePoint {
	return a.cumulativePoint
}

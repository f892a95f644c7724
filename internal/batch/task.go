// Package batch implements the batch execution task of spec §4.H — "the
// core of the core": executing each call through the VM, sealing a
// storage hash and proof, exchanging opinions with the cohort, deciding
// quorum, and handing a transaction to the executor root.
package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"

	"github.com/proximax-storage/supercontract-executor/internal/assertloop"
	"github.com/proximax-storage/supercontract-executor/internal/model"
	"github.com/proximax-storage/supercontract-executor/internal/poex"
	"github.com/proximax-storage/supercontract-executor/internal/signer"
	"github.com/proximax-storage/supercontract-executor/internal/storageclient"
	"github.com/proximax-storage/supercontract-executor/internal/vmclient"
)

// Phase tracks progress through spec §4.H's P1-P7 table, mostly for
// logging/diagnostics.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePerCall
	PhaseSeal
	PhaseExchange
	PhaseFinalized
)

var (
	quorumReachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supercontract_executor_batch_quorum_total",
		Help: "Number of batches that reached quorum, by outcome.",
	}, []string{"outcome"})
	opinionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_batch_opinions_rejected_total",
		Help: "Number of peer opinions dropped at admission (spec §4.H P4).",
	})
)

// Task owns one batch's execution state (spec §4.H).
type Task struct {
	Contract   model.ContractKey
	Drive      model.DriveKey
	BatchIndex uint64
	Calls      []model.CallRequest

	Self      model.ExecutorKey
	Executors []model.ExecutorKey // cohort excluding self (spec §3)

	vm      vmclient.Client
	storage storageclient.Client
	acc     *poex.Accumulator
	signer  *signer.Signer
	logger  *zerolog.Logger
	guard   *assertloop.Guard

	phase       Phase
	modID       model.ModificationID
	callResults []model.CallExecutionResult
	addedToProof int
	unsuccessful bool
	storageState model.StorageState
	proofs       poex.Proofs

	ownOpinion *model.EndBatchExecutionOpinion

	peerOpinionsSuccessful   map[model.ExecutorKey]model.EndBatchExecutionOpinion
	peerOpinionsUnsuccessful map[model.ExecutorKey]model.EndBatchExecutionOpinion
}

// NewTask constructs a batch task over calls (already FIFO-ordered:
// automatic first, then manual in insertion order, per spec §4.H "Tie-
// breaking and determinism").
func NewTask(contract model.ContractKey, drive model.DriveKey, batchIndex uint64, calls []model.CallRequest, self model.ExecutorKey, executors []model.ExecutorKey, vm vmclient.Client, storage storageclient.Client, acc *poex.Accumulator, sgnr *signer.Signer, logger *zerolog.Logger, guard *assertloop.Guard) *Task {
	return &Task{
		Contract:                 contract,
		Drive:                    drive,
		BatchIndex:               batchIndex,
		Calls:                    calls,
		Self:                     self,
		Executors:                executors,
		vm:                       vm,
		storage:                  storage,
		acc:                      acc,
		signer:                   sgnr,
		logger:                   logger,
		guard:                    guard,
		peerOpinionsSuccessful:   make(map[model.ExecutorKey]model.EndBatchExecutionOpinion),
		peerOpinionsUnsuccessful: make(map[model.ExecutorKey]model.EndBatchExecutionOpinion),
	}
}

// Execute drives P1 (Init), P2 (per-call loop), and P3 (Seal), producing
// t.ownOpinion. Callers proceed to P4 (AddPeerOpinion / broadcast via
// messenger) afterward.
func (t *Task) Execute(ctx context.Context) error {
	t.phase = PhaseInit
	modID, err := t.storage.InitiateModifications(ctx, t.Drive, t.BatchIndex)
	if err != nil {
		return fmt.Errorf("batch: initiate_modifications: %w", err)
	}
	t.modID = modID

	t.phase = PhasePerCall
	t.callResults = make([]model.CallExecutionResult, 0, len(t.Calls))
	for _, call := range t.Calls {
		if t.unsuccessful {
			// Still enumerate remaining calls with null outcomes so the
			// call list length is deterministic across peers (spec §4.H
			// P2).
			t.callResults = append(t.callResults, model.CallExecutionResult{CallID: call.CallID, Manual: call.CallLevel == model.Manual})
			continue
		}

		result, err := t.vm.ExecuteCall(ctx, vmclient.ExecuteRequest{Call: call, DriveKey: t.Drive, ModificationID: t.modID})
		if err != nil || result.Unavailable {
			t.unsuccessful = true
			t.callResults = append(t.callResults, model.CallExecutionResult{CallID: call.CallID, Manual: call.CallLevel == model.Manual})
			if t.logger != nil {
				t.logger.Warn().Err(err).Str("call", call.CallID.String()).Msg("VM/storage unavailable mid-batch, marking unsuccessful")
			}
			continue
		}

		t.acc.AddToProof(result.PoExSecret)
		t.addedToProof++

		cr := model.CallExecutionResult{
			CallID:      call.CallID,
			Success:     result.Success,
			ReturnValue: result.ReturnValue,
			Participation: model.CallExecutorParticipation{
				SCConsumed: result.SCConsumed,
				SMConsumed: result.SMConsumed,
			},
			PoExSecret: result.PoExSecret,
			OptionalTx: result.OptionalTx,
			Manual:     call.CallLevel == model.Manual,
		}
		t.callResults = append(t.callResults, cr)

		if err := t.storage.ApplySandboxModifications(ctx, t.modID, result.Success); err != nil {
			return fmt.Errorf("batch: apply_sandbox_modifications: %w", err)
		}
	}

	return t.seal(ctx)
}

// seal implements P3: build the storage hash and proof, and this
// executor's own opinion.
func (t *Task) seal(ctx context.Context) error {
	t.phase = PhaseSeal

	if !t.unsuccessful {
		state, err := t.storage.EvaluateStorageHash(ctx, t.modID)
		if err != nil {
			return fmt.Errorf("batch: evaluate_storage_hash: %w", err)
		}
		t.storageState = state
	}

	proofs, err := t.acc.BuildProof()
	if err != nil {
		return fmt.Errorf("batch: build_proof: %w", err)
	}
	t.proofs = proofs

	preimage := t.signaturePreimage()
	sig := model.Signature{}
	if t.signer != nil {
		sig = t.signer.Sign(preimage)
	}

	op := model.EndBatchExecutionOpinion{
		Contract:    t.Contract,
		BatchIndex:  t.BatchIndex,
		ExecutorKey: t.Self,
		Successful:  !t.unsuccessful,
		Proofs:      proofs,
		Signature:   sig,
	}
	if !t.unsuccessful {
		op.StorageState = t.storageState
		op.CallResults = t.callResults
	}
	t.ownOpinion = &op

	t.phase = PhaseExchange
	return nil
}

// signaturePreimage covers the call results only for a successful opinion,
// matching what preimageFor rebuilds from an opinion's CallResults (an
// unsuccessful opinion carries none).
func (t *Task) signaturePreimage() []byte {
	var results []model.CallExecutionResult
	if !t.unsuccessful {
		results = t.callResults
	}
	ids := make([]model.CallID, len(results))
	success := make([]bool, len(results))
	for i, cr := range results {
		ids[i] = cr.CallID
		success[i] = cr.Success
	}
	return model.OpinionSignaturePreimage(t.Contract, t.BatchIndex, !t.unsuccessful, t.storageState.Hash, ids, success)
}

// OwnOpinion returns this executor's opinion once seal has run.
func (t *Task) OwnOpinion() (model.EndBatchExecutionOpinion, bool) {
	if t.ownOpinion == nil {
		return model.EndBatchExecutionOpinion{}, false
	}
	return *t.ownOpinion, true
}

// inCohort reports whether key is self or a configured peer.
func (t *Task) inCohort(key model.ExecutorKey) bool {
	if key == t.Self {
		return true
	}
	for _, e := range t.Executors {
		if e == key {
			return true
		}
	}
	return false
}

// AddPeerOpinion implements P4's admission rule (spec §4.H: "an incoming
// opinion is accepted only if (a) batch_index matches; (b) signature
// verifies against claimed executor_key; (c) executor_key ∈ executors;
// (d) structural form is consistent"). Malformed opinions are silently
// dropped and logged, never erroring the caller.
func (t *Task) AddPeerOpinion(op model.EndBatchExecutionOpinion) {
	if op.BatchIndex != t.BatchIndex {
		t.rejectOpinion(op, "batch index mismatch")
		return
	}
	if !t.inCohort(op.ExecutorKey) || op.ExecutorKey == t.Self {
		t.rejectOpinion(op, "unknown or self executor key")
		return
	}
	if !t.structurallyWellFormed(op) {
		t.rejectOpinion(op, "malformed structural form")
		return
	}
	preimage := t.preimageFor(op)
	if !signer.Verify(op.ExecutorKey, preimage, op.Signature) {
		t.rejectOpinion(op, "signature verification failed")
		return
	}

	if op.Successful {
		t.peerOpinionsSuccessful[op.ExecutorKey] = op
	} else {
		t.peerOpinionsUnsuccessful[op.ExecutorKey] = op
	}
}

func (t *Task) rejectOpinion(op model.EndBatchExecutionOpinion, reason string) {
	opinionsRejectedTotal.Inc()
	if t.logger != nil {
		t.logger.Warn().Str("executor", op.ExecutorKey.String()).Str("reason", reason).Msg("dropped peer opinion")
	}
}

// structurallyWellFormed checks spec §4.H P4 rule (d): "a successful
// opinion has successful_batch_info populated AND every call has
// successful_call_info; an unsuccessful opinion has both absent".
func (t *Task) structurallyWellFormed(op model.EndBatchExecutionOpinion) bool {
	if op.Successful {
		return len(op.CallResults) == len(t.Calls)
	}
	return len(op.CallResults) == 0
}

func (t *Task) preimageFor(op model.EndBatchExecutionOpinion) []byte {
	ids := make([]model.CallID, len(op.CallResults))
	success := make([]bool, len(op.CallResults))
	for i, cr := range op.CallResults {
		ids[i] = cr.CallID
		success[i] = cr.Success
	}
	return model.OpinionSignaturePreimage(t.Contract, op.BatchIndex, op.Successful, op.StorageState.Hash, ids, success)
}

// quorumThreshold is ⌈2·cohortSize/3⌉ (spec §8 property 1).
func quorumThreshold(cohortSize int) int {
	return (2*cohortSize + 2) / 3
}

// structuralKey reduces the fields spec §4.H P5 requires to match ("same
// storage hash, same per-call success flags, same size fields, same
// executors_participation per call") to a comparable digest.
func structuralKey(op model.EndBatchExecutionOpinion) string {
	h := sha3.New256()
	h.Write(op.StorageState.Hash[:])
	for _, cr := range op.CallResults {
		h.Write(cr.CallID[:])
		if cr.Success {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		var buf [16]byte
		putUint64(buf[0:8], cr.Participation.SCConsumed)
		putUint64(buf[8:16], cr.Participation.SMConsumed)
		h.Write(buf[:])
	}
	return string(h.Sum(nil))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// QuorumResult is the outcome of CheckQuorum.
type QuorumResult struct {
	Reached      bool
	Successful   bool
	Participants []model.EndBatchExecutionOpinion
}

// CheckQuorum implements P5 (spec §4.H): a successful quorum requires
// ≥ threshold structurally-identical successful opinions including own;
// symmetrically for unsuccessful. Only the side matching the own
// opinion's outcome is evaluated, and any one structural group at or above
// the threshold is returned; distinct groups are not compared. The one
// condition asserted (through the guard, or a bare panic without one) is
// that a successful and an unsuccessful quorum are never reported together.
func (t *Task) CheckQuorum() QuorumResult {
	cohortSize := len(t.Executors) + 1
	threshold := quorumThreshold(cohortSize)

	successResult := t.checkQuorumOn(t.peerOpinionsSuccessful, true, threshold)
	unsuccessfulResult := t.checkQuorumOn(t.peerOpinionsUnsuccessful, false, threshold)

	if successResult.Reached && unsuccessfulResult.Reached {
		const msg = "batch: simultaneous distinct successful and unsuccessful quorums — structural-equality invariant violated (spec §9)"
		if t.guard != nil {
			t.guard.Fatal(t.logger, msg)
		}
		panic(msg)
	}
	if successResult.Reached {
		quorumReachedTotal.WithLabelValues("success").Inc()
		return successResult
	}
	if unsuccessfulResult.Reached {
		quorumReachedTotal.WithLabelValues("unsuccessful").Inc()
		return unsuccessfulResult
	}
	return QuorumResult{}
}

func (t *Task) checkQuorumOn(peers map[model.ExecutorKey]model.EndBatchExecutionOpinion, successful bool, threshold int) QuorumResult {
	if t.ownOpinion == nil || t.ownOpinion.Successful != successful {
		return QuorumResult{}
	}

	groups := make(map[string][]model.EndBatchExecutionOpinion)
	ownKey := structuralKey(*t.ownOpinion)
	groups[ownKey] = append(groups[ownKey], *t.ownOpinion)
	for _, op := range peers {
		key := structuralKey(op)
		groups[key] = append(groups[key], op)
	}

	for _, members := range groups {
		if len(members) >= threshold {
			return QuorumResult{Reached: true, Successful: successful, Participants: members}
		}
	}
	return QuorumResult{}
}

// BuildSuccessfulTransaction assembles the transaction emitted on a
// successful quorum (spec §4.H P6, §6), with signatures ordered by
// executor key byte-lexicographic ascending (spec §4.H "Tie-breaking and
// determinism").
func (t *Task) BuildSuccessfulTransaction(result QuorumResult) model.SuccessfulEndBatchExecutionTransactionInfo {
	sort.Slice(result.Participants, func(i, j int) bool {
		return result.Participants[i].ExecutorKey.Less(result.Participants[j].ExecutorKey)
	})

	keys := make([]model.ExecutorKey, len(result.Participants))
	sigs := make([]model.Signature, len(result.Participants))
	proofs := make([]poex.Proofs, len(result.Participants))
	for i, op := range result.Participants {
		keys[i] = op.ExecutorKey
		sigs[i] = op.Signature
		proofs[i] = op.Proofs
	}

	callInfos := make([]model.SuccessfulCallInfo, len(t.callResults))
	for i, cr := range t.callResults {
		participation := make(map[model.ExecutorKey]model.CallExecutorParticipation, len(result.Participants))
		for _, op := range result.Participants {
			if i < len(op.CallResults) {
				participation[op.ExecutorKey] = op.CallResults[i].Participation
			}
		}
		callInfos[i] = model.SuccessfulCallInfo{
			CallID:        cr.CallID,
			Manual:        cr.Manual,
			Status:        cr.Success,
			Participation: participation,
		}
	}

	return model.SuccessfulEndBatchExecutionTransactionInfo{
		Contract:     t.Contract,
		BatchIndex:   t.BatchIndex,
		StorageState: t.storageState,
		CallInfos:    callInfos,
		ExecutorKeys: keys,
		Signatures:   sigs,
		Proofs:       proofs,
	}
}

// BuildUnsuccessfulTransaction assembles the unsuccessful counterpart
// (spec §6: "per-call infos without storage effects").
func (t *Task) BuildUnsuccessfulTransaction(result QuorumResult) model.UnsuccessfulEndBatchExecutionTransactionInfo {
	sort.Slice(result.Participants, func(i, j int) bool {
		return result.Participants[i].ExecutorKey.Less(result.Participants[j].ExecutorKey)
	})

	keys := make([]model.ExecutorKey, len(result.Participants))
	sigs := make([]model.Signature, len(result.Participants))
	proofs := make([]poex.Proofs, len(result.Participants))
	for i, op := range result.Participants {
		keys[i] = op.ExecutorKey
		sigs[i] = op.Signature
		proofs[i] = op.Proofs
	}

	callInfos := make([]model.UnsuccessfulCallInfo, len(t.callResults))
	for i, cr := range t.callResults {
		callInfos[i] = model.UnsuccessfulCallInfo{CallID: cr.CallID, Manual: cr.Manual}
	}

	return model.UnsuccessfulEndBatchExecutionTransactionInfo{
		Contract:     t.Contract,
		BatchIndex:   t.BatchIndex,
		CallInfos:    callInfos,
		ExecutorKeys: keys,
		Signatures:   sigs,
		Proofs:       proofs,
	}
}

// BuildSingleTransaction assembles this executor's own proof for
// publication without peer agreement, used when a quorum deadline expires
// with no successful or unsuccessful quorum reached (spec §4.H P5:
// "unsuccessful-expectation exhausted" — see DESIGN.md). The proof is
// published alone so the contract's proof chain still advances instead of
// stalling indefinitely on peers that never share a matching opinion.
func (t *Task) BuildSingleTransaction() model.EndBatchExecutionSingleTransactionInfo {
	return model.EndBatchExecutionSingleTransactionInfo{
		Contract:         t.Contract,
		BatchIndex:       t.BatchIndex,
		ProofOfExecution: t.proofs,
	}
}

// Finalize implements P7: on a published success, reset the proof chain
// and return cY for recent_batch_commitments; on failure, pop every
// contribution this task added (spec §4.H P7).
func (t *Task) Finalize(published, successful bool) poex.CurvePoint {
	if published && successful {
		cY := t.acc.BatchCommitment()
		t.acc.Reset()
		return cY
	}
	for i := 0; i < t.addedToProof; i++ {
		t.acc.PopFromProof()
	}
	return poex.Identity()
}

// CallResults returns a copy of the per-call outcomes recorded during P2,
// letting the contract actor inspect gas consumption (e.g. to track the
// automatic-execution SC limit) without reaching into task internals.
func (t *Task) CallResults() []model.CallExecutionResult {
	return append([]model.CallExecutionResult(nil), t.callResults...)
}

// Cancel implements spec §4.H's cancellation contract: callers terminate
// the outstanding VM query (owned by the caller's asyncquery.QueryHandle,
// not this type) and their own rebroadcast timers, then call Cancel to
// drop the peer opinions held here.
func (t *Task) Cancel() {
	t.peerOpinionsSuccessful = nil
	t.peerOpinionsUnsuccessful = nil
}

package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximax-storage/supercontract-executor/internal/model"
	"github.com/proximax-storage/supercontract-executor/internal/poex"
	"github.com/proximax-storage/supercontract-executor/internal/signer"
	"github.com/proximax-storage/supercontract-executor/internal/storageclient"
	"github.com/proximax-storage/supercontract-executor/internal/vmclient"
)

func testExecutors(t *testing.T, n int) ([]*signer.Signer, []model.ExecutorKey) {
	t.Helper()
	signers := make([]*signer.Signer, n)
	keys := make([]model.ExecutorKey, n)
	for i := 0; i < n; i++ {
		s, err := signer.Generate()
		require.NoError(t, err)
		signers[i] = s
		keys[i] = s.ExecutorKey()
	}
	return signers, keys
}

func oneCallTask(t *testing.T, self *signer.Signer, peers []model.ExecutorKey, results []vmclient.ExecuteResult, hash model.StorageHash) *Task {
	t.Helper()
	calls := []model.CallRequest{{CallID: model.CallID{1}, CallLevel: model.Manual}}
	acc := poex.NewAccumulator(poex.Base(), 0)
	vm := &vmclient.FakeClient{Results: results}
	store := &storageclient.FakeClient{Hash: hash}
	return NewTask(model.ContractKey{9}, model.DriveKey{8}, 0, calls, self.ExecutorKey(), peers, vm, store, acc, self, nil, nil)
}

// opinionFrom runs a task with its own signer/vm/storage to produce a
// structurally-matching opinion signed by that executor, the way a peer's
// own task would (spec §4.H P3-P4).
func opinionFrom(t *testing.T, s *signer.Signer, peers []model.ExecutorKey, hash model.StorageHash, batchIndex uint64) model.EndBatchExecutionOpinion {
	t.Helper()
	calls := []model.CallRequest{{CallID: model.CallID{1}, CallLevel: model.Manual}}
	acc := poex.NewAccumulator(poex.Base(), 0)
	vm := &vmclient.FakeClient{Results: []vmclient.ExecuteResult{{Success: true, SCConsumed: 10, SMConsumed: 5, PoExSecret: 42}}}
	store := &storageclient.FakeClient{Hash: hash}
	task := NewTask(model.ContractKey{9}, model.DriveKey{8}, batchIndex, calls, s.ExecutorKey(), peers, vm, store, acc, s, nil, nil)
	require.NoError(t, task.Execute(context.Background()))
	op, ok := task.OwnOpinion()
	require.True(t, ok)
	return op
}

func TestQuorumThresholdProperty(t *testing.T) {
	// spec §8 property 1: for cohort sizes n in {1..10}, threshold is
	// ⌈2n/3⌉, never exceeds the cohort size, and is at least 1.
	for n := 1; n <= 10; n++ {
		threshold := quorumThreshold(n)
		ceil := (2*n + 2) / 3
		assert.Equal(t, ceil, threshold, "n=%d", n)
		assert.LessOrEqual(t, threshold, n, "n=%d: threshold must not exceed cohort size", n)
		assert.Greater(t, threshold, 0, "n=%d", n)
	}
}

func TestBatchReachesSuccessfulQuorum(t *testing.T) {
	self, _ := testExecutors(t, 1)
	peerSigners, peerKeys := testExecutors(t, 2) // 2 peers + self = cohort of 3, threshold = (6+2)/3 = 2

	hash := model.StorageHash{1, 2, 3}

	task := oneCallTask(t, self[0], peerKeys, []vmclient.ExecuteResult{{Success: true, SCConsumed: 10, SMConsumed: 5, PoExSecret: 42}}, hash)
	require.NoError(t, task.Execute(context.Background()))
	own, ok := task.OwnOpinion()
	require.True(t, ok)
	assert.True(t, own.Successful)

	peerOp := opinionFrom(t, peerSigners[0], []model.ExecutorKey{self[0].ExecutorKey(), peerKeys[1]}, hash, 0)
	task.AddPeerOpinion(peerOp)

	result := task.CheckQuorum()
	assert.True(t, result.Reached)
	assert.True(t, result.Successful)
	assert.Len(t, result.Participants, 2)
}

func TestBatchRejectsOpinionWithWrongBatchIndex(t *testing.T) {
	self, _ := testExecutors(t, 1)
	peerSigners, morePeerKeys := testExecutors(t, 1)

	task := oneCallTask(t, self[0], morePeerKeys, []vmclient.ExecuteResult{{Success: true, PoExSecret: 1}}, model.StorageHash{1})
	require.NoError(t, task.Execute(context.Background()))

	badOp := opinionFrom(t, peerSigners[0], []model.ExecutorKey{self[0].ExecutorKey()}, model.StorageHash{1}, 999)
	task.AddPeerOpinion(badOp)

	assert.Empty(t, task.peerOpinionsSuccessful)
	result := task.CheckQuorum()
	assert.False(t, result.Reached)
}

func TestBatchRejectsOpinionFromUnknownExecutor(t *testing.T) {
	self, _ := testExecutors(t, 1)
	_, cohort := testExecutors(t, 1)
	stranger, _ := testExecutors(t, 1)

	task := oneCallTask(t, self[0], cohort, []vmclient.ExecuteResult{{Success: true, PoExSecret: 1}}, model.StorageHash{1})
	require.NoError(t, task.Execute(context.Background()))

	op := opinionFrom(t, stranger[0], cohort, model.StorageHash{1}, 0)
	task.AddPeerOpinion(op)

	assert.Empty(t, task.peerOpinionsSuccessful)
}

func TestBatchRejectsTamperedSignature(t *testing.T) {
	self, _ := testExecutors(t, 1)
	peerSigners, cohort := testExecutors(t, 1)

	task := oneCallTask(t, self[0], cohort, []vmclient.ExecuteResult{{Success: true, PoExSecret: 1}}, model.StorageHash{7})
	require.NoError(t, task.Execute(context.Background()))

	op := opinionFrom(t, peerSigners[0], []model.ExecutorKey{self[0].ExecutorKey()}, model.StorageHash{7}, 0)
	op.Signature[0] ^= 0xff
	task.AddPeerOpinion(op)

	assert.Empty(t, task.peerOpinionsSuccessful)
}

func TestBatchMarksUnsuccessfulOnVMUnavailable(t *testing.T) {
	self, _ := testExecutors(t, 1)
	_, cohort := testExecutors(t, 1)

	calls := []model.CallRequest{
		{CallID: model.CallID{1}, CallLevel: model.Manual},
		{CallID: model.CallID{2}, CallLevel: model.Manual},
	}
	acc := poex.NewAccumulator(poex.Base(), 0)
	vm := &vmclient.FakeClient{Results: []vmclient.ExecuteResult{{Unavailable: true}}}
	store := &storageclient.FakeClient{}
	task := NewTask(model.ContractKey{1}, model.DriveKey{1}, 0, calls, self[0].ExecutorKey(), cohort, vm, store, acc, self[0], nil, nil)

	require.NoError(t, task.Execute(context.Background()))
	own, ok := task.OwnOpinion()
	require.True(t, ok)
	assert.False(t, own.Successful)
	assert.Empty(t, own.CallResults)
	assert.Len(t, task.callResults, 2, "both calls enumerated with null outcomes")
	assert.Equal(t, 0, task.addedToProof)
}

func TestFinalizeResetsOnPublishedSuccess(t *testing.T) {
	self, _ := testExecutors(t, 1)
	_, cohort := testExecutors(t, 1)
	task := oneCallTask(t, self[0], cohort, []vmclient.ExecuteResult{{Success: true, PoExSecret: 7}}, model.StorageHash{1})
	require.NoError(t, task.Execute(context.Background()))

	task.Finalize(true, true)
	// Reset folds the contribution into the running total and empties the
	// pending list: the running point is no longer the identity, but the
	// now-empty batch commitment is.
	assert.False(t, task.acc.CumulativePoint().Equal(poex.Identity()))
	assert.True(t, task.acc.BatchCommitment().Equal(poex.Identity()))
}

func TestFinalizePopsOnFailure(t *testing.T) {
	self, _ := testExecutors(t, 1)
	_, cohort := testExecutors(t, 1)
	task := oneCallTask(t, self[0], cohort, []vmclient.ExecuteResult{{Success: true, PoExSecret: 7}}, model.StorageHash{1})
	require.NoError(t, task.Execute(context.Background()))
	require.Equal(t, 1, task.addedToProof)

	task.Finalize(false, false)
	// popping the single contribution leaves the accumulator's batch
	// commitment at the identity point.
	assert.True(t, task.acc.BatchCommitment().Equal(poex.Identity()))
}

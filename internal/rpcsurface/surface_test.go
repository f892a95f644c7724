package rpcsurface

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/proximax-storage/supercontract-executor/internal/blockchain"
	"github.com/proximax-storage/supercontract-executor/internal/executor"
	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// fakeConn is an in-memory stand-in for *nats.Conn, mirroring
// internal/messenger's test fake.
type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	failNext  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: make(map[string][][]byte), handlers: make(map[string]nats.MsgHandler)}
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fakeErr
	}
	f.published[msg.Subject] = append(f.published[msg.Subject], msg.Data)
	return nil
}

func (f *fakeConn) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handlers[subject] = handler
	f.mu.Unlock()
	return &nats.Subscription{Subject: subject}, nil
}

func (f *fakeConn) deliver(t *testing.T, subject string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.mu.Lock()
	handler := f.handlers[subject]
	f.mu.Unlock()
	require.NotNil(t, handler, "no handler subscribed for %s", subject)
	handler(&nats.Msg{Subject: subject, Data: data})
}

type fakeErrT string

func (e fakeErrT) Error() string { return string(e) }

const fakeErr = fakeErrT("publish failed")

// recordingTarget captures every inbound dispatch for assertions.
type recordingTarget struct {
	mu sync.Mutex

	addContract      []executor.AddContractRequest
	removeContract   []model.ContractKey
	addManualCall    []model.ContractKey
	addBlockInfo     []uint64
	addBlock         []uint64
	setExecutors     []model.ContractKey
	setAutomatic     []model.ContractKey
	published        []model.PublishedEndBatchExecutionTransactionInfo
	singlePublished  []model.EndBatchExecutionSingleTransactionInfo
	failed           []model.FailedEndBatchExecutionTransactionInfo
	storageSynced    []model.ContractKey
}

func (r *recordingTarget) AddContract(req executor.AddContractRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addContract = append(r.addContract, req)
}

func (r *recordingTarget) RemoveContract(key model.ContractKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeContract = append(r.removeContract, key)
}

func (r *recordingTarget) AddManualCall(key model.ContractKey, call model.CallRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addManualCall = append(r.addManualCall, key)
}

func (r *recordingTarget) AddBlockInfo(height uint64, block blockchain.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addBlockInfo = append(r.addBlockInfo, height)
}

func (r *recordingTarget) AddBlock(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addBlock = append(r.addBlock, height)
}

func (r *recordingTarget) SetExecutors(key model.ContractKey, executors []model.ExecutorKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setExecutors = append(r.setExecutors, key)
}

func (r *recordingTarget) SetAutomaticExecutionsEnabledSince(key model.ContractKey, height uint64, file, function string, scLimit, smLimit uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setAutomatic = append(r.setAutomatic, key)
}

func (r *recordingTarget) OnEndBatchExecutionPublished(info model.PublishedEndBatchExecutionTransactionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, info)
}

func (r *recordingTarget) OnEndBatchExecutionSingleTransactionPublished(info model.EndBatchExecutionSingleTransactionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singlePublished = append(r.singlePublished, info)
}

func (r *recordingTarget) OnEndBatchExecutionFailed(info model.FailedEndBatchExecutionTransactionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, info)
}

func (r *recordingTarget) StorageSynchronizedPublished(info model.SynchronizationSingleTransactionInfo, hash model.StorageHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storageSynced = append(r.storageSynced, info.Contract)
}

func TestOpenSubscribesEveryInboundSubject(t *testing.T) {
	conn := newFakeConn()
	target := &recordingTarget{}
	s := newSurface(conn, target, nil, nil)

	require.NoError(t, s.Open())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, subj := range []string{
		subAddContract, subRemoveContract, subAddManualCall, subAddBlockInfo,
		subAddBlock, subSetExecutors, subSetAutomaticExecutionsEnabledSince,
		subEndBatchExecutionPublished, subEndBatchExecutionSingleTransactionPublished,
		subEndBatchExecutionFailed, subStorageSynchronizedPublished,
	} {
		_, ok := conn.handlers[subj]
		require.True(t, ok, "expected a handler subscribed on %s", subj)
	}
}

func TestInboundAddContractDispatchesToTarget(t *testing.T) {
	conn := newFakeConn()
	target := &recordingTarget{}
	s := newSurface(conn, target, nil, nil)
	require.NoError(t, s.Open())

	key := model.ContractKey{1}
	conn.deliver(t, subAddContract, executor.AddContractRequest{
		Key:       key,
		Executors: []model.ExecutorKey{{9}},
	})

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.addContract, 1)
	require.Equal(t, key, target.addContract[0].Key)
}

func TestInboundAddBlockInfoDispatchesToTarget(t *testing.T) {
	conn := newFakeConn()
	target := &recordingTarget{}
	s := newSurface(conn, target, nil, nil)
	require.NoError(t, s.Open())

	conn.deliver(t, subAddBlockInfo, addBlockInfoPayload{
		Height: 42,
		Block:  blockchain.Block{Hash: model.BlockHash{1}, Time: 100},
	})

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Equal(t, []uint64{42}, target.addBlockInfo)
}

func TestInboundMalformedPayloadIsDroppedNotPanicked(t *testing.T) {
	conn := newFakeConn()
	target := &recordingTarget{}
	s := newSurface(conn, target, nil, nil)
	require.NoError(t, s.Open())

	conn.mu.Lock()
	handler := conn.handlers[subAddContract]
	conn.mu.Unlock()
	require.NotPanics(t, func() {
		handler(&nats.Msg{Subject: subAddContract, Data: []byte("not json")})
	})

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Empty(t, target.addContract)
}

func TestOutboundSuccessfulPublishesToExpectedSubject(t *testing.T) {
	conn := newFakeConn()
	s := newSurface(conn, &recordingTarget{}, nil, nil)

	s.SuccessfulEndBatchTransactionIsReady(model.SuccessfulEndBatchExecutionTransactionInfo{
		Contract: model.ContractKey{3}, BatchIndex: 7,
	})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.published[pubSuccessfulEndBatchTransactionIsReady], 1)

	var info model.SuccessfulEndBatchExecutionTransactionInfo
	require.NoError(t, json.Unmarshal(conn.published[pubSuccessfulEndBatchTransactionIsReady][0], &info))
	require.Equal(t, uint64(7), info.BatchIndex)
}

func TestIdemKeyIsStableForRepeatedBatchIndex(t *testing.T) {
	info := model.SuccessfulEndBatchExecutionTransactionInfo{Contract: model.ContractKey{5}, BatchIndex: 12}
	k1 := idemKey(pubSuccessfulEndBatchTransactionIsReady, info)
	k2 := idemKey(pubSuccessfulEndBatchTransactionIsReady, info)
	require.NotEmpty(t, k1)
	require.Equal(t, k1, k2)

	other := model.SuccessfulEndBatchExecutionTransactionInfo{Contract: model.ContractKey{5}, BatchIndex: 13}
	require.NotEqual(t, k1, idemKey(pubSuccessfulEndBatchTransactionIsReady, other))
}

func TestOutboundReleasedTransactionsPublishesToExpectedSubject(t *testing.T) {
	conn := newFakeConn()
	s := newSurface(conn, &recordingTarget{}, nil, nil)

	s.ReleasedTransactionsAreReady(model.ReleasedTransactionsInfo{
		Contract: model.ContractKey{4}, BatchIndex: 1, Aggregated: []byte{1, 2, 3},
	})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.published[pubReleasedTransactionsAreReady], 1)
}

func TestPublishErrorTriggersShutdown(t *testing.T) {
	conn := newFakeConn()
	conn.failNext = true

	var shutdownCause error
	var mu sync.Mutex
	s := newSurface(conn, &recordingTarget{}, nil, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		shutdownCause = err
	})

	s.SuccessfulEndBatchTransactionIsReady(model.SuccessfulEndBatchExecutionTransactionInfo{Contract: model.ContractKey{1}})

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, shutdownCause)
}

func TestShutdownOnlyFiresOnce(t *testing.T) {
	conn := newFakeConn()

	var calls int
	var mu sync.Mutex
	s := newSurface(conn, &recordingTarget{}, nil, func(error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	s.shutdown(fakeErr)
	s.shutdown(fakeErr)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

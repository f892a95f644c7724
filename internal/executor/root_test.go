package executor

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximax-storage/supercontract-executor/internal/blockchain"
	"github.com/proximax-storage/supercontract-executor/internal/contract"
	"github.com/proximax-storage/supercontract-executor/internal/eventloop"
	"github.com/proximax-storage/supercontract-executor/internal/execconfig"
	"github.com/proximax-storage/supercontract-executor/internal/messenger"
	"github.com/proximax-storage/supercontract-executor/internal/model"
	"github.com/proximax-storage/supercontract-executor/internal/poex"
	"github.com/proximax-storage/supercontract-executor/internal/signer"
	"github.com/proximax-storage/supercontract-executor/internal/storageclient"
	"github.com/proximax-storage/supercontract-executor/internal/vmclient"
)

// fakeMessenger records broadcasts without a real NATS connection.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []messenger.OutputMessage
}

func (m *fakeMessenger) Send(msg messenger.OutputMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

// recordingHostSink captures every outbound transaction the root relays.
type recordingHostSink struct {
	mu           sync.Mutex
	successful   []model.SuccessfulEndBatchExecutionTransactionInfo
	unsuccessful []model.UnsuccessfulEndBatchExecutionTransactionInfo
	single       []model.EndBatchExecutionSingleTransactionInfo
}

func (h *recordingHostSink) SuccessfulEndBatchTransactionIsReady(info model.SuccessfulEndBatchExecutionTransactionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successful = append(h.successful, info)
}

func (h *recordingHostSink) UnsuccessfulEndBatchTransactionIsReady(info model.UnsuccessfulEndBatchExecutionTransactionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsuccessful = append(h.unsuccessful, info)
}

func (h *recordingHostSink) EndBatchExecutionSingleTransactionIsReady(info model.EndBatchExecutionSingleTransactionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.single = append(h.single, info)
}

func (h *recordingHostSink) successCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.successful)
}

func fastExecConfig() execconfig.ExecutorConfig {
	cfg := execconfig.DefaultExecutorConfig()
	cfg.ShareOpinionTimeout = 20 * time.Millisecond
	cfg.ServiceUnavailableTimeout = 2 * time.Second
	cfg.SuccessfulExecutionDelay = 5 * time.Millisecond
	cfg.UnsuccessfulExecutionDelay = 5 * time.Millisecond
	cfg.QuorumDeadline = 2 * time.Second
	return cfg
}

func newTestRoot(t *testing.T, self *signer.Signer, hostSink HostSink) (*Root, *eventloop.Loop, *fakeMessenger) {
	t.Helper()
	loop := eventloop.New(0)
	t.Cleanup(loop.Stop)
	msgr := &fakeMessenger{}

	r := New(Config{
		Self:          self.ExecutorKey(),
		Signer:        self,
		VM:            &vmclient.FakeClient{},
		Storage:       &storageclient.FakeClient{},
		Messenger:     msgr,
		HostSink:      hostSink,
		Loop:          loop,
		DefaultConfig: fastExecConfig(),
	})
	return r, loop, msgr
}

func TestAddContractRejectsWhenLocalExecutorNotInCohort(t *testing.T) {
	self, err := signer.Generate()
	require.NoError(t, err)
	other, err := signer.Generate()
	require.NoError(t, err)

	r, _, _ := newTestRoot(t, self, &recordingHostSink{})
	r.AddContract(AddContractRequest{
		Key:       model.ContractKey{1},
		Executors: []model.ExecutorKey{other.ExecutorKey()},
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.Len(), "a cohort that excludes the local executor must not admit the contract")
}

func TestAddContractAdmitsWhenLocalExecutorInCohort(t *testing.T) {
	self, err := signer.Generate()
	require.NoError(t, err)
	peer, err := signer.Generate()
	require.NoError(t, err)

	r, _, _ := newTestRoot(t, self, &recordingHostSink{})
	r.AddContract(AddContractRequest{
		Key:       model.ContractKey{2},
		DriveKey:  model.DriveKey{9},
		Executors: []model.ExecutorKey{self.ExecutorKey(), peer.ExecutorKey()},
	})

	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemoveContractDropsFromMap(t *testing.T) {
	self, err := signer.Generate()
	require.NoError(t, err)

	r, _, _ := newTestRoot(t, self, &recordingHostSink{})
	key := model.ContractKey{3}
	r.AddContract(AddContractRequest{Key: key, Executors: []model.ExecutorKey{self.ExecutorKey()}})
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)

	r.RemoveContract(key)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnknownContractDispatchIsIgnored(t *testing.T) {
	self, err := signer.Generate()
	require.NoError(t, err)

	r, _, _ := newTestRoot(t, self, &recordingHostSink{})
	// None of these should panic even though no contract was admitted.
	r.AddManualCall(model.ContractKey{99}, model.CallRequest{})
	r.SetExecutors(model.ContractKey{99}, nil)
	r.OnEndBatchExecutionPublished(model.PublishedEndBatchExecutionTransactionInfo{Contract: model.ContractKey{99}})
	r.OnEndBatchExecutionFailed(model.FailedEndBatchExecutionTransactionInfo{Contract: model.ContractKey{99}})
}

func TestAddBlockInfoPopulatesSharedCache(t *testing.T) {
	self, err := signer.Generate()
	require.NoError(t, err)

	loop := eventloop.New(0)
	t.Cleanup(loop.Stop)
	cache := blockchain.NewCache(nil, 16, nil)

	r := New(Config{
		Self:          self.ExecutorKey(),
		Signer:        self,
		VM:            &vmclient.FakeClient{},
		Storage:       &storageclient.FakeClient{},
		Chain:         cache,
		Loop:          loop,
		DefaultConfig: fastExecConfig(),
	})

	r.AddBlockInfo(100, blockchain.Block{Hash: model.BlockHash{1}, Time: 12345})
	assert.Equal(t, 1, cache.Len())
}

func TestOnMessageReceivedRoutesByContractKey(t *testing.T) {
	self, err := signer.Generate()
	require.NoError(t, err)
	peer, err := signer.Generate()
	require.NoError(t, err)

	hash := model.StorageHash{7}
	callID := model.CallID{1}
	key := model.ContractKey{4}

	loop := eventloop.New(0)
	t.Cleanup(loop.Stop)
	hostSink := &recordingHostSink{}
	r := New(Config{
		Self:   self.ExecutorKey(),
		Signer: self,
		VM: &vmclient.FakeClient{Results: []vmclient.ExecuteResult{
			{Success: true, SCConsumed: 1, SMConsumed: 1, PoExSecret: 1},
		}},
		Storage:       &storageclient.FakeClient{Hash: hash},
		Messenger:     &fakeMessenger{},
		HostSink:      hostSink,
		Loop:          loop,
		DefaultConfig: fastExecConfig(),
	})

	pub, err := poex.RandomScalar()
	require.NoError(t, err)
	contractPubKey := poex.Base().ScalarMul(pub)

	r.AddContract(AddContractRequest{
		Key:            key,
		Executors:      []model.ExecutorKey{self.ExecutorKey(), peer.ExecutorKey()},
		ContractPubKey: contractPubKey,
	})
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)

	r.AddManualCall(key, model.CallRequest{CallID: callID, CallLevel: model.Manual})

	// Build the peer's matching opinion and route it in through the root,
	// exactly as the messenger session would after a live NATS delivery.
	preimage := model.OpinionSignaturePreimage(key, 0, true, hash, []model.CallID{callID}, []bool{true})
	op := model.EndBatchExecutionOpinion{
		Contract:    key,
		BatchIndex:  0,
		ExecutorKey: peer.ExecutorKey(),
		Successful:  true,
		StorageState: model.StorageState{Hash: hash},
		CallResults: []model.CallExecutionResult{
			{CallID: callID, Success: true, Participation: model.CallExecutorParticipation{SCConsumed: 1, SMConsumed: 1}},
		},
		Signature: peer.Sign(preimage),
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)
	r.OnMessageReceived(messenger.InputMessage{Tag: contract.EndBatchTag, Content: data})

	require.Eventually(t, func() bool {
		return hostSink.successCount() == 1
	}, time.Second, 5*time.Millisecond, "routing by contract_key should let the admitted contract reach quorum")
}

// Package contract implements the per-contract actor of spec §4.G: the
// pending-call queue, the configured executor cohort, batch formation,
// and the proof/commitment history a contract carries across its whole
// lifetime. One Contract is constructed per admitted contract key by the
// executor root (internal/executor) and lives until RemoveContract.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"

	"github.com/proximax-storage/supercontract-executor/internal/assertloop"
	"github.com/proximax-storage/supercontract-executor/internal/asyncquery"
	"github.com/proximax-storage/supercontract-executor/internal/batch"
	"github.com/proximax-storage/supercontract-executor/internal/eventloop"
	"github.com/proximax-storage/supercontract-executor/internal/execconfig"
	"github.com/proximax-storage/supercontract-executor/internal/messenger"
	"github.com/proximax-storage/supercontract-executor/internal/model"
	"github.com/proximax-storage/supercontract-executor/internal/poex"
	"github.com/proximax-storage/supercontract-executor/internal/signer"
	"github.com/proximax-storage/supercontract-executor/internal/storageclient"
	"github.com/proximax-storage/supercontract-executor/internal/vmclient"
)

// EndBatchTag is the messenger tag end-batch opinions are exchanged under
// (spec §4.H P4: "tag = END_BATCH").
const EndBatchTag = "END_BATCH"

var (
	batchesStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_contract_batches_started_total",
		Help: "Batches opened across all contracts.",
	})
	batchesFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supercontract_executor_contract_batches_finalized_total",
		Help: "Batches finalized, by outcome.",
	}, []string{"outcome"})
)

// Broadcaster sends a messenger message to the cohort (spec §4.F). Only
// Send is needed here; *messenger.Session satisfies it.
type Broadcaster interface {
	Send(msg messenger.OutputMessage)
}

// TransactionSink hands an emitted transaction to the executor root for
// relay to the hosting node (spec §4.H P6, §4.J).
type TransactionSink interface {
	EmitSuccessful(model.SuccessfulEndBatchExecutionTransactionInfo)
	EmitUnsuccessful(model.UnsuccessfulEndBatchExecutionTransactionInfo)
	EmitSingleTransaction(model.EndBatchExecutionSingleTransactionInfo)
}

// AutomaticConfig is the contract's automatic-execution configuration
// (spec §3: "automatic_executions: {file, function, sc_limit, sm_limit,
// enabled_since_height or ∞}").
type AutomaticConfig struct {
	File               string
	Function           string
	SCLimit            uint64
	SMLimit            uint64
	EnabledSinceHeight *uint64
}

// syncEntry is one pending (batch_index, StorageHash) awaiting storage
// catch-up (spec §3: "synchronization_queue").
type syncEntry struct {
	BatchIndex uint64
	Hash       model.StorageHash
}

// Config bundles a Contract's fixed collaborators and identity.
type Config struct {
	Key       model.ContractKey
	DriveKey  model.DriveKey
	Self      model.ExecutorKey
	Executors []model.ExecutorKey

	// ContractPubKey is the contract's dedicated PoEx commitment key (spec
	// §4.C: "H(secret ∥ contract_pubkey)") — a CurvePoint, distinct from
	// the opaque ContractKey identifier, published by the contract's
	// deployer and supplied by the executor root when constructing this
	// actor.
	ContractPubKey poex.CurvePoint

	VM          vmclient.Client
	Storage     storageclient.Client
	Broadcaster Broadcaster
	Sink        TransactionSink
	Signer      *signer.Signer
	Loop        *eventloop.Loop
	Logger      *zerolog.Logger
	ExecConfig  execconfig.ExecutorConfig

	// HeightConfig is the per-height BTreeMap<u64, Config> of spec §9,
	// supplying (among other things) the AutorunSCLimit/File/Function that
	// gate the once-per-contract-lifetime autorun call. May be nil, in
	// which case autorun is never eligible.
	HeightConfig *execconfig.HeightIndex

	// Guard routes structural-invariant breaches (spec §7) through the
	// flush-then-abort sequence of internal/assertloop instead of a bare
	// panic. May be nil in tests, in which case breaches still panic, just
	// without the flush/stop step.
	Guard *assertloop.Guard
}

// Contract is the per-contract actor of spec §4.G. All state mutation is
// guarded by mu; the proof chain and VM/storage round trip a batch
// performs are the only parts genuinely concurrent with the methods below
// (they run in a goroutine spawned by startBatchLocked, handed back via
// the async-query primitive onto Loop — spec §4.A/§4.B), so mu also
// serializes against that handoff.
type Contract struct {
	mu sync.RWMutex

	key       model.ContractKey
	driveKey  model.DriveKey
	self      model.ExecutorKey
	executors []model.ExecutorKey

	automatic           AutomaticConfig
	automaticSCConsumed uint64
	pendingAutomaticID  *model.CallID

	heightConfig     *execconfig.HeightIndex
	autorunAttempted bool
	pendingAutorunID *model.CallID

	pendingCalls []model.CallRequest
	callSeq      uint64

	batchIndex      uint64
	batchesExecuted uint64

	activeBatch      *batch.Task
	activeBatchQuery *asyncquery.QueryHandle
	batchSealed      bool
	bufferedOpinions []model.EndBatchExecutionOpinion

	rebroadcastTimer    *eventloop.Timer
	expectationTimer    *eventloop.Timer
	quorumDeadlineTimer *eventloop.Timer

	proofChain        *poex.Accumulator
	recentCommitments map[uint64]poex.CurvePoint
	commitmentOrder   []uint64

	syncQueue     []syncEntry
	currentHeight uint64

	terminated bool
	healthy    bool

	vm          vmclient.Client
	storage     storageclient.Client
	broadcaster Broadcaster
	sink        TransactionSink
	signer      *signer.Signer
	loop        *eventloop.Loop
	logger      *zerolog.Logger
	cfg         execconfig.ExecutorConfig
	guard       *assertloop.Guard
}

// New constructs a Contract actor bound to an already-validated cohort
// (the executor root is responsible for the addContract admission rule of
// spec §4.I: "rejects if the local executor is not in the provided
// executors set").
func New(cfg Config) *Contract {
	executors := make([]model.ExecutorKey, 0, len(cfg.Executors))
	for _, k := range cfg.Executors {
		if k != cfg.Self {
			executors = append(executors, k)
		}
	}
	var zeroPoint poex.CurvePoint
	if cfg.ContractPubKey == zeroPoint {
		cfg.ContractPubKey = poex.Base()
	}
	return &Contract{
		key:               cfg.Key,
		driveKey:          cfg.DriveKey,
		self:              cfg.Self,
		executors:         executors,
		proofChain:        poex.NewAccumulator(cfg.ContractPubKey, 0),
		recentCommitments: make(map[uint64]poex.CurvePoint),
		vm:                cfg.VM,
		storage:           cfg.Storage,
		broadcaster:       cfg.Broadcaster,
		sink:              cfg.Sink,
		signer:            cfg.Signer,
		loop:              cfg.Loop,
		logger:            cfg.Logger,
		cfg:               cfg.ExecConfig,
		heightConfig:      cfg.HeightConfig,
		guard:             cfg.Guard,
		healthy:           true,
	}
}

// AddManualCall enqueues a caller-submitted call (spec §4.G dispatch:
// "addManualCall").
func (c *Contract) AddManualCall(call model.CallRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.pendingCalls = append(c.pendingCalls, call)
	c.tryStartBatchLocked()
}

// SetExecutors replaces the peer cohort, filtering self out (spec §3
// invariant 5: "the local executor's key is never in executors").
func (c *Contract) SetExecutors(keys []model.ExecutorKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	filtered := make([]model.ExecutorKey, 0, len(keys))
	for _, k := range keys {
		if k != c.self {
			filtered = append(filtered, k)
		}
	}
	c.executors = filtered
}

// SetAutomaticExecutionsEnabledSince configures the synthesized automatic
// call (spec §4.G dispatch: "setAutomaticExecutionsEnabledSince").
func (c *Contract) SetAutomaticExecutionsEnabledSince(height uint64, file, function string, scLimit, smLimit uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := height
	c.automatic = AutomaticConfig{File: file, Function: function, SCLimit: scLimit, SMLimit: smLimit, EnabledSinceHeight: &h}
	c.automaticSCConsumed = 0
	c.tryStartBatchLocked()
}

// AddBlock advances the contract's view of chain height, which the
// automatic-execution eligibility check reads (spec §4.G dispatch:
// "addBlock"/"addBlockInfo").
func (c *Contract) AddBlock(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentHeight = height
	c.tryStartBatchLocked()
}

// OnStorageSynchronized pops the synchronization queue's head once storage
// reports catching up to it (spec §3: "synchronization_queue: FIFO ...
// awaiting storage to catch up before the next batch may start").
func (c *Contract) OnStorageSynchronized(batchIndex uint64, hash model.StorageHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.syncQueue) > 0 && c.syncQueue[0].BatchIndex == batchIndex && c.syncQueue[0].Hash == hash {
		c.syncQueue = c.syncQueue[1:]
	}
	c.tryStartBatchLocked()
}

// RemoveContract implements §4.G's termination: cancels the active batch's
// VM query, drops timers, and clears queues so later callbacks observing
// the terminated state fast-return.
func (c *Contract) RemoveContract() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	if c.activeBatchQuery != nil {
		c.activeBatchQuery.Terminate()
		c.activeBatchQuery = nil
	}
	if c.activeBatch != nil {
		c.activeBatch.Cancel()
		c.activeBatch = nil
	}
	c.cancelTimersLocked()
	c.pendingCalls = nil
	c.bufferedOpinions = nil
	c.batchSealed = false
}

// OnMessageReceived routes an incoming messenger payload (spec §4.H P4):
// opinions that arrive before the active batch has sealed its own opinion
// are buffered and replayed once it does, matching spec §4.G's "also
// process any peers' opinions already buffered during P2/P3".
func (c *Contract) OnMessageReceived(msg messenger.InputMessage) {
	if msg.Tag != EndBatchTag {
		return
	}
	var op model.EndBatchExecutionOpinion
	if err := json.Unmarshal(msg.Content, &op); err != nil {
		if c.logger != nil {
			c.logger.Warn().Err(err).Str("contract", c.key.String()).Msg("malformed end-batch opinion, dropped")
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch == nil || op.BatchIndex != c.batchIndex {
		return
	}
	if !c.batchSealed {
		c.bufferedOpinions = append(c.bufferedOpinions, op)
		return
	}
	c.activeBatch.AddPeerOpinion(op)
	c.checkQuorumAndMaybeEmitLocked(c.activeBatch)
}

// OnEndBatchExecutionPublished implements P7's success path (spec §4.H):
// the hosting node observed the emitted transaction published on-chain.
func (c *Contract) OnEndBatchExecutionPublished(info model.PublishedEndBatchExecutionTransactionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch == nil || info.BatchIndex != c.batchIndex {
		return
	}
	c.finalizeActiveBatchLocked(c.activeBatch, true, info.BatchSuccess)
}

// OnEndBatchExecutionFailed implements P7's rejection path: the submitted
// transaction was rejected on-chain.
func (c *Contract) OnEndBatchExecutionFailed(info model.FailedEndBatchExecutionTransactionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch == nil || info.BatchIndex != c.batchIndex {
		return
	}
	c.finalizeActiveBatchLocked(c.activeBatch, false, false)
}

// GetStatus returns a point-in-time snapshot for monitoring, the same
// shape as the teacher's syncer status accessor.
func (c *Contract) GetStatus() (batchIndex, batchesExecuted uint64, healthy bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.batchIndex, c.batchesExecuted, c.healthy
}

// Healthy reports whether the contract's last batch outcome was clean.
func (c *Contract) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// tryStartBatchLocked implements spec §4.G's batch-formation rules.
func (c *Contract) tryStartBatchLocked() {
	if c.terminated || c.activeBatch != nil {
		return
	}
	if len(c.syncQueue) > 0 {
		return
	}
	calls := c.buildBatchCallsLocked()
	if len(calls) == 0 {
		return
	}
	c.startBatchLocked(calls)
}

// buildBatchCallsLocked assembles one batch's calls: the once-per-lifetime
// autorun bootstrap call first if still pending, then at most one automatic
// call, then all pending manual calls in FIFO order (spec §4.G rule 2;
// autorun ordering resolves spec §9's autorun open question — see
// DESIGN.md).
func (c *Contract) buildBatchCallsLocked() []model.CallRequest {
	var calls []model.CallRequest
	c.pendingAutorunID = nil
	c.pendingAutomaticID = nil

	if mc, ok := c.autorunEligibleLocked(); ok {
		id := c.nextCallIDLocked()
		calls = append(calls, model.NewSynthesizedCallRequest(id, model.Autorun, mc.AutorunFile, mc.AutorunFunction, mc.AutorunSCLimit, 0, c.driveKey, c.currentHeight))
		c.pendingAutorunID = &id
		c.autorunAttempted = true
	}
	if c.automaticEligibleLocked() {
		id := c.nextCallIDLocked()
		calls = append(calls, model.NewSynthesizedCallRequest(id, model.Automatic, c.automatic.File, c.automatic.Function, c.automatic.SCLimit, c.automatic.SMLimit, c.driveKey, c.currentHeight))
		c.pendingAutomaticID = &id
	}
	calls = append(calls, c.pendingCalls...)
	c.pendingCalls = nil
	return calls
}

// autorunEligibleLocked reports whether the autorun bootstrap call should be
// synthesized into the next batch: at most once per contract lifetime, on
// the first batch formed after automatic_executions becomes enabled, gated
// by a configured, non-empty AutorunFile and a positive AutorunSCLimit
// (spec §9 autorun open question resolution — see DESIGN.md). Unlike the
// automatic call, it never recurs once attempted, regardless of whether
// that attempt's batch ultimately succeeds.
func (c *Contract) autorunEligibleLocked() (execconfig.MutableConfig, bool) {
	if c.autorunAttempted || c.heightConfig == nil {
		return execconfig.MutableConfig{}, false
	}
	if c.automatic.EnabledSinceHeight == nil || c.currentHeight < *c.automatic.EnabledSinceHeight {
		return execconfig.MutableConfig{}, false
	}
	mc, ok := c.heightConfig.At(c.currentHeight)
	if !ok || mc.AutorunSCLimit == 0 || mc.AutorunFile == "" {
		return execconfig.MutableConfig{}, false
	}
	return mc, true
}

// automaticEligibleLocked reports whether an automatic call should be
// synthesized into the next batch: automatic execution must be enabled at
// or before the current height, and cumulative SC consumption since
// enabling must not have exhausted SCLimit (spec §4.G: "synthesized only
// if automatic execution is enabled at the current block height, and
// previous batches did not exhaust the automaticExecutionsSCLimit since
// enabling").
func (c *Contract) automaticEligibleLocked() bool {
	if c.automatic.File == "" || c.automatic.EnabledSinceHeight == nil {
		return false
	}
	if c.currentHeight < *c.automatic.EnabledSinceHeight {
		return false
	}
	return c.automaticSCConsumed < c.automatic.SCLimit
}

// nextCallIDLocked derives a deterministic call id from the contract key
// and an internal sequence counter, so automatic calls across batches
// never collide (spec §4.D names call_id but leaves generation
// unspecified for synthesized calls).
func (c *Contract) nextCallIDLocked() model.CallID {
	c.callSeq++
	h := sha3.New256()
	h.Write(c.key[:])
	var seqBuf [8]byte
	for i := 0; i < 8; i++ {
		seqBuf[i] = byte(c.callSeq >> (8 * i))
	}
	h.Write(seqBuf[:])
	var id model.CallID
	copy(id[:], h.Sum(nil))
	return id
}

// startBatchLocked spawns the batch task's VM/storage round trip on its
// own goroutine (the only genuine concurrency here) and hands its result
// back onto Loop via the async-query primitive, matching spec §4.A/§4.B's
// suspension-point model exactly: the goroutine is the "producer", Loop is
// the Poster, and onBatchExecuted only ever runs serialized with every
// other Contract method.
func (c *Contract) startBatchLocked(calls []model.CallRequest) {
	task := batch.NewTask(c.key, c.driveKey, c.batchIndex, calls, c.self, c.executors, c.vm, c.storage, c.proofChain, c.signer, c.logger, c.guard)
	c.activeBatch = task
	c.batchSealed = false
	batchesStartedTotal.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	handle, sink := asyncquery.New(c.loop, false, true, cancel, func(result any) {
		err, _ := result.(error)
		c.onBatchExecuted(task, err)
	})
	c.activeBatchQuery = handle

	go func() {
		err := task.Execute(ctx)
		sink.PostReply(err)
	}()
}

// onBatchExecuted runs on Loop once P1-P3 complete (or fail). It is the
// moment the active batch's own opinion becomes safe to read from other
// goroutines, so buffered peer opinions are replayed here and
// batchSealed flips true (spec §4.H P3→P4 transition).
func (c *Contract) onBatchExecuted(task *batch.Task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch != task {
		return // superseded by RemoveContract or a timeout finalize
	}
	c.activeBatchQuery = nil

	if err != nil {
		if c.logger != nil {
			c.logger.Error().Err(err).Str("contract", c.key.String()).Msg("batch execution failed before sealing")
		}
		c.finalizeActiveBatchLocked(task, false, false)
		return
	}

	c.batchSealed = true
	for _, op := range c.bufferedOpinions {
		task.AddPeerOpinion(op)
	}
	c.bufferedOpinions = nil

	own, ok := task.OwnOpinion()
	if !ok {
		return
	}
	c.broadcastOpinion(own)
	c.rebroadcastTimer = c.loop.StartTimer(c.cfg.ShareOpinionTimeout, func() { c.rebroadcastOwnOpinion(task) })
	c.quorumDeadlineTimer = c.loop.StartTimer(c.cfg.QuorumDeadline, func() { c.onQuorumDeadline(task) })
	c.checkQuorumAndMaybeEmitLocked(task)
}

func (c *Contract) broadcastOpinion(op model.EndBatchExecutionOpinion) {
	payload, err := json.Marshal(op)
	if err != nil {
		if c.logger != nil {
			c.logger.Error().Err(err).Msg("marshal own opinion")
		}
		return
	}
	// A zero-value Receiver means "broadcast" at the messenger layer (spec
	// §A: NATS has no peer-unicast, so every subscriber sees it and filters
	// by Receiver itself).
	c.broadcaster.Send(messenger.OutputMessage{Tag: EndBatchTag, Content: payload})
}

// rebroadcastOwnOpinion implements P4's periodic rebroadcast timer.
func (c *Contract) rebroadcastOwnOpinion(task *batch.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch != task || !c.batchSealed {
		return
	}
	own, ok := task.OwnOpinion()
	if !ok {
		return
	}
	c.broadcastOpinion(own)
	c.rebroadcastTimer = c.loop.StartTimer(c.cfg.ShareOpinionTimeout, func() { c.rebroadcastOwnOpinion(task) })
}

// checkQuorumAndMaybeEmitLocked implements P5/P6: once quorum is reached,
// build and hand off the transaction, then start the expectation timer
// that falls through to P7 if publication is never observed.
func (c *Contract) checkQuorumAndMaybeEmitLocked(task *batch.Task) {
	result := task.CheckQuorum()
	if !result.Reached {
		return
	}
	if c.rebroadcastTimer != nil {
		c.rebroadcastTimer.Cancel()
		c.rebroadcastTimer = nil
	}
	if c.quorumDeadlineTimer != nil {
		c.quorumDeadlineTimer.Cancel()
		c.quorumDeadlineTimer = nil
	}

	if result.Successful {
		c.sink.EmitSuccessful(task.BuildSuccessfulTransaction(result))
	} else {
		c.sink.EmitUnsuccessful(task.BuildUnsuccessfulTransaction(result))
	}

	c.expectationTimer = c.loop.StartTimer(c.cfg.ServiceUnavailableTimeout, func() { c.onEndBatchExpectationTimeout(task) })
}

// onEndBatchExpectationTimeout implements spec §4.H P6's "in case the
// aggregated transaction is not observed as published, fall through to
// P7" as an unsuccessful finalize.
func (c *Contract) onEndBatchExpectationTimeout(task *batch.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch != task {
		return
	}
	if c.logger != nil {
		c.logger.Warn().Str("contract", c.key.String()).Uint64("batch", c.batchIndex).Msg("end-batch transaction not observed published, falling through to P7")
	}
	c.finalizeActiveBatchLocked(task, false, false)
}

// onQuorumDeadline implements spec §4.H P5's "unsuccessful-expectation
// exhausted": no successful or unsuccessful quorum formed within
// QuorumDeadline (peers absent, or opinions that never structurally
// agree), so this executor publishes its own proof alone instead of
// stalling the contract's proof chain indefinitely.
func (c *Contract) onQuorumDeadline(task *batch.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch != task {
		return
	}
	if c.logger != nil {
		c.logger.Warn().Str("contract", c.key.String()).Uint64("batch", c.batchIndex).Msg("quorum deadline exhausted, publishing own proof alone")
	}
	if c.rebroadcastTimer != nil {
		c.rebroadcastTimer.Cancel()
		c.rebroadcastTimer = nil
	}
	c.quorumDeadlineTimer = nil
	c.sink.EmitSingleTransaction(task.BuildSingleTransaction())
	c.expectationTimer = c.loop.StartTimer(c.cfg.ServiceUnavailableTimeout, func() { c.onSingleTransactionExpectationTimeout(task) })
}

// OnEndBatchExecutionSingleTransactionPublished implements P7 for the
// single-executor fallback of onQuorumDeadline: the hosting node observed
// this executor's own proof published, so the proof chain advances for
// this executor exactly as a quorum-backed publication would, using the
// own opinion's success bit (no peers corroborated it).
func (c *Contract) OnEndBatchExecutionSingleTransactionPublished(info model.EndBatchExecutionSingleTransactionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch == nil || info.BatchIndex != c.batchIndex {
		return
	}
	own, ok := c.activeBatch.OwnOpinion()
	if !ok {
		return
	}
	c.finalizeActiveBatchLocked(c.activeBatch, true, own.Successful)
}

// onSingleTransactionExpectationTimeout mirrors onEndBatchExpectationTimeout
// for the single-executor fallback path.
func (c *Contract) onSingleTransactionExpectationTimeout(task *batch.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBatch != task {
		return
	}
	if c.logger != nil {
		c.logger.Warn().Str("contract", c.key.String()).Uint64("batch", c.batchIndex).Msg("single-executor transaction not observed published, falling through to P7")
	}
	c.finalizeActiveBatchLocked(task, false, false)
}

// finalizeActiveBatchLocked implements P7: commits or retracts the proof
// chain, records cY on success, advances batch_index, clears the active
// task, and schedules the next batch after the configured delay (spec
// §4.G's execution delay policy).
func (c *Contract) finalizeActiveBatchLocked(task *batch.Task, published, successful bool) {
	c.cancelTimersLocked()

	cY := task.Finalize(published, successful)
	outcome := "unsuccessful"
	if published && successful {
		outcome = "success"
		c.recentCommitments[c.batchIndex] = cY
		c.trimCommitmentHistoryLocked()
		c.batchesExecuted = c.batchIndex

		if c.pendingAutomaticID != nil {
			for _, cr := range task.CallResults() {
				if cr.CallID == *c.pendingAutomaticID {
					c.automaticSCConsumed += cr.Participation.SCConsumed
					break
				}
			}
		}
	}
	batchesFinalizedTotal.WithLabelValues(outcome).Inc()

	c.healthy = outcome == "success"
	c.batchIndex++
	c.activeBatch = nil
	c.activeBatchQuery = nil
	c.batchSealed = false
	c.bufferedOpinions = nil
	c.pendingAutomaticID = nil
	c.pendingAutorunID = nil

	delay := c.cfg.UnsuccessfulExecutionDelay
	if outcome == "success" {
		delay = c.cfg.SuccessfulExecutionDelay
	}
	if c.terminated {
		return
	}
	c.loop.StartTimer(delay, func() {
		c.mu.Lock()
		c.tryStartBatchLocked()
		c.mu.Unlock()
	})
}

func (c *Contract) cancelTimersLocked() {
	if c.rebroadcastTimer != nil {
		c.rebroadcastTimer.Cancel()
		c.rebroadcastTimer = nil
	}
	if c.expectationTimer != nil {
		c.expectationTimer.Cancel()
		c.expectationTimer = nil
	}
	if c.quorumDeadlineTimer != nil {
		c.quorumDeadlineTimer.Cancel()
		c.quorumDeadlineTimer = nil
	}
}

// trimCommitmentHistoryLocked enforces max_batches_history_size (spec §3:
// "bounded by max_batches_history_size ... evicts oldest").
func (c *Contract) trimCommitmentHistoryLocked() {
	c.commitmentOrder = append(c.commitmentOrder, c.batchIndex)
	limit := c.cfg.MaxBatchesHistorySize
	if limit <= 0 {
		limit = 10000
	}
	for len(c.commitmentOrder) > limit {
		oldest := c.commitmentOrder[0]
		c.commitmentOrder = c.commitmentOrder[1:]
		delete(c.recentCommitments, oldest)
	}
}

// RecentCommitment looks up a prior batch's cY for peer batch-proof
// continuity verification (spec §4.C: "a peer that cannot locate m in its
// recent_batch_commitments window abstains ... not a fatal error").
func (c *Contract) RecentCommitment(batchIndex uint64) (poex.CurvePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cY, ok := c.recentCommitments[batchIndex]
	return cY, ok
}

// Key returns the contract's identifier.
func (c *Contract) Key() model.ContractKey { return c.key }

// String renders a short diagnostic label.
func (c *Contract) String() string {
	return fmt.Sprintf("contract(%s)", c.key.String())
}

// Package executor implements the executor root of spec §4.I: the
// process-wide object that owns the contracts map, the shared handles to
// the VM, storage, messenger, and blockchain collaborators, and routes
// every inbound RPC or blockchain event to the right contract actor by
// contract_key.
package executor

import (
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/proximax-storage/supercontract-executor/internal/assertloop"
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

var (
	contractsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_contracts_admitted_total",
		Help: "Contracts admitted via AddContract.",
	})
	contractsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_contracts_rejected_total",
		Help: "AddContract requests rejected because the local executor is not in the cohort.",
	})
	contractsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_contracts_removed_total",
		Help: "Contracts removed via RemoveContract.",
	})
)

// HostSink is the outbound half of the hosting-node link (spec §4.J:
// "SuccessfulEndBatchTransactionIsReady, UnsuccessfulEndBatchTransactionIsReady,
// ..."); the production binding is internal/rpcsurface.
type HostSink interface {
	SuccessfulEndBatchTransactionIsReady(model.SuccessfulEndBatchExecutionTransactionInfo)
	UnsuccessfulEndBatchTransactionIsReady(model.UnsuccessfulEndBatchExecutionTransactionInfo)
	EndBatchExecutionSingleTransactionIsReady(model.EndBatchExecutionSingleTransactionInfo)
}

// AddContractRequest is the admission request of spec §4.I: "stores the
// request and constructs a contract actor" if the local executor is
// among the provided executors.
type AddContractRequest struct {
	Key            model.ContractKey
	DriveKey       model.DriveKey
	Executors      []model.ExecutorKey
	ContractPubKey poex.CurvePoint
	ExecConfig     *execconfig.ExecutorConfig // nil: Root's default is used

	// HeightConfig is this contract's per-height BTreeMap<u64, Config>
	// (spec §9), gating the autorun bootstrap call among other per-height
	// settings. Nil disables autorun for this contract.
	HeightConfig *execconfig.HeightIndex
}

// Config bundles the process-wide collaborators the executor root shares
// across every contract actor it constructs (spec §4.I: "unique handles
// for the VM, storage, messenger, blockchain").
type Config struct {
	Self           model.ExecutorKey
	Signer         *signer.Signer
	VM             vmclient.Client
	Storage        storageclient.Client
	Messenger      contract.Broadcaster
	Chain          *blockchain.Cache
	HostSink       HostSink
	Loop           *eventloop.Loop
	Logger         *zerolog.Logger
	DefaultConfig  execconfig.ExecutorConfig

	// Guard routes every contract's structural-invariant breaches (spec §7)
	// through internal/assertloop's flush-then-abort sequence. May be nil
	// in tests.
	Guard *assertloop.Guard
}

// Root is the executor root of spec §4.I.
type Root struct {
	mu sync.RWMutex

	self      model.ExecutorKey
	signer    *signer.Signer
	vm        vmclient.Client
	storage   storageclient.Client
	msgr      contract.Broadcaster
	chain     *blockchain.Cache
	hostSink  HostSink
	loop      *eventloop.Loop
	logger    *zerolog.Logger
	defaultCfg execconfig.ExecutorConfig
	guard     *assertloop.Guard

	contracts map[model.ContractKey]*contract.Contract
}

// New constructs a Root bound to cfg's collaborators. It does not touch the
// messenger session; Subscriptions reports the END_BATCH tag for the caller
// to subscribe.
func New(cfg Config) *Root {
	r := &Root{
		self:       cfg.Self,
		signer:     cfg.Signer,
		vm:         cfg.VM,
		storage:    cfg.Storage,
		msgr:       cfg.Messenger,
		chain:      cfg.Chain,
		hostSink:   cfg.HostSink,
		loop:       cfg.Loop,
		logger:     cfg.Logger,
		defaultCfg: cfg.DefaultConfig,
		guard:      cfg.Guard,
		contracts:  make(map[model.ContractKey]*contract.Contract),
	}
	return r
}

// Subscriptions reports the messenger tags this root wants delivered
// (spec §4.I: "MessageSubscriber (subscriptions = {"END_BATCH"})").
func (r *Root) Subscriptions() []string {
	return []string{contract.EndBatchTag}
}

// AddContract implements spec §4.I's admission rule: "addContract rejects
// (logs critical) if the local executor is not in the provided executors
// set; otherwise stores the request and constructs a contract actor."
// Runs on the event loop so contracts-map mutation never races dispatch.
func (r *Root) AddContract(req AddContractRequest) {
	r.loop.Post(func() { r.addContractLocked(req) })
}

func (r *Root) addContractLocked(req AddContractRequest) {
	inCohort := false
	for _, k := range req.Executors {
		if k == r.self {
			inCohort = true
			break
		}
	}
	if !inCohort {
		contractsRejected.Inc()
		if r.logger != nil {
			r.logger.Error().
				Str("contract", req.Key.String()).
				Msg("addContract: local executor not in provided executors set, rejecting")
		}
		return
	}

	execCfg := r.defaultCfg
	if req.ExecConfig != nil {
		execCfg = *req.ExecConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[req.Key]; exists {
		if r.logger != nil {
			r.logger.Warn().Str("contract", req.Key.String()).Msg("addContract: contract already admitted, ignoring")
		}
		return
	}

	c := contract.New(contract.Config{
		Key:            req.Key,
		DriveKey:       req.DriveKey,
		Self:           r.self,
		Executors:      req.Executors,
		ContractPubKey: req.ContractPubKey,
		VM:             r.vm,
		Storage:        r.storage,
		Broadcaster:    r.msgr,
		Sink:           &perContractSink{key: req.Key, root: r},
		Signer:         r.signer,
		Loop:           r.loop,
		Logger:         r.logger,
		ExecConfig:     execCfg,
		HeightConfig:   req.HeightConfig,
		Guard:          r.guard,
	})
	r.contracts[req.Key] = c
	contractsAdmitted.Inc()
	if r.logger != nil {
		r.logger.Info().Str("contract", req.Key.String()).Msg("contract admitted")
	}
}

// RemoveContract implements spec §4.I/§4.G's termination: the contract
// actor cancels any active batch and stops accepting new work, then is
// dropped from the map so future dispatch silently misses it.
func (r *Root) RemoveContract(key model.ContractKey) {
	r.loop.Post(func() {
		r.mu.Lock()
		c, ok := r.contracts[key]
		delete(r.contracts, key)
		r.mu.Unlock()
		if !ok {
			return
		}
		c.RemoveContract()
		contractsRemoved.Inc()
	})
}

// lookup returns the contract actor for key, or nil if unknown (e.g. a
// message or event referencing a contract this executor never admitted
// or has since removed).
func (r *Root) lookup(key model.ContractKey) *contract.Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[key]
}

func (r *Root) warnUnknown(op string, key model.ContractKey) {
	if r.logger != nil {
		r.logger.Warn().Str("op", op).Str("contract", key.String()).Msg("referenced contract not admitted on this executor")
	}
}

// AddManualCall dispatches spec §4.J's AddManualCall to the right
// contract actor.
func (r *Root) AddManualCall(key model.ContractKey, call model.CallRequest) {
	if c := r.lookup(key); c != nil {
		c.AddManualCall(call)
		return
	}
	r.warnUnknown("AddManualCall", key)
}

// AddBlock dispatches spec §4.J's AddBlock (chain-height advance) to
// every admitted contract: height is a process-wide fact, not scoped to
// one contract_key.
func (r *Root) AddBlock(height uint64) {
	r.mu.RLock()
	targets := make([]*contract.Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		c.AddBlock(height)
	}
}

// SetExecutors dispatches spec §4.J's SetExecutors to the right contract.
func (r *Root) SetExecutors(key model.ContractKey, executors []model.ExecutorKey) {
	if c := r.lookup(key); c != nil {
		c.SetExecutors(executors)
		return
	}
	r.warnUnknown("SetExecutors", key)
}

// SetAutomaticExecutionsEnabledSince dispatches spec §4.J's
// SetAutomaticExecutionsEnabledSince to the right contract.
func (r *Root) SetAutomaticExecutionsEnabledSince(key model.ContractKey, height uint64, file, function string, scLimit, smLimit uint64) {
	if c := r.lookup(key); c != nil {
		c.SetAutomaticExecutionsEnabledSince(height, file, function, scLimit, smLimit)
		return
	}
	r.warnUnknown("SetAutomaticExecutionsEnabledSince", key)
}

// OnStorageSynchronized dispatches the storage service's synchronization
// completion callback (spec §3 synchronization_queue) to the right
// contract.
func (r *Root) OnStorageSynchronized(key model.ContractKey, batchIndex uint64, hash model.StorageHash) {
	if c := r.lookup(key); c != nil {
		c.OnStorageSynchronized(batchIndex, hash)
		return
	}
	r.warnUnknown("OnStorageSynchronized", key)
}

// OnEndBatchExecutionPublished is the BlockchainEventHandler entry point
// for spec §4.J's EndBatchExecutionPublished publication.
func (r *Root) OnEndBatchExecutionPublished(info model.PublishedEndBatchExecutionTransactionInfo) {
	if c := r.lookup(info.Contract); c != nil {
		c.OnEndBatchExecutionPublished(info)
		return
	}
	r.warnUnknown("EndBatchExecutionPublished", info.Contract)
}

// OnEndBatchExecutionFailed is the BlockchainEventHandler entry point for
// spec §4.J's EndBatchExecutionFailed publication.
func (r *Root) OnEndBatchExecutionFailed(info model.FailedEndBatchExecutionTransactionInfo) {
	if c := r.lookup(info.Contract); c != nil {
		c.OnEndBatchExecutionFailed(info)
		return
	}
	r.warnUnknown("EndBatchExecutionFailed", info.Contract)
}

// OnEndBatchExecutionSingleTransactionPublished is the
// BlockchainEventHandler entry point for spec §4.J's
// EndBatchExecutionSingleTransactionPublished publication (the
// single-executor fallback of spec §4.H P5's quorum deadline).
func (r *Root) OnEndBatchExecutionSingleTransactionPublished(info model.EndBatchExecutionSingleTransactionInfo) {
	if c := r.lookup(info.Contract); c != nil {
		c.OnEndBatchExecutionSingleTransactionPublished(info)
		return
	}
	r.warnUnknown("EndBatchExecutionSingleTransactionPublished", info.Contract)
}

// StorageSynchronizedPublished is the BlockchainEventHandler entry point
// for spec §4.J's StorageSynchronizedPublished publication, carrying the
// same (contract, batch_index, hash) shape as the storage service's own
// synchronization callback.
func (r *Root) StorageSynchronizedPublished(info model.SynchronizationSingleTransactionInfo, hash model.StorageHash) {
	if c := r.lookup(info.Contract); c != nil {
		c.OnStorageSynchronized(info.BatchIndex, hash)
		return
	}
	r.warnUnknown("StorageSynchronizedPublished", info.Contract)
}

// AddBlockInfo implements spec §4.J's AddBlockInfo: the hosting node
// pushes block data it already has, sparing the executor a round trip
// back over the same link the data arrived on.
func (r *Root) AddBlockInfo(height uint64, block blockchain.Block) {
	if r.chain != nil {
		r.chain.Set(height, block)
	}
}

// OnMessageReceived implements spec §4.I's routing rule: "Dispatches
// every inbound RPC or event onto the event loop and routes by
// contract_key." The contract_key travels inside the opinion payload
// itself (every tag this root subscribes to is END_BATCH, shared by every
// admitted contract), so the envelope is decoded once here purely to
// read it before handing the untouched message to the matching actor.
func (r *Root) OnMessageReceived(msg messenger.InputMessage) {
	key, ok := peekContractKey(msg.Content)
	if !ok {
		if r.logger != nil {
			r.logger.Warn().Str("tag", msg.Tag).Msg("malformed messenger payload, could not read contract_key")
		}
		return
	}
	r.loop.Post(func() {
		if c := r.lookup(key); c != nil {
			c.OnMessageReceived(msg)
			return
		}
		r.warnUnknown("OnMessageReceived", key)
	})
}

// perContractSink adapts one contract's TransactionSink calls to the
// root's shared HostSink, stamping nothing extra: SuccessfulEndBatch.../
// UnsuccessfulEndBatch...Info already carry their own Contract field.
type perContractSink struct {
	key  model.ContractKey
	root *Root
}

func (s *perContractSink) EmitSuccessful(info model.SuccessfulEndBatchExecutionTransactionInfo) {
	if s.root.hostSink != nil {
		s.root.hostSink.SuccessfulEndBatchTransactionIsReady(info)
	}
}

func (s *perContractSink) EmitUnsuccessful(info model.UnsuccessfulEndBatchExecutionTransactionInfo) {
	if s.root.hostSink != nil {
		s.root.hostSink.UnsuccessfulEndBatchTransactionIsReady(info)
	}
}

func (s *perContractSink) EmitSingleTransaction(info model.EndBatchExecutionSingleTransactionInfo) {
	if s.root.hostSink != nil {
		s.root.hostSink.EndBatchExecutionSingleTransactionIsReady(info)
	}
}

// Len reports the number of admitted contracts, for tests and
// diagnostics.
func (r *Root) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}

// peekContractKey reads only the contract_key field out of an END_BATCH
// payload, without caring which concrete shape the rest of it has — every
// tag this root subscribes to carries model.ContractKey as its first
// field (spec §3: opinions and publications alike are contract-scoped).
func peekContractKey(content []byte) (model.ContractKey, bool) {
	var envelope struct {
		Contract model.ContractKey
	}
	if err := json.Unmarshal(content, &envelope); err != nil {
		return model.ContractKey{}, false
	}
	return envelope.Contract, true
}

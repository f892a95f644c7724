// Package rpcsurface implements the executor-to-hosting-node link of spec
// §4.J: inbound lifecycle and blockchain-publication messages dispatched to
// the executor root, and outbound ready-transaction announcements carried
// back over the same NATS connection (spec §A transport substitution).
//
// Outbound announcements are published through JetStream with a
// contract+batch derived Nats-Msg-Id rather than core NATS Publish: a
// ready-transaction notification is re-emitted verbatim if the executor
// re-derives the same batch after a restart (internal/executor.Root replays
// from in-memory state, not a durable log — spec §1 Non-goal: no durable
// state across restarts), and JetStream's duplicate window collapses that
// replay into a single delivery to the host instead of a second submission
// attempt. Adapted from the teacher's internal/nats/publisher.go, which
// applied the identical Nats-Msg-Id-dedup idiom to Polymarket event publish.
package rpcsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/proximax-storage/supercontract-executor/internal/blockchain"
	"github.com/proximax-storage/supercontract-executor/internal/executor"
	"github.com/proximax-storage/supercontract-executor/internal/model"
)

const (
	outboundStreamName    = "SC_EXECUTOR_OUT"
	outboundSubjectPrefix = "sc.exec"
	outboundSubjectWild   = outboundSubjectPrefix + ".*"
	outboundDuplicateWindow = 20 * time.Minute
	streamCreateTimeout     = 10 * time.Second
)

const (
	subAddContract                             = "sc.host.add_contract"
	subRemoveContract                          = "sc.host.remove_contract"
	subAddManualCall                           = "sc.host.add_manual_call"
	subAddBlockInfo                            = "sc.host.add_block_info"
	subAddBlock                                = "sc.host.add_block"
	subSetExecutors                            = "sc.host.set_executors"
	subSetAutomaticExecutionsEnabledSince      = "sc.host.set_automatic_executions_enabled_since"
	subEndBatchExecutionPublished               = "sc.host.end_batch_execution_published"
	subEndBatchExecutionSingleTransactionPublished = "sc.host.end_batch_execution_single_transaction_published"
	subEndBatchExecutionFailed                  = "sc.host.end_batch_execution_failed"
	subStorageSynchronizedPublished             = "sc.host.storage_synchronized_published"

	pubSuccessfulEndBatchTransactionIsReady       = "sc.exec.successful_end_batch_transaction_is_ready"
	pubUnsuccessfulEndBatchTransactionIsReady     = "sc.exec.unsuccessful_end_batch_transaction_is_ready"
	pubEndBatchExecutionSingleTransactionIsReady  = "sc.exec.end_batch_execution_single_transaction_is_ready"
	pubSynchronizationSingleTransactionIsReady    = "sc.exec.synchronization_single_transaction_is_ready"
	pubReleasedTransactionsAreReady               = "sc.exec.released_transactions_are_ready"
)

// Target is the subset of *executor.Root's dispatch surface this package
// drives from inbound NATS messages (spec §4.J's inbound RPC set).
type Target interface {
	AddContract(req executor.AddContractRequest)
	RemoveContract(key model.ContractKey)
	AddManualCall(key model.ContractKey, call model.CallRequest)
	AddBlockInfo(height uint64, block blockchain.Block)
	AddBlock(height uint64)
	SetExecutors(key model.ContractKey, executors []model.ExecutorKey)
	SetAutomaticExecutionsEnabledSince(key model.ContractKey, height uint64, file, function string, scLimit, smLimit uint64)
	OnEndBatchExecutionPublished(info model.PublishedEndBatchExecutionTransactionInfo)
	OnEndBatchExecutionSingleTransactionPublished(info model.EndBatchExecutionSingleTransactionInfo)
	OnEndBatchExecutionFailed(info model.FailedEndBatchExecutionTransactionInfo)
	StorageSynchronizedPublished(info model.SynchronizationSingleTransactionInfo, hash model.StorageHash)
}

// natsConn is the subset of *nats.Conn the surface needs, factored out so
// tests can supply a fake transport (mirrors internal/messenger.natsConn).
// PublishMsg rather than Publish so outbound announcements can carry a
// Nats-Msg-Id header for JetStream dedup (see package doc).
type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Surface is the production binding of executor.HostSink plus the inbound
// RPC dispatch loop of spec §4.J.
type Surface struct {
	writeMu sync.Mutex // one outstanding publish at a time (spec §4.J: "single write path")
	targetMu sync.RWMutex

	nc     natsConn
	target Target
	logger *zerolog.Logger

	subs []*nats.Subscription

	shutdownOnce sync.Once
	onShutdown   func(error)
}

// New constructs a Surface bound to a live NATS connection, creating (or
// updating) the outbound JetStream stream the announcements above are
// deduplicated through. onShutdown is invoked at most once, the first time
// a stream error is observed on either the inbound or outbound path (spec
// §4.J: "Stream errors trigger process-local shutdown of the executor
// instance; the host is responsible for re-establishing").
func New(nc *nats.Conn, target Target, logger *zerolog.Logger, onShutdown func(error)) (*Surface, error) {
	if err := ensureOutboundStream(nc); err != nil {
		return nil, err
	}
	return newSurface(nc, target, logger, onShutdown), nil
}

// ensureOutboundStream creates the JetStream stream backing the executor's
// outbound announcements, the same CreateOrUpdateStream-at-startup idiom
// the teacher's internal/nats/publisher.go used for its POLYMARKET stream.
func ensureOutboundStream(nc *nats.Conn) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("rpcsurface: jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStreamName,
		Subjects:   []string{outboundSubjectWild},
		Storage:    jetstream.FileStorage,
		Duplicates: outboundDuplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("rpcsurface: create outbound stream: %w", err)
	}
	return nil
}

func newSurface(nc natsConn, target Target, logger *zerolog.Logger, onShutdown func(error)) *Surface {
	return &Surface{nc: nc, target: target, logger: logger, onShutdown: onShutdown}
}

// SetTarget binds (or rebinds) the inbound dispatch target. Exists so the
// surface can be constructed — and handed to executor.Config.HostSink —
// before the executor.Root it will dispatch into exists yet, the same
// construction-order problem internal/executor.Root solves for its
// per-contract sink by capturing itself in a closure.
func (s *Surface) SetTarget(target Target) {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	s.target = target
}

func (s *Surface) dispatchTarget() Target {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	return s.target
}

// Open subscribes every inbound subject of spec §4.J. A subscribe failure
// is treated the same as a later stream error: process-local shutdown.
func (s *Surface) Open() error {
	handlers := map[string]nats.MsgHandler{
		subAddContract:                                  s.handleAddContract,
		subRemoveContract:                                s.handleRemoveContract,
		subAddManualCall:                                 s.handleAddManualCall,
		subAddBlockInfo:                                  s.handleAddBlockInfo,
		subAddBlock:                                      s.handleAddBlock,
		subSetExecutors:                                  s.handleSetExecutors,
		subSetAutomaticExecutionsEnabledSince:            s.handleSetAutomaticExecutionsEnabledSince,
		subEndBatchExecutionPublished:                    s.handleEndBatchExecutionPublished,
		subEndBatchExecutionSingleTransactionPublished:   s.handleEndBatchExecutionSingleTransactionPublished,
		subEndBatchExecutionFailed:                       s.handleEndBatchExecutionFailed,
		subStorageSynchronizedPublished:                  s.handleStorageSynchronizedPublished,
	}

	for subject, handler := range handlers {
		sub, err := s.nc.Subscribe(subject, handler)
		if err != nil {
			err = fmt.Errorf("rpcsurface: subscribe %s: %w", subject, err)
			s.shutdown(err)
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Close unsubscribes every inbound subject. Does not itself trigger
// shutdown: this is the orderly teardown path, not a stream error.
func (s *Surface) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Surface) shutdown(cause error) {
	s.shutdownOnce.Do(func() {
		if s.logger != nil {
			s.logger.Error().Err(cause).Msg("rpcsurface stream error, shutting down process-local executor instance")
		}
		if s.onShutdown != nil {
			s.onShutdown(cause)
		}
	})
}

func (s *Surface) decode(subject string, data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("malformed rpc-surface payload, dropped")
		}
		return false
	}
	return true
}

func (s *Surface) handleAddContract(msg *nats.Msg) {
	var req executor.AddContractRequest
	if !s.decode(subAddContract, msg.Data, &req) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.AddContract(req)
}

type removeContractPayload struct {
	Key model.ContractKey
}

func (s *Surface) handleRemoveContract(msg *nats.Msg) {
	var p removeContractPayload
	if !s.decode(subRemoveContract, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.RemoveContract(p.Key)
}

type addManualCallPayload struct {
	Key  model.ContractKey
	Call model.CallRequest
}

func (s *Surface) handleAddManualCall(msg *nats.Msg) {
	var p addManualCallPayload
	if !s.decode(subAddManualCall, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.AddManualCall(p.Key, p.Call)
}

type addBlockInfoPayload struct {
	Height uint64
	Block  blockchain.Block
}

func (s *Surface) handleAddBlockInfo(msg *nats.Msg) {
	var p addBlockInfoPayload
	if !s.decode(subAddBlockInfo, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.AddBlockInfo(p.Height, p.Block)
}

type addBlockPayload struct {
	Height uint64
}

func (s *Surface) handleAddBlock(msg *nats.Msg) {
	var p addBlockPayload
	if !s.decode(subAddBlock, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.AddBlock(p.Height)
}

type setExecutorsPayload struct {
	Key       model.ContractKey
	Executors []model.ExecutorKey
}

func (s *Surface) handleSetExecutors(msg *nats.Msg) {
	var p setExecutorsPayload
	if !s.decode(subSetExecutors, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.SetExecutors(p.Key, p.Executors)
}

type setAutomaticExecutionsEnabledSincePayload struct {
	Key      model.ContractKey
	Height   uint64
	File     string
	Function string
	SCLimit  uint64
	SMLimit  uint64
}

func (s *Surface) handleSetAutomaticExecutionsEnabledSince(msg *nats.Msg) {
	var p setAutomaticExecutionsEnabledSincePayload
	if !s.decode(subSetAutomaticExecutionsEnabledSince, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.SetAutomaticExecutionsEnabledSince(p.Key, p.Height, p.File, p.Function, p.SCLimit, p.SMLimit)
}

func (s *Surface) handleEndBatchExecutionPublished(msg *nats.Msg) {
	var info model.PublishedEndBatchExecutionTransactionInfo
	if !s.decode(subEndBatchExecutionPublished, msg.Data, &info) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.OnEndBatchExecutionPublished(info)
}

func (s *Surface) handleEndBatchExecutionSingleTransactionPublished(msg *nats.Msg) {
	var info model.EndBatchExecutionSingleTransactionInfo
	if !s.decode(subEndBatchExecutionSingleTransactionPublished, msg.Data, &info) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.OnEndBatchExecutionSingleTransactionPublished(info)
}

func (s *Surface) handleEndBatchExecutionFailed(msg *nats.Msg) {
	var info model.FailedEndBatchExecutionTransactionInfo
	if !s.decode(subEndBatchExecutionFailed, msg.Data, &info) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.OnEndBatchExecutionFailed(info)
}

type storageSynchronizedPublishedPayload struct {
	Info model.SynchronizationSingleTransactionInfo
	Hash model.StorageHash
}

func (s *Surface) handleStorageSynchronizedPublished(msg *nats.Msg) {
	var p storageSynchronizedPublishedPayload
	if !s.decode(subStorageSynchronizedPublished, msg.Data, &p) {
		return
	}
	t := s.dispatchTarget()
	if t == nil {
		return
	}
	t.StorageSynchronizedPublished(p.Info, p.Hash)
}

// idemKey derives the Nats-Msg-Id JetStream dedups outbound announcements
// on: every announcement names the contract and batch it concludes, which
// together already identify it uniquely (spec §3: a contract processes one
// batch at a time, BatchIndex strictly increasing).
func idemKey(kind string, v interface{}) string {
	var contract model.ContractKey
	var batchIndex uint64
	switch t := v.(type) {
	case model.SuccessfulEndBatchExecutionTransactionInfo:
		contract, batchIndex = t.Contract, t.BatchIndex
	case model.UnsuccessfulEndBatchExecutionTransactionInfo:
		contract, batchIndex = t.Contract, t.BatchIndex
	case model.EndBatchExecutionSingleTransactionInfo:
		contract, batchIndex = t.Contract, t.BatchIndex
	case model.SynchronizationSingleTransactionInfo:
		contract, batchIndex = t.Contract, t.BatchIndex
	case model.ReleasedTransactionsInfo:
		contract, batchIndex = t.Contract, t.BatchIndex
	default:
		return ""
	}
	return fmt.Sprintf("%s-%s-%d", kind, contract, batchIndex)
}

// publish serializes v and sends it on subject, holding writeMu for the
// duration so at most one outbound write is in flight (spec §4.J). A
// publish error is a stream error: it triggers process-local shutdown.
func (s *Surface) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		if s.logger != nil {
			s.logger.Error().Err(err).Str("subject", subject).Msg("rpcsurface: marshal outbound payload")
		}
		return
	}

	msg := &nats.Msg{Subject: subject, Data: data}
	if key := idemKey(subject, v); key != "" {
		msg.Header = nats.Header{"Nats-Msg-Id": []string{key}}
	}

	s.writeMu.Lock()
	err = s.nc.PublishMsg(msg)
	s.writeMu.Unlock()

	if err != nil {
		s.shutdown(fmt.Errorf("rpcsurface: publish %s: %w", subject, err))
	}
}

// SuccessfulEndBatchTransactionIsReady implements executor.HostSink.
func (s *Surface) SuccessfulEndBatchTransactionIsReady(info model.SuccessfulEndBatchExecutionTransactionInfo) {
	s.publish(pubSuccessfulEndBatchTransactionIsReady, info)
}

// UnsuccessfulEndBatchTransactionIsReady implements executor.HostSink.
func (s *Surface) UnsuccessfulEndBatchTransactionIsReady(info model.UnsuccessfulEndBatchExecutionTransactionInfo) {
	s.publish(pubUnsuccessfulEndBatchTransactionIsReady, info)
}

// EndBatchExecutionSingleTransactionIsReady implements executor.HostSink.
func (s *Surface) EndBatchExecutionSingleTransactionIsReady(info model.EndBatchExecutionSingleTransactionInfo) {
	s.publish(pubEndBatchExecutionSingleTransactionIsReady, info)
}

// SynchronizationSingleTransactionIsReady announces a completed
// synchronization task (spec §6, §3 synchronization_queue).
func (s *Surface) SynchronizationSingleTransactionIsReady(info model.SynchronizationSingleTransactionInfo) {
	s.publish(pubSynchronizationSingleTransactionIsReady, info)
}

// ReleasedTransactionsAreReady announces an aggregated-transaction bundle
// (spec §4.J, SUPPLEMENTED from ExecutorEventHandler.h's
// releasedTransactionsAreReady — see internal/model.ReleasedTransactionsInfo).
func (s *Surface) ReleasedTransactionsAreReady(info model.ReleasedTransactionsInfo) {
	s.publish(pubReleasedTransactionsAreReady, info)
}

package model

import "github.com/proximax-storage/supercontract-executor/internal/poex"

// CallExecutorParticipation is the per-executor gas accounting for one
// call, carried into both successful and unsuccessful call-execution infos
// (SUPPLEMENTED from original_source/libs/executor/include/executor/Transactions.h
// — field names m_scConsumed/m_smConsumed kept as SCConsumed/SMConsumed).
type CallExecutorParticipation struct {
	SCConsumed uint64
	SMConsumed uint64
}

// CallExecutionResult is what the VM returns for one call (spec §4.H P2):
// "{success, return, sc_consumed, sm_consumed, poex_secret, optional_tx}".
type CallExecutionResult struct {
	CallID        CallID
	Success       bool
	ReturnValue   []byte
	Participation CallExecutorParticipation
	PoExSecret    uint64
	OptionalTx    []byte
	Manual        bool
}

// StorageState is what evaluate_storage_hash returns (spec §4.H P3):
// "{hash, used, meta, file_structure}".
type StorageState struct {
	Hash          StorageHash
	UsedSize      uint64
	MetaSize      uint64
	FileStructure []byte
}

// EndBatchExecutionOpinion is one executor's opinion about a batch's
// outcome (spec §4.H P3, P4). Exactly one of SuccessfulInfo/nothing is
// populated per spec §4.H opinion-verification rule (d): "a successful
// opinion has successful_batch_info populated AND every call has
// successful_call_info; an unsuccessful opinion has both absent".
type EndBatchExecutionOpinion struct {
	Contract    ContractKey
	BatchIndex  uint64
	ExecutorKey ExecutorKey
	Successful  bool

	// Populated iff Successful.
	StorageState StorageState
	CallResults  []CallExecutionResult

	Proofs    poex.Proofs
	Signature Signature
}

// SuccessfulEndBatchExecutionTransactionInfo is the transaction emitted
// when a successful quorum is reached (spec §6).
type SuccessfulEndBatchExecutionTransactionInfo struct {
	Contract             ContractKey
	BatchIndex           uint64
	AutomaticCheckedUpTo uint64
	StorageState         StorageState
	CallInfos            []SuccessfulCallInfo
	ExecutorKeys         []ExecutorKey
	Signatures           []Signature
	Proofs               []poex.Proofs
}

// SuccessfulCallInfo is one call's entry in a successful transaction.
type SuccessfulCallInfo struct {
	CallID            CallID
	Manual            bool
	Status            bool
	ReleasedTxHash    TransactionHash
	Participation     map[ExecutorKey]CallExecutorParticipation
}

// UnsuccessfulEndBatchExecutionTransactionInfo is the transaction emitted
// when an unsuccessful quorum is reached (spec §6): "per-call infos without
// storage effects, proofs, keys, signatures".
type UnsuccessfulEndBatchExecutionTransactionInfo struct {
	Contract     ContractKey
	BatchIndex   uint64
	CallInfos    []UnsuccessfulCallInfo
	ExecutorKeys []ExecutorKey
	Signatures   []Signature
	Proofs       []poex.Proofs
}

// UnsuccessfulCallInfo is one call's entry in an unsuccessful transaction.
type UnsuccessfulCallInfo struct {
	CallID        CallID
	Manual        bool
	Participation map[ExecutorKey]CallExecutorParticipation
}

// EndBatchExecutionSingleTransactionInfo is emitted when quorum is
// unreachable but the local proof must still be persisted (spec §6, §4.H
// P6: "fall through to P7" via the single-transaction path).
type EndBatchExecutionSingleTransactionInfo struct {
	Contract          ContractKey
	BatchIndex        uint64
	ProofOfExecution  poex.Proofs
}

// SynchronizationSingleTransactionInfo is emitted when a synchronization
// task completes (spec §6, §3 synchronization_queue).
type SynchronizationSingleTransactionInfo struct {
	Contract   ContractKey
	BatchIndex uint64
}

// PublishedEndBatchExecutionTransactionInfo is the inbound notification a
// contract actor reconciles against its active batch task (SUPPLEMENTED
// from original_source/libs/executor/include/executor/Transactions.h:
// m_cosigners, m_driveState, m_PoExVerificationInfo, m_batchSuccess).
type PublishedEndBatchExecutionTransactionInfo struct {
	Contract    ContractKey
	BatchIndex  uint64
	DriveState  StorageHash
	Cosigners   []ExecutorKey
	BatchSuccess bool
}

// FailedEndBatchExecutionTransactionInfo is the inbound notification that
// a submitted transaction was rejected on-chain (SUPPLEMENTED).
type FailedEndBatchExecutionTransactionInfo struct {
	Contract   ContractKey
	BatchIndex uint64
	Reason     string
}

// ReleasedTransactionsInfo is the aggregated-transaction announcement of
// spec §4.J's ReleasedTransactionsAreReady (SUPPLEMENTED from
// original_source/libs/executor/include/executor/ExecutorEventHandler.h:
// releasedTransactionsAreReady(SerializedAggregatedTransaction)): once a
// batch has been finalized successfully, calls whose SuccessfulCallInfo
// carries a non-zero ReleasedTxHash are bundled by the hosting node into
// one blockchain transaction; the executor only forwards the opaque bytes
// it was handed, never interprets them.
type ReleasedTransactionsInfo struct {
	Contract   ContractKey
	BatchIndex uint64
	Aggregated []byte
}

// Package execconfig holds the per-block-height contract configuration
// (spec §9: "a BTreeMap<u64, Config> indexed by 'config valid from
// height'; lookup picks the entry whose key is the largest ≤ requested
// height") and the executor-level static configuration, both SUPPLEMENTED
// with the exact field set of
// original_source/libs/executor/include/executor/ExecutorConfig.h.
package execconfig

import (
	"sort"
	"time"
)

// MutableConfig is the per-height contract configuration (SUPPLEMENTED
// field set, original field names translated to exported Go fields).
type MutableConfig struct {
	// AutorunSCLimit gates the once-per-contract-lifetime autorun call
	// (resolves spec §9's autorun open question; see DESIGN.md).
	AutorunSCLimit uint64
	AutorunFile    string
	AutorunFunction string

	MaxAutorunExecutableSize   uint64
	MaxAutomaticExecutableSize uint64
	MaxManualExecutableSize    uint64

	StoragePathPrefix  string
	InternetBufferSize uint64

	ExecutionPaymentToGasMultiplier uint64
	DownloadPaymentToGasMultiplier  uint64
}

// heightEntry pairs a MutableConfig with the height it becomes valid from.
type heightEntry struct {
	fromHeight uint64
	config     MutableConfig
}

// HeightIndex is the sorted, searchable form of the BTreeMap<u64, Config>
// of spec §9.
type HeightIndex struct {
	entries []heightEntry
}

// NewHeightIndex builds an index from an unordered set of (fromHeight,
// config) pairs.
func NewHeightIndex(configs map[uint64]MutableConfig) *HeightIndex {
	idx := &HeightIndex{entries: make([]heightEntry, 0, len(configs))}
	for height, cfg := range configs {
		idx.entries = append(idx.entries, heightEntry{fromHeight: height, config: cfg})
	}
	sort.Slice(idx.entries, func(i, j int) bool { return idx.entries[i].fromHeight < idx.entries[j].fromHeight })
	return idx
}

// At returns the config valid at height: "the entry whose key is the
// largest ≤ requested height" (spec §9). Returns false if height precedes
// every configured entry.
func (idx *HeightIndex) At(height uint64) (MutableConfig, bool) {
	// sort.Search finds the first index whose fromHeight > height; the
	// predecessor of that index is the entry we want.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].fromHeight > height
	})
	if i == 0 {
		return MutableConfig{}, false
	}
	return idx.entries[i-1].config, true
}

// ExecutorConfig is the executor-level (non-per-height) static
// configuration (SUPPLEMENTED from ExecutorConfig.h).
type ExecutorConfig struct {
	UnsuccessfulExecutionDelay time.Duration
	SuccessfulExecutionDelay   time.Duration
	ServiceUnavailableTimeout  time.Duration
	InternetConnectionTimeout  time.Duration

	OCSPQueryTimer      time.Duration
	OCSPQueryMaxEfforts int

	MaxInternetConnections int
	ShareOpinionTimeout    time.Duration

	// MaxBatchesHistorySize binds spec §3's max_batches_history_size; the
	// original_source default is 10000.
	MaxBatchesHistorySize int

	// SessionRestartWait is the Messenger adapter's fixed restart wait
	// (spec §4.F: "a fixed 15 s timer").
	SessionRestartWait time.Duration

	// QuorumDeadline bounds how long a batch task waits for a successful
	// or unsuccessful quorum before falling back to publishing its own,
	// single-executor proof (spec §4.H P5: "unsuccessful-expectation
	// exhausted"; resolves the open question of what that exhaustion
	// means — see DESIGN.md).
	QuorumDeadline time.Duration

	NetworkID byte
}

// DefaultExecutorConfig returns the defaults named in spec §5 and the
// SUPPLEMENTED ExecutorConfig.h fields.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ServiceUnavailableTimeout: 30 * time.Second,
		InternetConnectionTimeout: 10 * time.Second,
		OCSPQueryTimer:            500 * time.Millisecond,
		OCSPQueryMaxEfforts:       60,
		MaxInternetConnections:    8,
		ShareOpinionTimeout:       5 * time.Second,
		MaxBatchesHistorySize:     10000,
		SessionRestartWait:        15 * time.Second,
		QuorumDeadline:            60 * time.Second,
	}
}

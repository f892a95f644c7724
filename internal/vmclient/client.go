// Package vmclient is the executor's interface onto the WebAssembly
// virtual machine (spec §1: out of scope, "invoked via RPC"; spec §6:
// "ExecuteCall(ExecuteRequest) → stream ExecuteEvent ∪ ExecuteReturns").
// Modeled as a Go interface per spec's own "external collaborator with
// specified interface" framing (spec §A transport substitution).
package vmclient

import (
	"context"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// ExecuteRequest is everything the VM needs for one call (spec §4.H P2:
// "call descriptor, gas limits, and call-scoped handles to
// internet/blockchain/storage RPC fan-out").
type ExecuteRequest struct {
	Call            model.CallRequest
	DriveKey        model.DriveKey
	ModificationID  model.ModificationID
}

// ExecuteResult mirrors spec §4.H's CallExecutionResult — see
// internal/model/transactions.go for the persisted shape; this is the raw
// VM reply before poex/storage bookkeeping is layered on.
type ExecuteResult struct {
	Success       bool
	ReturnValue   []byte
	SCConsumed    uint64
	SMConsumed    uint64
	PoExSecret    uint64
	OptionalTx    []byte
	Unavailable   bool // storage/internet/VM-unavailable (spec §4.H P2)
}

// Client is the VM RPC surface the batch task drives (spec §4.H P2).
type Client interface {
	ExecuteCall(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

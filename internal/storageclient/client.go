// Package storageclient is the executor's interface onto the storage
// service (spec §1: out of scope; spec §6: "synchronize_storage,
// initiate_modifications, ..., evaluate_storage_hash,
// apply_storage_modifications(success)"). Only the batch-task-relevant
// subset is modeled here — the per-file sandbox RPCs (open_file, etc.) are
// VM-internal fan-out the executor proxies but never interprets, so they
// stay opaque byte payloads rather than typed operations (spec §6 lists
// them as VM-initiated, not batch-task-initiated).
package storageclient

import (
	"context"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// Client is the storage RPC surface the batch task drives directly (spec
// §4.H P1, P2d, P3).
type Client interface {
	// InitiateModifications opens a sandbox for (drive, batch) and returns
	// a modification id scoping every subsequent sandbox RPC (spec §4.H
	// P1).
	InitiateModifications(ctx context.Context, drive model.DriveKey, batchIndex uint64) (model.ModificationID, error)

	// ApplySandboxModifications commits or discards one call's effects
	// depending on success (spec §4.H P2d).
	ApplySandboxModifications(ctx context.Context, modID model.ModificationID, success bool) error

	// EvaluateStorageHash finalizes the sandbox into a StorageState (spec
	// §4.H P3).
	EvaluateStorageHash(ctx context.Context, modID model.ModificationID) (model.StorageState, error)

	// ApplyStorageModifications commits the whole batch's sandbox to the
	// drive's durable storage, or discards it (spec §6:
	// "apply_storage_modifications(success)").
	ApplyStorageModifications(ctx context.Context, modID model.ModificationID, success bool) error
}

package storageclient

import (
	"context"
	"sync/atomic"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// FakeClient is an in-memory Client for tests.
type FakeClient struct {
	nextModID uint64
	Hash      model.StorageHash
	UsedSize  uint64
	MetaSize  uint64
	Err       error
}

func (f *FakeClient) InitiateModifications(ctx context.Context, drive model.DriveKey, batchIndex uint64) (model.ModificationID, error) {
	if f.Err != nil {
		return model.ModificationID{}, f.Err
	}
	n := atomic.AddUint64(&f.nextModID, 1)
	var id model.ModificationID
	id[0] = byte(n)
	return id, nil
}

func (f *FakeClient) ApplySandboxModifications(ctx context.Context, modID model.ModificationID, success bool) error {
	return f.Err
}

func (f *FakeClient) EvaluateStorageHash(ctx context.Context, modID model.ModificationID) (model.StorageState, error) {
	if f.Err != nil {
		return model.StorageState{}, f.Err
	}
	return model.StorageState{Hash: f.Hash, UsedSize: f.UsedSize, MetaSize: f.MetaSize}, nil
}

func (f *FakeClient) ApplyStorageModifications(ctx context.Context, modID model.ModificationID, success bool) error {
	return f.Err
}

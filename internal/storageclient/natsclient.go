package storageclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

const (
	subjectInitiate = "sc.storage.initiate_modifications"
	subjectApplySandbox = "sc.storage.apply_sandbox_modifications"
	subjectEvaluate = "sc.storage.evaluate_storage_hash"
	subjectApplyStorage = "sc.storage.apply_storage_modifications"
)

// NATSClient is the production Client binding (spec §A).
type NATSClient struct {
	nc *nats.Conn
}

// NewNATSClient returns a Client bound to an existing NATS connection.
func NewNATSClient(nc *nats.Conn) *NATSClient {
	return &NATSClient{nc: nc}
}

func (c *NATSClient) request(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("storageclient: marshal request: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("storageclient: request %s: %w", subject, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("storageclient: unmarshal response: %w", err)
	}
	return nil
}

type initiateRequest struct {
	Drive      model.DriveKey `json:"drive"`
	BatchIndex uint64         `json:"batch_index"`
}

type initiateResponse struct {
	ModificationID model.ModificationID `json:"modification_id"`
	Error          string               `json:"error,omitempty"`
}

func (c *NATSClient) InitiateModifications(ctx context.Context, drive model.DriveKey, batchIndex uint64) (model.ModificationID, error) {
	var resp initiateResponse
	if err := c.request(ctx, subjectInitiate, initiateRequest{Drive: drive, BatchIndex: batchIndex}, &resp); err != nil {
		return model.ModificationID{}, err
	}
	if resp.Error != "" {
		return model.ModificationID{}, fmt.Errorf("storage: %s", resp.Error)
	}
	return resp.ModificationID, nil
}

type applyRequest struct {
	ModificationID model.ModificationID `json:"modification_id"`
	Success        bool                 `json:"success"`
}

type errorResponse struct {
	Error string `json:"error,omitempty"`
}

func (c *NATSClient) ApplySandboxModifications(ctx context.Context, modID model.ModificationID, success bool) error {
	var resp errorResponse
	if err := c.request(ctx, subjectApplySandbox, applyRequest{ModificationID: modID, Success: success}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("storage: %s", resp.Error)
	}
	return nil
}

type evaluateRequest struct {
	ModificationID model.ModificationID `json:"modification_id"`
}

type evaluateResponse struct {
	Hash          model.StorageHash `json:"hash"`
	UsedSize      uint64            `json:"used_size"`
	MetaSize      uint64            `json:"meta_size"`
	FileStructure []byte            `json:"file_structure"`
	Error         string            `json:"error,omitempty"`
}

func (c *NATSClient) EvaluateStorageHash(ctx context.Context, modID model.ModificationID) (model.StorageState, error) {
	var resp evaluateResponse
	if err := c.request(ctx, subjectEvaluate, evaluateRequest{ModificationID: modID}, &resp); err != nil {
		return model.StorageState{}, err
	}
	if resp.Error != "" {
		return model.StorageState{}, fmt.Errorf("storage: %s", resp.Error)
	}
	return model.StorageState{
		Hash:          resp.Hash,
		UsedSize:      resp.UsedSize,
		MetaSize:      resp.MetaSize,
		FileStructure: resp.FileStructure,
	}, nil
}

func (c *NATSClient) ApplyStorageModifications(ctx context.Context, modID model.ModificationID, success bool) error {
	var resp errorResponse
	if err := c.request(ctx, subjectApplyStorage, applyRequest{ModificationID: modID, Success: success}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("storage: %s", resp.Error)
	}
	return nil
}

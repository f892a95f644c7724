package vmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// vmSubject is the NATS request-reply subject for the VM link (spec §A).
const vmSubject = "sc.vm.execute"

type wireRequest struct {
	CallID             model.CallID `json:"call_id"`
	File               string       `json:"file"`
	Function           string       `json:"function"`
	Params             []byte       `json:"params"`
	ExecutionGasLimit  uint64       `json:"execution_gas_limit"`
	DownloadGasLimit   uint64       `json:"download_gas_limit"`
	DriveKey           model.DriveKey `json:"drive_key"`
	ModificationID     model.ModificationID `json:"modification_id"`
}

type wireResult struct {
	Success     bool   `json:"success"`
	ReturnValue []byte `json:"return_value"`
	SCConsumed  uint64 `json:"sc_consumed"`
	SMConsumed  uint64 `json:"sm_consumed"`
	PoExSecret  uint64 `json:"poex_secret"`
	OptionalTx  []byte `json:"optional_tx,omitempty"`
	Unavailable bool   `json:"unavailable"`
	Error       string `json:"error,omitempty"`
}

// NATSClient is the production Client binding.
type NATSClient struct {
	nc *nats.Conn
}

// NewNATSClient returns a Client bound to an existing NATS connection
// (shared with the other external-collaborator clients, per spec §A).
func NewNATSClient(nc *nats.Conn) *NATSClient {
	return &NATSClient{nc: nc}
}

// ExecuteCall implements Client via NATS request-reply.
func (c *NATSClient) ExecuteCall(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	data, err := json.Marshal(wireRequest{
		CallID:            req.Call.CallID,
		File:              req.Call.File,
		Function:          req.Call.Function,
		Params:            req.Call.Params,
		ExecutionGasLimit: req.Call.ExecutionGasLimit,
		DownloadGasLimit:  req.Call.DownloadGasLimit,
		DriveKey:          req.DriveKey,
		ModificationID:    req.ModificationID,
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("vmclient: marshal request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, vmSubject, data)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("vmclient: request failed: %w", err)
	}

	var resp wireResult
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return ExecuteResult{}, fmt.Errorf("vmclient: unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return ExecuteResult{}, fmt.Errorf("vm: %s", resp.Error)
	}
	return ExecuteResult{
		Success:     resp.Success,
		ReturnValue: resp.ReturnValue,
		SCConsumed:  resp.SCConsumed,
		SMConsumed:  resp.SMConsumed,
		PoExSecret:  resp.PoExSecret,
		OptionalTx:  resp.OptionalTx,
		Unavailable: resp.Unavailable,
	}, nil
}

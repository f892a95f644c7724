package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// blockchainSubject is the NATS request-reply subject for the blockchain
// gateway link (spec §A transport substitution: every external link named
// by spec §6 is carried over NATS in this repository).
const blockchainSubject = "sc.chain.block"

type blockRequest struct {
	Height uint64 `json:"height"`
}

type blockResponse struct {
	Hash  model.BlockHash `json:"hash"`
	Time  uint64          `json:"time"`
	Error string          `json:"error,omitempty"`
}

// NATSGateway is the production Gateway binding, a NATS request-reply
// client mirroring the reconnect configuration the teacher's
// internal/nats/publisher.go applies to its JetStream connection.
type NATSGateway struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *zerolog.Logger
}

// NewNATSGateway connects to NATS and returns a Gateway implementation.
func NewNATSGateway(natsURL string, timeout time.Duration, logger *zerolog.Logger) (*NATSGateway, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("supercontract-executor-blockchain"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("blockchain gateway nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("blockchain gateway nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSGateway{nc: nc, timeout: timeout, logger: logger}, nil
}

// Block implements Gateway via NATS request-reply.
func (g *NATSGateway) Block(ctx context.Context, height uint64) (Block, error) {
	data, err := json.Marshal(blockRequest{Height: height})
	if err != nil {
		return Block{}, fmt.Errorf("failed to marshal block request: %w", err)
	}

	msg, err := g.nc.RequestWithContext(ctx, blockchainSubject, data)
	if err != nil {
		return Block{}, fmt.Errorf("blockchain gateway request failed: %w", err)
	}

	var resp blockResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Block{}, fmt.Errorf("failed to unmarshal block response: %w", err)
	}
	if resp.Error != "" {
		return Block{}, fmt.Errorf("blockchain gateway: %s", resp.Error)
	}
	return Block{Hash: resp.Hash, Time: resp.Time}, nil
}

// Close closes the underlying NATS connection.
func (g *NATSGateway) Close() {
	if g.nc != nil {
		g.nc.Close()
	}
}

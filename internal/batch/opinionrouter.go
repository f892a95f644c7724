package batch

import (
	"fmt"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// HandlerFunc processes one tagged messenger payload addressed to a
// contract.
type HandlerFunc func(contract model.ContractKey, content []byte) error

// OpinionRouter dispatches messenger-delivered payloads to the right
// per-tag handler, the same map-based shape as the teacher's
// internal/router/event_log_handler_router.go generalized from EVM log
// signatures to messenger tags (spec §4.F tags, §4.I: "registers as the
// MessageSubscriber").
type OpinionRouter struct {
	handlers map[string]HandlerFunc
}

// NewOpinionRouter builds an empty router.
func NewOpinionRouter() *OpinionRouter {
	return &OpinionRouter{handlers: make(map[string]HandlerFunc)}
}

// RegisterHandler registers a handler for a messenger tag.
func (r *OpinionRouter) RegisterHandler(tag string, handler HandlerFunc) {
	r.handlers[tag] = handler
}

// Route dispatches one payload to its registered handler; an unregistered
// tag is silently skipped, matching the teacher's router discarding events
// it has no handler for.
func (r *OpinionRouter) Route(tag string, contract model.ContractKey, content []byte) error {
	handler, ok := r.handlers[tag]
	if !ok {
		return nil
	}
	if err := handler(contract, content); err != nil {
		return fmt.Errorf("opinion router: tag %s: %w", tag, err)
	}
	return nil
}

// HasHandler reports whether a tag has a registered handler.
func (r *OpinionRouter) HasHandler(tag string) bool {
	_, ok := r.handlers[tag]
	return ok
}

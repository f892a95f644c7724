// Package model holds the wire-level data shapes of spec §3: identifiers,
// call requests, and the transaction/opinion structs the batch task
// exchanges with peers and emits to the hosting node.
package model

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ContractKey identifies a smart contract (spec §3: "32-byte opaque byte
// arrays, compared as fixed-width integers").
type ContractKey [32]byte

// DriveKey identifies a contract's persistent storage identity.
type DriveKey [32]byte

// ExecutorKey identifies a cohort member.
type ExecutorKey [32]byte

// CallerKey identifies the account that submitted a manual call.
type CallerKey [32]byte

// CallID identifies one call within a batch.
type CallID [32]byte

// ModificationID identifies one storage sandbox modification.
type ModificationID [32]byte

// BlockHash identifies a blockchain block.
type BlockHash [32]byte

// TransactionHash identifies an emitted aggregated transaction.
type TransactionHash [32]byte

// RequestID identifies one RPC-surface request/response pair.
type RequestID [32]byte

// StorageHash identifies the state of a contract's storage sandbox after a
// batch.
type StorageHash [32]byte

// Signature is a 64-byte Ed25519 signature (spec §3).
type Signature [64]byte

func hexString(b []byte) string {
	return hexutil.Encode(b)
}

func (k ContractKey) String() string     { return hexString(k[:]) }
func (k DriveKey) String() string        { return hexString(k[:]) }
func (k ExecutorKey) String() string     { return hexString(k[:]) }
func (k CallerKey) String() string       { return hexString(k[:]) }
func (k CallID) String() string          { return hexString(k[:]) }
func (k ModificationID) String() string  { return hexString(k[:]) }
func (k BlockHash) String() string       { return hexString(k[:]) }
func (k TransactionHash) String() string { return hexString(k[:]) }
func (k RequestID) String() string       { return hexString(k[:]) }
func (k StorageHash) String() string     { return hexString(k[:]) }

// Less orders two executor keys byte-lexicographic ascending (spec §4.H:
// "Signatures in the emitted transaction are ordered by executor_key
// byte-lexicographic ascending").
func (k ExecutorKey) Less(other ExecutorKey) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}

// ExecutorKeyFromHex parses a 0x-prefixed or bare hex string into an
// ExecutorKey, following the teacher's hex-helper idiom
// (common/hexutil-based address parsing) generalized to 32-byte keys.
func ExecutorKeyFromHex(s string) (ExecutorKey, error) {
	var k ExecutorKey
	b, err := decodeHex(s)
	if err != nil {
		return k, err
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("model: expected %d-byte key, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return hexutil.Decode(s)
	}
	return hex.DecodeString(s)
}

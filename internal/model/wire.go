package model

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// EmbeddedTransaction is the per-transaction wire shape of spec §6:
// "[u32 size][32-byte contract_key][u32 version_with_network_id]
// [u16 entity_type][payload bytes]".
type EmbeddedTransaction struct {
	ContractKey        ContractKey
	VersionWithNetwork uint32
	EntityType         uint16
	Payload            []byte
}

// VersionWithNetworkID packs a version and network id the way spec §6
// defines: "(network_id << 24) | version".
func VersionWithNetworkID(networkID byte, version uint32) uint32 {
	return (uint32(networkID) << 24) | (version & 0x00ffffff)
}

// Encode serializes the embedded transaction to its wire bytes, including
// its own leading size field.
func (tx EmbeddedTransaction) Encode() []byte {
	body := make([]byte, 0, 32+4+2+len(tx.Payload))
	body = append(body, tx.ContractKey[:]...)
	var versionBuf [4]byte
	binary.LittleEndian.PutUint32(versionBuf[:], tx.VersionWithNetwork)
	body = append(body, versionBuf[:]...)
	var entityBuf [2]byte
	binary.LittleEndian.PutUint16(entityBuf[:], tx.EntityType)
	body = append(body, entityBuf[:]...)
	body = append(body, tx.Payload...)

	out := make([]byte, 0, 4+len(body))
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	out = append(out, sizeBuf[:]...)
	out = append(out, body...)
	return out
}

// DecodeEmbeddedTransaction parses one embedded transaction from the front
// of b, returning it and the number of bytes consumed.
func DecodeEmbeddedTransaction(b []byte) (EmbeddedTransaction, int, error) {
	if len(b) < 4 {
		return EmbeddedTransaction{}, 0, fmt.Errorf("model: truncated embedded transaction size field")
	}
	size := binary.LittleEndian.Uint32(b[:4])
	total := 4 + int(size)
	if len(b) < total {
		return EmbeddedTransaction{}, 0, fmt.Errorf("model: truncated embedded transaction body")
	}
	body := b[4:total]
	if len(body) < 32+4+2 {
		return EmbeddedTransaction{}, 0, fmt.Errorf("model: embedded transaction body too short")
	}
	var tx EmbeddedTransaction
	copy(tx.ContractKey[:], body[:32])
	tx.VersionWithNetwork = binary.LittleEndian.Uint32(body[32:36])
	tx.EntityType = binary.LittleEndian.Uint16(body[36:38])
	tx.Payload = append([]byte(nil), body[38:]...)
	return tx, total, nil
}

// AggregatedTransaction is spec §6's "[u64 max_fee][n × embedded_tx]".
type AggregatedTransaction struct {
	MaxFee   uint64
	Embedded []EmbeddedTransaction
}

// Encode serializes the aggregated transaction.
func (tx AggregatedTransaction) Encode() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, tx.MaxFee)
	for _, e := range tx.Embedded {
		out = append(out, e.Encode()...)
	}
	return out
}

// Hash computes SHA3-256 over max_fee ∥ concat(embedded_txs), per spec §6:
// "its hash is SHA3-256 over max_fee ∥ concat(embedded_txs)".
func (tx AggregatedTransaction) Hash() TransactionHash {
	var feeBuf [8]byte
	binary.LittleEndian.PutUint64(feeBuf[:], tx.MaxFee)

	h := sha3.New256()
	h.Write(feeBuf[:])
	for _, e := range tx.Embedded {
		h.Write(e.Encode())
	}
	var out TransactionHash
	copy(out[:], h.Sum(nil))
	return out
}

// OpinionSignaturePreimage is the canonical concatenation that gets signed
// for an EndBatchExecutionOpinion (spec §9: "the hash being signed is the
// canonical concatenation specified in §4.H; the full message also
// includes metadata (proof, key, signature) but those fields are not part
// of the signed preimage").
func OpinionSignaturePreimage(contract ContractKey, batchIndex uint64, successful bool, storageHash StorageHash, callIDs []CallID, callSuccess []bool) []byte {
	buf := make([]byte, 0, 32+8+1+32+len(callIDs)*33)
	buf = append(buf, contract[:]...)
	var idxBuf [8]byte
	binary.LittleEndian.PutUint64(idxBuf[:], batchIndex)
	buf = append(buf, idxBuf[:]...)
	if successful {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, storageHash[:]...)
	for i, id := range callIDs {
		buf = append(buf, id[:]...)
		if callSuccess[i] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

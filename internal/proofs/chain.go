package proofs

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Genesis is the digest that precedes the first entry of a chain.
var Genesis = common.Hash{}

// Record is the canonical content of a ledger entry that gets hashed.
type Record struct {
	Seq        uint64
	TransferID string
	From       string
	To         string
	Amount     int64
	JobID      string
	UnixNano   int64
}

// Link computes the digest of rec chained onto prev.
//
// Variable-length fields are length-prefixed so that no two distinct records
// share an encoding.
func Link(prev common.Hash, rec Record) common.Hash {
	buf := make([]byte, 0, 128)
	buf = append(buf, prev.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, rec.Seq)
	buf = appendString(buf, rec.TransferID)
	buf = appendString(buf, rec.From)
	buf = appendString(buf, rec.To)
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.Amount))
	buf = appendString(buf, rec.JobID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.UnixNano))
	return crypto.Keccak256Hash(buf)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Linked is a record together with the digests stored alongside it.
type Linked struct {
	Record Record
	Prev   common.Hash
	Digest common.Hash
}

// BrokenLinkError reports the first entry whose stored digests disagree with
// the recomputed chain.
type BrokenLinkError struct {
	Seq    uint64
	Reason string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("proofs: chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Verify walks entries in ascending sequence order and recomputes every link.
// It returns the head digest when the chain is intact.
func Verify(entries []Linked) (common.Hash, error) {
	prev := Genesis
	for i, e := range entries {
		if e.Record.Seq != uint64(i+1) {
			return common.Hash{}, &BrokenLinkError{Seq: e.Record.Seq, Reason: fmt.Sprintf("expected seq %d", i+1)}
		}
		if e.Prev != prev {
			return common.Hash{}, &BrokenLinkError{Seq: e.Record.Seq, Reason: "previous digest mismatch"}
		}
		want := Link(prev, e.Record)
		if e.Digest != want {
			return common.Hash{}, &BrokenLinkError{Seq: e.Record.Seq, Reason: "digest mismatch"}
		}
		prev = want
	}
	return prev, nil
}

// ParseHash decodes a 0x-prefixed hex digest as stored by SQL backends.
func ParseHash(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("proofs: digest %q has %d bytes", s, len(b))
	}
	return common.BytesToHash(b), nil
}

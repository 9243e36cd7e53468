package xychain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pruvlabs/xychain/pkg/canonical"
)

// GenesisProof is the well-known predecessor proof of the first entry
// in every chain (64 hex zeros). It is a fixed constant, never a
// computed value, and must be identical across all implementations for
// chains to be mutually verifiable.
const GenesisProof = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one recorded state transition. Entries are immutable once
// appended; Proof is always a pure function of the other fields and
// must never be edited independently of them.
type Entry struct {
	Index     int             `json:"index"`
	Action    string          `json:"action"`
	XState    canonical.Value `json:"x_state"`
	YState    canonical.Value `json:"y_state"`
	Timestamp time.Time       `json:"-"`
	PrevProof string          `json:"prev_proof"`
	Proof     string          `json:"proof"`
	Signature []byte          `json:"signature,omitempty"`
	KeyID     string          `json:"key_id,omitempty"`
}

// entryJSON is the wire form of Entry. Timestamps travel as UTC
// Unix-epoch nanoseconds so no precision is lost across the export
// boundary; signatures are base64 per encoding/json.
type entryJSON struct {
	Index     int             `json:"index"`
	Action    string          `json:"action"`
	XState    canonical.Value `json:"x_state"`
	YState    canonical.Value `json:"y_state"`
	Timestamp int64           `json:"timestamp"`
	PrevProof string          `json:"prev_proof"`
	Proof     string          `json:"proof"`
	Signature []byte          `json:"signature,omitempty"`
	KeyID     string          `json:"key_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Index:     e.Index,
		Action:    e.Action,
		XState:    e.XState,
		YState:    e.YState,
		Timestamp: e.Timestamp.UTC().UnixNano(),
		PrevProof: e.PrevProof,
		Proof:     e.Proof,
		Signature: e.Signature,
		KeyID:     e.KeyID,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		Index:     w.Index,
		Action:    w.Action,
		XState:    w.XState,
		YState:    w.YState,
		Timestamp: time.Unix(0, w.Timestamp).UTC(),
		PrevProof: w.PrevProof,
		Proof:     w.Proof,
		Signature: w.Signature,
		KeyID:     w.KeyID,
	}
	return nil
}

// computeProof derives the proof for an entry's recorded fields: the
// lowercase-hex SHA-256 of the canonical record encoding.
func computeProof(index int, action string, xState, yState canonical.Value, timestamp time.Time, prevProof string) (string, error) {
	record, err := canonical.EncodeRecord(index, action, xState, yState, timestamp, prevProof)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(record)
	return hex.EncodeToString(sum[:]), nil
}

// recompute rederives the entry's proof from its recorded fields.
func (e *Entry) recompute() (string, error) {
	return computeProof(e.Index, e.Action, e.XState, e.YState, e.Timestamp, e.PrevProof)
}

package etrap

import (
	"context"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/merkle"
	"github.com/etrap-labs/etrap-go/pkg/record"
)

// Outcome classifies a verification verdict.
type Outcome string

const (
	// OutcomeVerified: the transaction's digest is in the batch and its proof
	// recomputes the anchored Merkle root.
	OutcomeVerified Outcome = "VERIFIED"
	// OutcomeTampered: the digest is present but the proof does not reproduce
	// the anchored root — evidence of alteration, not absence.
	OutcomeTampered Outcome = "TAMPERED"
	// OutcomeNotFound: no candidate batch contains the digest.
	OutcomeNotFound Outcome = "NOT_FOUND"
	// OutcomeAmbiguous: several batches tie at top relevance and no batch id
	// hint disambiguates them.
	OutcomeAmbiguous Outcome = "AMBIGUOUS"
	// OutcomeError: a collaborator failed or the attempt was cancelled.
	OutcomeError Outcome = "ERROR"
)

// StorageRef locates a batch's full contents in object storage.
type StorageRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Region string `json:"region,omitempty"`
}

// OperationCounts breaks a batch's transaction count down by operation kind.
// The zero value means the ledger did not report counts.
type OperationCounts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Known reports whether the ledger supplied a breakdown at all.
func (oc OperationCounts) Known() bool {
	return oc.Inserts > 0 || oc.Updates > 0 || oc.Deletes > 0
}

// Count returns the number of recorded operations of the given kind.
func (oc OperationCounts) Count(op record.Operation) int {
	switch op {
	case record.OpInsert:
		return oc.Inserts
	case record.OpUpdate:
		return oc.Updates
	case record.OpDelete:
		return oc.Deletes
	}
	return 0
}

// BatchDescriptor is the ledger's metadata for one anchored batch. The
// Merkle root read from the ledger is authoritative; it is never recomputed
// locally from batch contents.
type BatchDescriptor struct {
	BatchID          string          `json:"batch_id"`
	Database         string          `json:"database_name"`
	Tables           []string        `json:"table_names"`
	TransactionCount int             `json:"transaction_count"`
	OperationCounts  OperationCounts `json:"operation_counts"`
	MerkleRoot       digest.Digest   `json:"merkle_root"`
	Timestamp        time.Time       `json:"timestamp"`
	StorageRef       StorageRef      `json:"s3_location"`
	SizeBytes        int64           `json:"size_bytes,omitempty"`
}

// HasTable reports whether the batch declares the given table.
func (b *BatchDescriptor) HasTable(table string) bool {
	for _, t := range b.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// BatchLeaf is one transaction position inside a batch's Merkle tree.
type BatchLeaf struct {
	Index      int              `json:"index"`
	Hash       digest.Digest    `json:"hash"`
	Operation  record.Operation `json:"operation,omitempty"`
	RecordedAt time.Time        `json:"recorded_at,omitzero"`
	Proof      merkle.Proof     `json:"proof"`
}

// BatchContents is a batch's full Merkle tree as stored alongside the
// anchored root: ordered leaves with their precomputed proof paths.
type BatchContents struct {
	Algorithm string        `json:"algorithm"`
	Root      digest.Digest `json:"merkle_root"`
	Leaves    []BatchLeaf   `json:"leaves"`
}

// FindLeaves returns every leaf whose hash equals d, in tree order. More
// than one position can carry the same digest when identical row data was
// recorded by different operations.
func (bc *BatchContents) FindLeaves(d digest.Digest) []BatchLeaf {
	var found []BatchLeaf
	for _, leaf := range bc.Leaves {
		if leaf.Hash.Equal(d) {
			found = append(found, leaf)
		}
	}
	return found
}

// ProofDetail reproduces the membership proof attached to a Verified or
// Tampered verdict.
type ProofDetail struct {
	LeafHash   digest.Digest `json:"leaf_hash"`
	Proof      merkle.Proof  `json:"proof"`
	MerkleRoot digest.Digest `json:"merkle_root"`
	IsValid    bool          `json:"is_valid"`
}

// Verdict is the terminal outcome of one verification attempt.
type Verdict struct {
	Outcome         Outcome          `json:"outcome"`
	BatchID         string           `json:"batch_id,omitempty"`
	TransactionHash digest.Digest    `json:"transaction_hash,omitzero"`
	ExpectedRoot    digest.Digest    `json:"expected_root,omitzero"`
	Proof           *ProofDetail     `json:"merkle_proof,omitempty"`
	Operation       record.Operation `json:"operation_type,omitempty"`
	LeafPosition    int              `json:"position"` // -1 when no leaf matched
	LedgerTimestamp time.Time        `json:"blockchain_timestamp,omitzero"`
	Candidates      []string         `json:"candidates_considered,omitempty"`
	Reason          string           `json:"reason"`
	Duration        time.Duration    `json:"-"`
	Err             error            `json:"-"` // cause for OutcomeError
}

// Verified is a convenience accessor for Outcome == OutcomeVerified.
func (v *Verdict) Verified() bool {
	return v.Outcome == OutcomeVerified
}

// BatchFilter selects batches from the ledger index. Zero-valued fields are
// unconstrained.
type BatchFilter struct {
	Database            string
	Table               string
	TimeStart           time.Time
	TimeEnd             time.Time
	MinTransactionCount int
	MaxTransactionCount int
	Limit               int
	Offset              int
}

// LedgerClient reads the on-chain batch index. Implementations may fail
// transiently; retries happen below this boundary.
type LedgerClient interface {
	// GetBatch returns the descriptor anchored under batchID, or
	// ErrBatchNotFound.
	GetBatch(ctx context.Context, batchID string) (*BatchDescriptor, error)
	// QueryBatchIndex returns descriptors matching the filter, newest first.
	QueryBatchIndex(ctx context.Context, f BatchFilter) ([]BatchDescriptor, error)
	// BatchCount returns the total number of anchored batches.
	BatchCount(ctx context.Context) (int, error)
}

// StorageClient fetches full batch contents from object storage.
type StorageClient interface {
	FetchBatchContents(ctx context.Context, ref StorageRef) (*BatchContents, error)
}

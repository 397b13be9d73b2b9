package etrap

import (
	"context"
	"fmt"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/record"
	"go.uber.org/zap"
)

// VerifyTransaction proves that rec was recorded, unaltered, in an anchored
// batch. It resolves the hint into a search constraint, ranks candidate
// batches, fetches contents of each candidate in relevance order, and checks
// the Merkle membership proof of the first leaf carrying the record's
// canonical digest.
//
// The returned error is non-nil only for request-shape problems detected
// before any verification work begins: an invalid hint or an unencodable
// column value. Everything downstream — collaborator failures included — is
// captured in the Verdict so batch runs never abort on one bad record.
func (c *Client) VerifyTransaction(ctx context.Context, rec *record.Record, hint *Hint) (*Verdict, error) {
	start := time.Now()

	if rec == nil {
		return nil, fmt.Errorf("transaction record is required")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	leafHash, err := rec.Digest()
	if err != nil {
		return nil, err
	}
	con, err := resolveHint(hint, rec)
	if err != nil {
		return nil, err
	}

	v := c.verify(ctx, leafHash, con)
	v.Duration = time.Since(start)
	c.observer.VerificationDone(v.Outcome, v.Duration)

	c.logger.Debug("verification done",
		zap.String("outcome", string(v.Outcome)),
		zap.String("batch_id", v.BatchID),
		zap.String("transaction_hash", leafHash.Hex()),
		zap.Duration("duration", v.Duration),
	)
	return v, nil
}

// verify runs the one-directional verification state machine:
// hints resolved → candidates found → batch fetched → proof checked → done.
func (c *Client) verify(ctx context.Context, leafHash digest.Digest, con constraint) *Verdict {
	cands, incomplete, err := c.searchCandidates(ctx, con)
	if err != nil {
		return c.errorVerdict(leafHash, nil, err)
	}

	if len(cands) == 0 {
		reason := "no batch matches the search constraints"
		if con.BatchID != "" {
			reason = fmt.Sprintf("batch %s is not anchored on the ledger", con.BatchID)
		}
		return &Verdict{
			Outcome:         OutcomeNotFound,
			TransactionHash: leafHash,
			LeafPosition:    -1,
			Reason:          reason,
		}
	}

	// An unconstrained search with several candidates tied at top relevance
	// cannot be examined decisively — the bounded guard means the population
	// may extend beyond what was ranked — so the caller must narrow the
	// hint. Constrained searches examine every candidate instead: absence
	// from one batch is not absence from all.
	if tied := tiedCandidates(cands, c.tieMargin); con.empty() && len(tied) > 1 {
		return &Verdict{
			Outcome:         OutcomeAmbiguous,
			TransactionHash: leafHash,
			LeafPosition:    -1,
			Candidates:      tied,
			Reason: fmt.Sprintf("%d batches tie at top relevance; add a batch_id or narrower hint to disambiguate",
				len(tied)),
		}
	}

	considered := candidateIDs(cands)
	for i := range cands {
		cand := &cands[i]
		contents, err := c.store.FetchBatchContents(ctx, cand.StorageRef)
		if err != nil {
			return c.errorVerdict(leafHash, considered, fmt.Errorf("fetch contents of %s: %w", cand.BatchID, err))
		}

		leaf, found := pickLeaf(contents, leafHash, con.Operation)
		if !found {
			// Absence from this batch is not evidence of tampering — the
			// transaction may legitimately live in a later candidate.
			continue
		}

		ok := leaf.Proof.Verify(leaf.Hash, cand.MerkleRoot)
		v := &Verdict{
			BatchID:         cand.BatchID,
			TransactionHash: leafHash,
			ExpectedRoot:    cand.MerkleRoot,
			Operation:       leaf.Operation,
			LeafPosition:    leaf.Index,
			LedgerTimestamp: cand.Timestamp,
			Candidates:      considered,
			Proof: &ProofDetail{
				LeafHash:   leaf.Hash,
				Proof:      leaf.Proof,
				MerkleRoot: cand.MerkleRoot,
				IsValid:    ok,
			},
		}
		if ok {
			v.Outcome = OutcomeVerified
			v.Reason = fmt.Sprintf("merkle proof valid against root anchored in %s", cand.BatchID)
		} else {
			v.Outcome = OutcomeTampered
			v.Reason = fmt.Sprintf("transaction digest present in %s at position %d but its proof does not reproduce the anchored merkle root",
				cand.BatchID, leaf.Index)
		}
		return v
	}

	reason := fmt.Sprintf("transaction digest not found in any of %d candidate batches", len(cands))
	if incomplete {
		reason += " (unconstrained search was bounded to the most recent batches; add hints to widen coverage)"
	}
	return &Verdict{
		Outcome:         OutcomeNotFound,
		TransactionHash: leafHash,
		LeafPosition:    -1,
		Candidates:      considered,
		Reason:          reason,
	}
}

func (c *Client) errorVerdict(leafHash digest.Digest, considered []string, err error) *Verdict {
	v := &Verdict{
		Outcome:         OutcomeError,
		TransactionHash: leafHash,
		LeafPosition:    -1,
		Candidates:      considered,
		Err:             err,
	}
	if isCancelled(err) {
		v.Reason = "cancelled: " + err.Error()
	} else {
		v.Reason = err.Error()
	}
	return v
}

// tiedCandidates returns the ids of the candidates whose score is within
// margin of the top score. A single-element result means no ambiguity.
func tiedCandidates(cands []candidate, margin float64) []string {
	top := cands[0].score
	var tied []string
	for i := range cands {
		if top-cands[i].score <= margin {
			tied = append(tied, cands[i].BatchID)
		}
	}
	return tied
}

func candidateIDs(cands []candidate) []string {
	ids := make([]string, len(cands))
	for i := range cands {
		ids[i] = cands[i].BatchID
	}
	return ids
}

// pickLeaf locates the batch position holding d. When the same row data was
// recorded more than once, an expected operation selects among the
// positions; without a match on operation the first position wins — the
// operation narrows, it never vetoes a digest match.
func pickLeaf(contents *BatchContents, d digest.Digest, op record.Operation) (BatchLeaf, bool) {
	matches := contents.FindLeaves(d)
	if len(matches) == 0 {
		return BatchLeaf{}, false
	}
	if op != "" {
		for _, leaf := range matches {
			if leaf.Operation == op {
				return leaf, true
			}
		}
	}
	return matches[0], true
}

package etrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/record"
	"go.uber.org/zap"
)

// Relevance weights for candidate ranking. Exact scope matches dominate;
// time-range and operation plausibility refine within them.
const (
	scoreDatabaseMatch = 2.0
	scoreTableMatch    = 2.0
	scoreInTimeRange   = 1.0
	scoreOpPlausible   = 1.0

	scoreMerkleRootMatch = 3.0
	scoreHashFound       = 4.0
	scoreIDPattern       = 1.0
)

// candidate is a descriptor with its relevance score.
type candidate struct {
	BatchDescriptor
	score float64
}

// searchCandidates resolves a constraint into an ordered, deduplicated
// candidate list. The second return is true when an unconstrained search hit
// the bounded-cost guard and the population may extend beyond the result.
func (c *Client) searchCandidates(ctx context.Context, con constraint) ([]candidate, bool, error) {
	// Fast path: a batch id pins the candidate set to one descriptor.
	if con.BatchID != "" {
		desc, err := c.cache.get(ctx, con.BatchID)
		if errors.Is(err, ErrBatchNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return []candidate{{BatchDescriptor: *desc, score: scoreDatabaseMatch + scoreTableMatch}}, false, nil
	}

	filter := BatchFilter{
		Database:  con.Database,
		Table:     con.Table,
		TimeStart: con.TimeStart,
		TimeEnd:   con.TimeEnd,
	}
	unconstrained := con.empty()
	if unconstrained {
		filter.Limit = c.maxUnconstrained
	}

	batches, err := c.ledger.QueryBatchIndex(ctx, filter)
	if err != nil {
		return nil, false, err
	}

	ranked := rankCandidates(con, batches)
	incomplete := unconstrained && len(ranked) == c.maxUnconstrained
	return ranked, incomplete, nil
}

// rankCandidates scores, orders and deduplicates index results. Ordering is
// deterministic for identical inputs: score descending, then newest first,
// then batch id descending.
func rankCandidates(con constraint, batches []BatchDescriptor) []candidate {
	cands := make([]candidate, 0, len(batches))
	for _, b := range batches {
		cands = append(cands, candidate{BatchDescriptor: b, score: scoreBatch(con, &b)})
	}
	sortCandidates(cands)

	seen := make(map[string]struct{}, len(cands))
	out := cands[:0]
	for _, cand := range cands {
		if _, dup := seen[cand.BatchID]; dup {
			continue
		}
		seen[cand.BatchID] = struct{}{}
		out = append(out, cand)
	}
	return out
}

func sortCandidates(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if !cands[i].Timestamp.Equal(cands[j].Timestamp) {
			return cands[i].Timestamp.After(cands[j].Timestamp)
		}
		return cands[i].BatchID > cands[j].BatchID
	})
}

func scoreBatch(con constraint, b *BatchDescriptor) float64 {
	var score float64
	if con.Database != "" && b.Database == con.Database {
		score += scoreDatabaseMatch
	}
	if con.Table != "" && b.HasTable(con.Table) {
		score += scoreTableMatch
	}
	if con.hasTimeRange() && inRange(b.Timestamp, con.TimeStart, con.TimeEnd) {
		score += scoreInTimeRange
	}
	if con.Operation != "" && con.hasTimeRange() && opPlausible(b, con.Operation) {
		score += scoreOpPlausible
	}
	return score
}

// opPlausible reports whether the batch's declared operation counts could
// include op. Batches without a breakdown stay plausible as long as they
// hold any transactions at all.
func opPlausible(b *BatchDescriptor, op record.Operation) bool {
	if b.OperationCounts.Known() {
		return b.OperationCounts.Count(op) > 0
	}
	return b.TransactionCount > 0
}

// inRange applies the half-open [start, end) convention; zero bounds are
// unbounded.
func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && !ts.Before(end) {
		return false
	}
	return true
}

// ── user-facing search ───────────────────────────────────────────────────────

// SearchCriteria selects batches for SearchBatches. All fields are optional;
// timestamps follow the Hint rules (ISO-8601, explicit offset).
type SearchCriteria struct {
	TransactionHash     string `json:"transaction_hash,omitempty"`
	Database            string `json:"database_name,omitempty"`
	Table               string `json:"table_name,omitempty"`
	TimeStart           string `json:"time_start,omitempty"`
	TimeEnd             string `json:"time_end,omitempty"`
	MerkleRoot          string `json:"merkle_root,omitempty"`
	MinTransactionCount int    `json:"min_transaction_count,omitempty"`
	BatchIDPattern      string `json:"batch_id_pattern,omitempty"`
}

// SearchMatch pairs a matched descriptor with why and how strongly it
// matched.
type SearchMatch struct {
	Batch          BatchDescriptor `json:"batch"`
	MatchReason    string          `json:"match_reason"`
	RelevanceScore float64         `json:"relevance_score"`
}

// SearchResult carries ranked matches plus guidance when nothing matched.
type SearchResult struct {
	Matches     []SearchMatch `json:"matches"`
	Incomplete  bool          `json:"incomplete,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// MaxSearchResults caps SearchBatches result sizes.
const MaxSearchResults = 200

// SearchBatches finds batches by flexible criteria: scope fields, Merkle
// root, batch id substring, or containment of a specific transaction hash.
// Hash containment requires fetching batch contents, so that scan is bounded
// to the most relevant candidates.
func (c *Client) SearchBatches(ctx context.Context, criteria SearchCriteria, maxResults int) (*SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 50
	}
	if maxResults > MaxSearchResults {
		maxResults = MaxSearchResults
	}

	con := constraint{Database: criteria.Database, Table: criteria.Table}
	if criteria.TimeStart != "" {
		t, err := parseHintTime(criteria.TimeStart)
		if err != nil {
			return nil, &InvalidHintError{Field: "time_start", Reason: err.Error()}
		}
		con.TimeStart = t
	}
	if criteria.TimeEnd != "" {
		t, err := parseHintTime(criteria.TimeEnd)
		if err != nil {
			return nil, &InvalidHintError{Field: "time_end", Reason: err.Error()}
		}
		con.TimeEnd = t
	}

	var wantRoot digest.Digest
	if criteria.MerkleRoot != "" {
		root, err := digest.Parse(criteria.MerkleRoot)
		if err != nil {
			return nil, &InvalidHintError{Field: "merkle_root", Reason: err.Error()}
		}
		wantRoot = root
	}
	var wantHash digest.Digest
	if criteria.TransactionHash != "" {
		h, err := digest.Parse(criteria.TransactionHash)
		if err != nil {
			return nil, &InvalidHintError{Field: "transaction_hash", Reason: err.Error()}
		}
		wantHash = h
	}

	filter := BatchFilter{
		Database:            con.Database,
		Table:               con.Table,
		TimeStart:           con.TimeStart,
		TimeEnd:             con.TimeEnd,
		MinTransactionCount: criteria.MinTransactionCount,
	}
	bounded := con.empty() && criteria.MinTransactionCount == 0
	if bounded {
		filter.Limit = c.maxUnconstrained
	}

	batches, err := c.ledger.QueryBatchIndex(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query batch index: %w", err)
	}

	result := &SearchResult{Incomplete: bounded && len(batches) == c.maxUnconstrained}
	cands := rankCandidates(con, batches)

	scanBudget := c.hashScanLimit
	for _, cand := range cands {
		reasons, score, keep := c.matchBatch(ctx, &cand, con, criteria, wantRoot, wantHash, &scanBudget)
		if !keep {
			continue
		}
		result.Matches = append(result.Matches, SearchMatch{
			Batch:          cand.BatchDescriptor,
			MatchReason:    strings.Join(reasons, ", "),
			RelevanceScore: score,
		})
		if len(result.Matches) >= maxResults {
			break
		}
	}

	if len(result.Matches) == 0 {
		result.Suggestions = []string{
			"Try expanding the time range if searching by date",
			"Check if the database or table name is spelled correctly",
			"Use list_batches to see all available batches",
			"Try searching without specific criteria to see recent batches",
		}
	}
	return result, nil
}

// matchBatch applies the post-index criteria to one candidate and builds its
// match reason. The hash-containment scan decrements *scanBudget; once the
// budget is spent, hash searches stop matching further batches.
func (c *Client) matchBatch(ctx context.Context, cand *candidate, con constraint, criteria SearchCriteria,
	wantRoot, wantHash digest.Digest, scanBudget *int) ([]string, float64, bool) {

	var reasons []string
	score := cand.score

	if criteria.Database != "" && cand.Database == criteria.Database {
		reasons = append(reasons, "database match")
	}
	if criteria.Table != "" && cand.HasTable(criteria.Table) {
		reasons = append(reasons, "table match")
	}
	if con.hasTimeRange() && inRange(cand.Timestamp, con.TimeStart, con.TimeEnd) {
		reasons = append(reasons, "within time range")
	}
	if criteria.MinTransactionCount > 0 {
		if cand.TransactionCount < criteria.MinTransactionCount {
			return nil, 0, false
		}
		reasons = append(reasons, "transaction count threshold")
	}
	if !wantRoot.IsZero() {
		if !cand.MerkleRoot.Equal(wantRoot) {
			return nil, 0, false
		}
		reasons = append(reasons, "merkle root match")
		score += scoreMerkleRootMatch
	}
	if criteria.BatchIDPattern != "" {
		if !strings.Contains(strings.ToLower(cand.BatchID), strings.ToLower(criteria.BatchIDPattern)) {
			return nil, 0, false
		}
		reasons = append(reasons, "batch id pattern")
		score += scoreIDPattern
	}
	if !wantHash.IsZero() {
		if *scanBudget <= 0 {
			return nil, 0, false
		}
		*scanBudget--
		contents, err := c.store.FetchBatchContents(ctx, cand.StorageRef)
		if err != nil {
			c.logger.Warn("search: fetch batch contents",
				zap.String("batch_id", cand.BatchID), zap.Error(err))
			return nil, 0, false
		}
		if len(contents.FindLeaves(wantHash)) == 0 {
			return nil, 0, false
		}
		reasons = append(reasons, "contains transaction hash")
		score += scoreHashFound
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "recent batch")
	}
	return reasons, score, true
}

// ── listing ──────────────────────────────────────────────────────────────────

// OrderBy names a ListBatches sort order.
type OrderBy string

const (
	OrderTimestampDesc OrderBy = "timestamp_desc"
	OrderTimestampAsc  OrderBy = "timestamp_asc"
	OrderCountDesc     OrderBy = "count_desc"
	OrderCountAsc      OrderBy = "count_asc"
)

// ParseOrderBy validates s, defaulting to newest-first when empty.
func ParseOrderBy(s string) (OrderBy, error) {
	switch o := OrderBy(s); o {
	case "":
		return OrderTimestampDesc, nil
	case OrderTimestampDesc, OrderTimestampAsc, OrderCountDesc, OrderCountAsc:
		return o, nil
	default:
		return "", fmt.Errorf("unknown order_by %q", s)
	}
}

// ListFilter narrows ListBatches. Timestamps follow the Hint rules.
type ListFilter struct {
	Database            string `json:"database_name,omitempty"`
	Table               string `json:"table_name,omitempty"`
	TimeStart           string `json:"time_start,omitempty"`
	TimeEnd             string `json:"time_end,omitempty"`
	MinTransactionCount int    `json:"min_transaction_count,omitempty"`
	MaxTransactionCount int    `json:"max_transaction_count,omitempty"`
}

// BatchPage is one page of ListBatches results.
type BatchPage struct {
	Batches    []BatchDescriptor `json:"batches"`
	TotalCount int               `json:"total_count"`
	Offset     int               `json:"offset"`
	Limit      int               `json:"limit"`
	HasMore    bool              `json:"has_more"`
}

// MaxListLimit caps ListBatches page sizes.
const MaxListLimit = 1000

// ListBatches returns a page of batch descriptors ordered by orderBy.
func (c *Client) ListBatches(ctx context.Context, filter *ListFilter, limit, offset int, orderBy OrderBy) (*BatchPage, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if orderBy == "" {
		orderBy = OrderTimestampDesc
	}

	var f BatchFilter
	if filter != nil {
		f = BatchFilter{
			Database:            filter.Database,
			Table:               filter.Table,
			MinTransactionCount: filter.MinTransactionCount,
			MaxTransactionCount: filter.MaxTransactionCount,
		}
		if filter.TimeStart != "" {
			t, err := parseHintTime(filter.TimeStart)
			if err != nil {
				return nil, &InvalidHintError{Field: "time_start", Reason: err.Error()}
			}
			f.TimeStart = t
		}
		if filter.TimeEnd != "" {
			t, err := parseHintTime(filter.TimeEnd)
			if err != nil {
				return nil, &InvalidHintError{Field: "time_end", Reason: err.Error()}
			}
			f.TimeEnd = t
		}
	}

	filtered := f != (BatchFilter{})

	// The unfiltered newest-first page comes straight off the index, which
	// already returns descriptors in that order; anything else needs the
	// matching population in hand before sorting and slicing.
	if !filtered && orderBy == OrderTimestampDesc {
		total, err := c.ledger.BatchCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("batch count: %w", err)
		}
		f.Limit = limit
		f.Offset = offset
		batches, err := c.ledger.QueryBatchIndex(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("query batch index: %w", err)
		}
		return &BatchPage{
			Batches:    batches,
			TotalCount: total,
			Offset:     offset,
			Limit:      limit,
			HasMore:    offset+len(batches) < total,
		}, nil
	}

	batches, err := c.ledger.QueryBatchIndex(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query batch index: %w", err)
	}
	sortBatches(batches, orderBy)

	total := len(batches)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &BatchPage{
		Batches:    batches[offset:end],
		TotalCount: total,
		Offset:     offset,
		Limit:      limit,
		HasMore:    end < total,
	}, nil
}

func sortBatches(batches []BatchDescriptor, orderBy OrderBy) {
	sort.Slice(batches, func(i, j int) bool {
		a, b := &batches[i], &batches[j]
		switch orderBy {
		case OrderTimestampAsc:
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.BatchID < b.BatchID
		case OrderCountDesc:
			if a.TransactionCount != b.TransactionCount {
				return a.TransactionCount > b.TransactionCount
			}
			return a.BatchID > b.BatchID
		case OrderCountAsc:
			if a.TransactionCount != b.TransactionCount {
				return a.TransactionCount < b.TransactionCount
			}
			return a.BatchID < b.BatchID
		default: // newest first
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.BatchID > b.BatchID
		}
	})
}

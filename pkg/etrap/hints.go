package etrap

import (
	"fmt"
	"regexp"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/record"
)

// Hint carries optional caller-supplied constraints that narrow the batch
// search. An empty hint is valid and means an unconstrained search.
// Timestamps are ISO-8601 with an explicit UTC offset; timezone-less values
// are rejected rather than guessed at.
type Hint struct {
	BatchID           string `json:"batch_id,omitempty"`
	Database          string `json:"database_name,omitempty"`
	Table             string `json:"table_name,omitempty"`
	TimeStart         string `json:"time_start,omitempty"`
	TimeEnd           string `json:"time_end,omitempty"`
	ExpectedOperation string `json:"expected_operation,omitempty"`
}

// constraint is a validated, normalized search constraint. Zero-valued
// fields are unconstrained; times are UTC and the range is half-open
// [TimeStart, TimeEnd).
type constraint struct {
	BatchID   string
	Database  string
	Table     string
	TimeStart time.Time
	TimeEnd   time.Time
	Operation record.Operation
}

func (c constraint) hasTimeRange() bool {
	return !c.TimeStart.IsZero() || !c.TimeEnd.IsZero()
}

// empty reports whether the constraint narrows nothing, which triggers the
// bounded-cost guard in search.
func (c constraint) empty() bool {
	return c.BatchID == "" && c.Database == "" && c.Table == "" && !c.hasTimeRange()
}

// Batch ids embed their creation date and sort lexicographically:
// BATCH-2025-06-14-abc123.
var batchIDPattern = regexp.MustCompile(`^BATCH-\d{4}-\d{2}-\d{2}-[A-Za-z0-9]+$`)

// ValidBatchID reports whether s has the anchored batch identifier shape.
func ValidBatchID(s string) bool {
	return batchIDPattern.MatchString(s)
}

// resolveHint validates h and merges it with the record's own scope fields
// into a search constraint. The hint wins where both specify a value; the
// record's database, table and operation are defaults, not conflicts.
//
// When the hint names a batch id, the remaining fields are advisory only:
// search short-circuits to a single-candidate lookup.
func resolveHint(h *Hint, rec *record.Record) (constraint, error) {
	var c constraint
	if rec != nil {
		c.Database = rec.Database
		c.Table = rec.Table
		c.Operation = rec.Operation
	}
	if h == nil {
		return c, nil
	}

	if h.BatchID != "" {
		if !ValidBatchID(h.BatchID) {
			return constraint{}, &InvalidHintError{Field: "batch_id", Reason: "must look like BATCH-YYYY-MM-DD-<suffix>"}
		}
		c.BatchID = h.BatchID
	}
	if h.Database != "" {
		c.Database = h.Database
	}
	if h.Table != "" {
		c.Table = h.Table
	}

	if h.TimeStart != "" {
		t, err := parseHintTime(h.TimeStart)
		if err != nil {
			return constraint{}, &InvalidHintError{Field: "time_start", Reason: err.Error()}
		}
		c.TimeStart = t
	}
	if h.TimeEnd != "" {
		t, err := parseHintTime(h.TimeEnd)
		if err != nil {
			return constraint{}, &InvalidHintError{Field: "time_end", Reason: err.Error()}
		}
		c.TimeEnd = t
	}
	if !c.TimeStart.IsZero() && !c.TimeEnd.IsZero() && !c.TimeStart.Before(c.TimeEnd) {
		return constraint{}, &InvalidHintError{Field: "time_start", Reason: "time range start must be before end"}
	}

	if h.ExpectedOperation != "" {
		op, err := record.ParseOperation(h.ExpectedOperation)
		if err != nil {
			return constraint{}, &InvalidHintError{Field: "expected_operation", Reason: err.Error()}
		}
		c.Operation = op
	}

	return c, nil
}

// naiveTimeLayouts match well-formed timestamps that omit the UTC offset.
// Such values are ambiguous (local vs UTC) and rejected outright.
var naiveTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseHintTime parses an ISO-8601 timestamp with a required offset and
// normalizes it to UTC.
func parseHintTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, fmt.Errorf("timezone offset required (use Z or +hh:mm): %q", s)
		}
	}
	return time.Time{}, fmt.Errorf("must be an ISO-8601 timestamp: %q", s)
}

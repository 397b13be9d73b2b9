// Package record models audited database transactions and derives their
// canonical content digests.
//
// A record's identity is its digest: a SHA-256 over a versioned, type-tagged
// serialization of the column values, sorted by column name. Database, table
// and operation scope the batch search but are deliberately excluded from the
// digest — the same row data inserted and later deleted hashes identically,
// which is why verification accepts an expected operation to tell the two
// events apart.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Operation is a database change kind recorded in the audit trail.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation normalizes s to an Operation, case-insensitively.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OpInsert, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Known reports whether op is one of the recorded operation kinds.
func (op Operation) Known() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is a single audited database transaction.
//
// Columns maps column names to values. Supported value types are nil, bool,
// the built-in integer types, float32/float64, string, time.Time and
// json.Number (integers stay integers, everything else parses as float).
// Any other type makes Digest fail with an EncodingError.
type Record struct {
	Database  string         `json:"database,omitempty"`
	Table     string         `json:"table,omitempty"`
	Operation Operation      `json:"operation,omitempty"`
	Columns   map[string]any `json:"columns"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

// Validate checks the fields that scope verification. Columns content is
// checked separately by Digest.
func (r *Record) Validate() error {
	if len(r.Columns) == 0 {
		return fmt.Errorf("record has no column values")
	}
	if r.Operation != "" && !r.Operation.Known() {
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	return nil
}

// EncodingError reports a column value the canonical encoding cannot
// represent.
type EncodingError struct {
	Column string
	Value  any
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("column %q: cannot encode value of type %T", e.Column, e.Value)
}

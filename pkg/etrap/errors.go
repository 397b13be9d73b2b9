package etrap

import (
	"context"
	"errors"
	"fmt"
)

// ErrBatchNotFound is returned by ledger lookups for batch ids the contract
// has never anchored. It is a permanent condition, never retried.
var ErrBatchNotFound = errors.New("batch not found")

// InvalidHintError reports a hint field that failed validation. Invalid
// hints are rejected before any verification work begins, never silently
// dropped.
type InvalidHintError struct {
	Field  string
	Reason string
}

func (e *InvalidHintError) Error() string {
	return fmt.Sprintf("invalid hint %s: %s", e.Field, e.Reason)
}

// isCancelled reports whether err stems from context cancellation or
// deadline expiry.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package etrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/etrap-labs/etrap-go/pkg/record"
	"go.uber.org/zap"
)

// BatchItem is one entry of a VerifyMany request: a record with its own
// optional hint.
type BatchItem struct {
	Record *record.Record `json:"record"`
	Hint   *Hint          `json:"hint,omitempty"`
}

// BatchOptions tune a VerifyMany run.
type BatchOptions struct {
	// FailFast cancels the remaining items after the first verdict that is
	// not Verified. Completed verdicts are kept; unprocessed items come back
	// as cancelled errors.
	FailFast bool
}

// BatchSummary aggregates a VerifyMany run.
type BatchSummary struct {
	Total     int             `json:"total"`
	ByOutcome map[Outcome]int `json:"by_outcome"`
	Verified  int             `json:"verified"`
}

// VerifyMany fans items out to independent VerifyTransaction runs under a
// bounded worker pool and returns one verdict per item, in input order
// regardless of completion order. One item's failure never aborts the
// others; per-item request-shape errors become Error verdicts here so the
// batch boundary never raises. Deadline expiry on ctx marks still-pending
// items as cancelled while keeping verdicts already produced.
func (c *Client) VerifyMany(ctx context.Context, items []BatchItem, opts BatchOptions) []*Verdict {
	verdicts := make([]*Verdict, len(items))
	if len(items) == 0 {
		return verdicts
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Results land at their request index; no post-hoc sorting.
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(idx int, item BatchItem) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				verdicts[idx] = cancelledVerdict(runCtx.Err())
				return
			}
			if runCtx.Err() != nil {
				verdicts[idx] = cancelledVerdict(runCtx.Err())
				return
			}

			v, err := c.VerifyTransaction(runCtx, item.Record, item.Hint)
			if err != nil {
				v = &Verdict{
					Outcome:      OutcomeError,
					LeafPosition: -1,
					Reason:       err.Error(),
					Err:          err,
				}
			}
			verdicts[idx] = v

			if opts.FailFast && v.Outcome != OutcomeVerified {
				c.logger.Debug("fail-fast: aborting remaining items",
					zap.Int("index", idx),
					zap.String("outcome", string(v.Outcome)),
				)
				cancel()
			}
		}(i, items[i])
	}
	wg.Wait()

	// A worker cancelled mid-verification reports through its own verdict;
	// this covers only slots that never ran.
	for i, v := range verdicts {
		if v == nil {
			verdicts[i] = cancelledVerdict(runCtx.Err())
		}
	}
	return verdicts
}

func cancelledVerdict(cause error) *Verdict {
	reason := "cancelled before verification started"
	if cause != nil {
		reason = fmt.Sprintf("cancelled before verification started: %v", cause)
	}
	return &Verdict{
		Outcome:      OutcomeError,
		LeafPosition: -1,
		Reason:       reason,
		Err:          cause,
	}
}

// Summarize aggregates verdicts into per-outcome counts.
func Summarize(verdicts []*Verdict) BatchSummary {
	s := BatchSummary{Total: len(verdicts), ByOutcome: make(map[Outcome]int)}
	for _, v := range verdicts {
		if v == nil {
			continue
		}
		s.ByOutcome[v.Outcome]++
		if v.Outcome == OutcomeVerified {
			s.Verified++
		}
	}
	return s
}

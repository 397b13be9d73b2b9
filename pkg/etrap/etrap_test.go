package etrap_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/etrap"
	"github.com/etrap-labs/etrap-go/pkg/merkle"
	"github.com/etrap-labs/etrap-go/pkg/record"
)

// fakeLedger implements etrap.LedgerClient over an in-memory batch index.
type fakeLedger struct {
	mu      sync.Mutex
	batches map[string]*etrap.BatchDescriptor

	getCalls   atomic.Int32
	queryCalls atomic.Int32
	getErr     error
	queryErr   error
}

func newFakeLedger(batches ...*etrap.BatchDescriptor) *fakeLedger {
	l := &fakeLedger{batches: make(map[string]*etrap.BatchDescriptor)}
	for _, b := range batches {
		l.batches[b.BatchID] = b
	}
	return l
}

func (l *fakeLedger) GetBatch(ctx context.Context, batchID string) (*etrap.BatchDescriptor, error) {
	l.getCalls.Add(1)
	if l.getErr != nil {
		return nil, l.getErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[batchID]
	if !ok {
		return nil, etrap.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (l *fakeLedger) QueryBatchIndex(ctx context.Context, f etrap.BatchFilter) ([]etrap.BatchDescriptor, error) {
	l.queryCalls.Add(1)
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []etrap.BatchDescriptor
	for _, b := range l.batches {
		if f.Database != "" && b.Database != f.Database {
			continue
		}
		if f.Table != "" && !b.HasTable(f.Table) {
			continue
		}
		if !f.TimeStart.IsZero() && b.Timestamp.Before(f.TimeStart) {
			continue
		}
		if !f.TimeEnd.IsZero() && !b.Timestamp.Before(f.TimeEnd) {
			continue
		}
		if f.MinTransactionCount > 0 && b.TransactionCount < f.MinTransactionCount {
			continue
		}
		if f.MaxTransactionCount > 0 && b.TransactionCount > f.MaxTransactionCount {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].BatchID > out[j].BatchID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *fakeLedger) BatchCount(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches), nil
}

// fakeStore implements etrap.StorageClient, keyed by StorageRef.Key.
// An optional per-key delay simulates out-of-order collaborator latency.
type fakeStore struct {
	mu       sync.Mutex
	contents map[string]*etrap.BatchContents
	delays   map[string]time.Duration

	fetchCalls atomic.Int32
	fetchErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contents: make(map[string]*etrap.BatchContents),
		delays:   make(map[string]time.Duration),
	}
}

func (s *fakeStore) FetchBatchContents(ctx context.Context, ref etrap.StorageRef) (*etrap.BatchContents, error) {
	s.fetchCalls.Add(1)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	s.mu.Lock()
	delay := s.delays[ref.Key]
	bc, ok := s.contents[ref.Key]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no contents stored under %q", ref.Key)
	}
	return bc, nil
}

// merkleize builds a Merkle tree over hashes, duplicating the last node of
// odd levels, and returns the root plus each leaf's proof path.
func merkleize(hashes []digest.Digest) (digest.Digest, [][]merkle.Step) {
	n := len(hashes)
	proofs := make([][]merkle.Step, n)
	if n == 1 {
		return hashes[0], proofs
	}

	pos := make([]int, n)
	for i := range pos {
		pos[i] = i
	}
	level := append([]digest.Digest(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		for l := 0; l < n; l++ {
			i := pos[l]
			if i%2 == 0 {
				proofs[l] = append(proofs[l], merkle.Step{Sibling: level[i+1], Side: merkle.SideRight})
			} else {
				proofs[l] = append(proofs[l], merkle.Step{Sibling: level[i-1], Side: merkle.SideLeft})
			}
			pos[l] = i / 2
		}
		next := make([]digest.Digest, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = merkle.Combine(level[i], level[i+1])
		}
		level = next
	}
	return level[0], proofs
}

// testBatch is a fully wired anchored batch for tests: descriptor plus the
// contents the fake store serves for it.
type testBatch struct {
	desc     *etrap.BatchDescriptor
	contents *etrap.BatchContents
}

// makeBatch anchors the given records into a batch and returns matching
// descriptor and contents.
func makeBatch(batchID, database string, ts time.Time, recs ...*record.Record) testBatch {
	hashes := make([]digest.Digest, len(recs))
	tables := map[string]bool{}
	var counts etrap.OperationCounts
	for i, r := range recs {
		h, err := r.Digest()
		if err != nil {
			panic(err)
		}
		hashes[i] = h
		if r.Table != "" {
			tables[r.Table] = true
		}
		switch r.Operation {
		case record.OpInsert:
			counts.Inserts++
		case record.OpUpdate:
			counts.Updates++
		case record.OpDelete:
			counts.Deletes++
		}
	}
	root, proofs := merkleize(hashes)

	leaves := make([]etrap.BatchLeaf, len(recs))
	for i := range recs {
		leaves[i] = etrap.BatchLeaf{
			Index:     i,
			Hash:      hashes[i],
			Operation: recs[i].Operation,
			Proof:     merkle.Proof{LeafIndex: i, Path: proofs[i]},
		}
	}

	tableNames := make([]string, 0, len(tables))
	for name := range tables {
		tableNames = append(tableNames, name)
	}
	sort.Strings(tableNames)

	return testBatch{
		desc: &etrap.BatchDescriptor{
			BatchID:          batchID,
			Database:         database,
			Tables:           tableNames,
			TransactionCount: len(recs),
			OperationCounts:  counts,
			MerkleRoot:       root,
			Timestamp:        ts,
			StorageRef:       etrap.StorageRef{Bucket: "etrap-test", Key: batchID},
		},
		contents: &etrap.BatchContents{Algorithm: "sha256", Root: root, Leaves: leaves},
	}
}

// newTestClient wires a client over the fakes with small, deterministic
// tunables.
func newTestClient(ledger *fakeLedger, store *fakeStore, opts ...etrap.Option) *etrap.Client {
	base := []etrap.Option{
		etrap.WithWorkers(4),
		etrap.WithMaxUnconstrainedCandidates(10),
	}
	c, err := etrap.New(ledger, store, append(base, opts...)...)
	if err != nil {
		panic(err)
	}
	return c
}

func install(ledger *fakeLedger, store *fakeStore, batches ...testBatch) {
	for _, b := range batches {
		ledger.mu.Lock()
		ledger.batches[b.desc.BatchID] = b.desc
		ledger.mu.Unlock()
		store.mu.Lock()
		store.contents[b.desc.StorageRef.Key] = b.contents
		store.mu.Unlock()
	}
}

func orderRecord(id int, amount float64) *record.Record {
	return &record.Record{
		Database:  "prod",
		Table:     "orders",
		Operation: record.OpInsert,
		Columns:   map[string]any{"id": id, "amount": amount, "currency": "USD"},
	}
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

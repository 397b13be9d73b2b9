package mcpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/etrap-labs/etrap-go/internal/config"
	"github.com/etrap-labs/etrap-go/internal/mcpserver"
	"github.com/etrap-labs/etrap-go/internal/near"
	"github.com/etrap-labs/etrap-go/pkg/etrap"
	"github.com/etrap-labs/etrap-go/pkg/merkle"
	"github.com/etrap-labs/etrap-go/pkg/record"
	"go.uber.org/zap"
)

const fixtureBatchID = "BATCH-2025-07-01-abc123"

type fakeLedger struct {
	batches map[string]etrap.BatchDescriptor
}

func (f *fakeLedger) GetBatch(_ context.Context, batchID string) (*etrap.BatchDescriptor, error) {
	b, ok := f.batches[batchID]
	if !ok {
		return nil, etrap.ErrBatchNotFound
	}
	return &b, nil
}

func (f *fakeLedger) QueryBatchIndex(_ context.Context, filter etrap.BatchFilter) ([]etrap.BatchDescriptor, error) {
	var out []etrap.BatchDescriptor
	for _, b := range f.batches {
		if filter.Database != "" && b.Database != filter.Database {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeLedger) BatchCount(context.Context) (int, error) {
	return len(f.batches), nil
}

type fakeStore struct {
	contents map[string]*etrap.BatchContents
}

func (f *fakeStore) FetchBatchContents(_ context.Context, ref etrap.StorageRef) (*etrap.BatchContents, error) {
	bc, ok := f.contents[ref.Key]
	if !ok {
		return nil, fmt.Errorf("no object at %s", ref.Key)
	}
	return bc, nil
}

type fakeContract struct {
	stats    *near.ContractStats
	statsErr error
	tokens   map[string]*near.NFTToken
}

func (f *fakeContract) ContractStats(context.Context) (*near.ContractStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeContract) NFTToken(_ context.Context, tokenID string) (*near.NFTToken, error) {
	tok, ok := f.tokens[tokenID]
	if !ok {
		return nil, etrap.ErrBatchNotFound
	}
	return tok, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Organization:  "acme",
		Network:       "testnet",
		Timeout:       30 * time.Second,
		CacheTTL:      5 * time.Minute,
		MaxRetries:    3,
		AWSRegion:     "us-west-2",
		Workers:       4,
		CacheCapacity: 64,
		RPCRateLimit:  10,
	}
}

// newRegistry builds a registry over one anchored single-transaction batch.
// A single-leaf tree's root equals the leaf hash and its proof path is empty.
func newRegistry(t *testing.T) (*mcpserver.ToolRegistry, *fakeContract) {
	t.Helper()

	rec := &record.Record{
		Database:  "prod",
		Table:     "orders",
		Operation: record.OpInsert,
		Columns:   map[string]any{"id": 1, "amount": 999.99},
	}
	d, err := rec.Digest()
	if err != nil {
		t.Fatal(err)
	}

	ledger := &fakeLedger{batches: map[string]etrap.BatchDescriptor{
		fixtureBatchID: {
			BatchID:          fixtureBatchID,
			Database:         "prod",
			Tables:           []string{"orders"},
			TransactionCount: 1,
			OperationCounts:  etrap.OperationCounts{Inserts: 1},
			MerkleRoot:       d,
			Timestamp:        time.Date(2025, 7, 1, 9, 55, 0, 0, time.UTC),
			StorageRef:       etrap.StorageRef{Bucket: "etrap-acme", Key: "prod/" + fixtureBatchID},
		},
	}}
	store := &fakeStore{contents: map[string]*etrap.BatchContents{
		"prod/" + fixtureBatchID: {
			Algorithm: "sha256",
			Root:      d,
			Leaves: []etrap.BatchLeaf{{
				Index:     0,
				Hash:      d,
				Operation: record.OpInsert,
				Proof:     merkle.Proof{LeafIndex: 0},
			}},
		},
	}}

	engine, err := etrap.New(ledger, store, etrap.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}

	contract := &fakeContract{
		stats: &near.ContractStats{
			TotalBatches:      1,
			TotalTransactions: 1,
			Databases:         []string{"prod"},
			EarliestTimestamp: 1751363700000,
			LatestTimestamp:   1751363700000,
		},
		tokens: map[string]*near.NFTToken{},
	}
	return mcpserver.NewToolRegistry(engine, contract, testConfig(), "https://rpc.testnet.near.org"), contract
}

func call(t *testing.T, r *mcpserver.ToolRegistry, name, args string) (string, bool) {
	t.Helper()
	return r.Call(context.Background(), name, json.RawMessage(args))
}

func decode(t *testing.T, text string) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		t.Fatalf("tool output is not JSON: %v\n%s", err, text)
	}
	return v
}

func TestVerifyTransactionTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "verify_transaction", `{
		"transaction_data": {"id": 1, "amount": 999.99},
		"hints": {"database_name": "prod", "table_name": "orders"}
	}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	if out["verified"] != true || out["outcome"] != "VERIFIED" {
		t.Errorf("verdict wrong: %v", out)
	}
	if out["batch_id"] != fixtureBatchID {
		t.Errorf("batch_id: got %v", out["batch_id"])
	}
	if _, ok := out["processing_time_ms"]; !ok {
		t.Error("processing_time_ms missing")
	}
	if out["merkle_proof"] == nil {
		t.Error("merkle_proof missing on verified verdict")
	}
}

func TestVerifyTransactionTool_structuredRecord(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "verify_transaction", `{
		"transaction_data": {
			"database": "prod", "table": "orders", "operation": "INSERT",
			"columns": {"id": 1, "amount": 999.99}
		}
	}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	if out := decode(t, text); out["outcome"] != "VERIFIED" {
		t.Errorf("outcome: got %v", out["outcome"])
	}
}

// JSON integers must keep their integer identity through the tool boundary:
// a digest recorded upstream from integer-typed columns has to match the
// digest of the same values arriving as JSON. The id here sits past float64
// precision, so any float coercion changes both the type tag and the value.
func TestVerifyTransactionTool_integerIdentity(t *testing.T) {
	const batchID = "BATCH-2025-07-02-def456"
	rec := &record.Record{
		Database:  "prod",
		Table:     "ledger_entries",
		Operation: record.OpInsert,
		Columns:   map[string]any{"id": int64(9007199254740993), "note": "precision"},
	}
	d, err := rec.Digest()
	if err != nil {
		t.Fatal(err)
	}

	ledger := &fakeLedger{batches: map[string]etrap.BatchDescriptor{
		batchID: {
			BatchID:          batchID,
			Database:         "prod",
			Tables:           []string{"ledger_entries"},
			TransactionCount: 1,
			MerkleRoot:       d,
			Timestamp:        time.Date(2025, 7, 2, 8, 0, 0, 0, time.UTC),
			StorageRef:       etrap.StorageRef{Bucket: "etrap-acme", Key: "prod/" + batchID},
		},
	}}
	store := &fakeStore{contents: map[string]*etrap.BatchContents{
		"prod/" + batchID: {
			Algorithm: "sha256",
			Root:      d,
			Leaves: []etrap.BatchLeaf{{
				Index:     0,
				Hash:      d,
				Operation: record.OpInsert,
				Proof:     merkle.Proof{LeafIndex: 0},
			}},
		},
	}}
	engine, err := etrap.New(ledger, store, etrap.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	r := mcpserver.NewToolRegistry(engine, &fakeContract{}, testConfig(), "https://rpc.testnet.near.org")

	text, isErr := call(t, r, "verify_transaction", `{
		"transaction_data": {"id": 9007199254740993, "note": "precision"},
		"hints": {"database_name": "prod", "table_name": "ledger_entries"}
	}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	if out := decode(t, text); out["outcome"] != "VERIFIED" {
		t.Errorf("outcome: got %v, want VERIFIED", out["outcome"])
	}
}

func TestVerifyTransactionTool_badInput(t *testing.T) {
	r, _ := newRegistry(t)

	cases := []struct {
		name string
		args string
	}{
		{"missing data", `{}`},
		{"empty object", `{"transaction_data": {}}`},
		{"bad hint time", `{"transaction_data": {"id": 1}, "hints": {"time_start": "2025-07-01 09:54:00"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, isErr := call(t, r, "verify_transaction", tc.args); !isErr {
				t.Error("want tool error")
			}
		})
	}
}

func TestVerifyBatchTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "verify_batch", `{
		"transactions": [
			{"id": 1, "amount": 999.99},
			{"id": 2, "amount": 1.50}
		],
		"hints": {"database_name": "prod", "table_name": "orders"}
	}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	results := out["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results: got %d, want 2", len(results))
	}
	if results[0].(map[string]any)["outcome"] != "VERIFIED" {
		t.Errorf("first result: %v", results[0])
	}
	if results[1].(map[string]any)["outcome"] != "NOT_FOUND" {
		t.Errorf("second result: %v", results[1])
	}
	summary := out["summary"].(map[string]any)
	if summary["verified"] != float64(1) || summary["total"] != float64(2) {
		t.Errorf("summary wrong: %v", summary)
	}
	if summary["success_rate"] != 0.5 {
		t.Errorf("success_rate: got %v", summary["success_rate"])
	}
}

func TestGetBatchTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "get_batch", fmt.Sprintf(`{"batch_id": %q}`, fixtureBatchID))
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	if out["batch_id"] != fixtureBatchID || out["database_name"] != "prod" {
		t.Errorf("descriptor wrong: %v", out)
	}

	if _, isErr := call(t, r, "get_batch", `{"batch_id": "BATCH-2099-01-01-nope"}`); !isErr {
		t.Error("unknown batch must be a tool error")
	}
	if _, isErr := call(t, r, "get_batch", `{}`); !isErr {
		t.Error("missing batch_id must be a tool error")
	}
}

func TestListBatchesTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "list_batches", `{"limit": 10}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	if out["total_count"] != float64(1) || out["has_more"] != false {
		t.Errorf("page wrong: %v", out)
	}

	if _, isErr := call(t, r, "list_batches", `{"order_by": "alphabetical"}`); !isErr {
		t.Error("bad order_by must be a tool error")
	}
}

func TestSearchBatchesTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "search_batches", `{"criteria": {"database_name": "prod"}}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	matches := out["matches"].([]any)
	if len(matches) != 1 {
		t.Fatalf("matches: got %d, want 1", len(matches))
	}
	if reason := matches[0].(map[string]any)["match_reason"].(string); !strings.Contains(reason, "database match") {
		t.Errorf("match_reason: got %q", reason)
	}

	text, isErr = call(t, r, "search_batches", `{"criteria": {"database_name": "analytics"}}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	if out := decode(t, text); out["suggestions"] == nil {
		t.Error("empty search must carry suggestions")
	}
}

func TestGetNFTTool(t *testing.T) {
	r, contract := newRegistry(t)
	contract.tokens[fixtureBatchID] = &near.NFTToken{
		TokenID: fixtureBatchID,
		OwnerID: "acme.testnet",
	}

	text, isErr := call(t, r, "get_nft", fmt.Sprintf(`{"nft_token_id": %q}`, fixtureBatchID))
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	if out := decode(t, text); out["owner_id"] != "acme.testnet" {
		t.Errorf("token wrong: %v", out)
	}

	if _, isErr := call(t, r, "get_nft", `{"nft_token_id": "BATCH-2099-01-01-nope"}`); !isErr {
		t.Error("unknown token must be a tool error")
	}
}

func TestGetContractInfoTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "get_contract_info", `{}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	if out["contract_id"] != "acme.testnet" || out["total_batches"] != float64(1) {
		t.Errorf("info wrong: %v", out)
	}
	if out["earliest_batch"] != "2025-07-01T09:55:00Z" {
		t.Errorf("earliest_batch: got %v", out["earliest_batch"])
	}
}

func TestGetContractInfoTool_statsUnavailable(t *testing.T) {
	r, contract := newRegistry(t)
	contract.statsErr = fmt.Errorf("rpc unreachable")

	text, isErr := call(t, r, "get_contract_info", `{}`)
	if isErr {
		t.Fatalf("stats failure must degrade, not error: %s", text)
	}
	out := decode(t, text)
	if out["contract_id"] != "acme.testnet" {
		t.Errorf("config basics missing: %v", out)
	}
	if out["stats_error"] == nil {
		t.Error("stats_error missing")
	}
}

func TestGetConfigTool(t *testing.T) {
	r, _ := newRegistry(t)

	text, isErr := call(t, r, "get_config", `{}`)
	if isErr {
		t.Fatalf("tool errored: %s", text)
	}
	out := decode(t, text)
	if out["organization"] != "acme" || out["network"] != "testnet" || out["contract_id"] != "acme.testnet" {
		t.Errorf("config wrong: %v", out)
	}
	if out["cache_ttl_seconds"] != float64(300) {
		t.Errorf("cache_ttl_seconds: got %v", out["cache_ttl_seconds"])
	}
}

func TestUnknownTool(t *testing.T) {
	r, _ := newRegistry(t)
	if _, isErr := call(t, r, "mint_batch", `{}`); !isErr {
		t.Error("unknown tool must be a tool error")
	}
}

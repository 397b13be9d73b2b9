package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/etrap-labs/etrap-go/internal/config"
	"github.com/etrap-labs/etrap-go/internal/near"
	"github.com/etrap-labs/etrap-go/pkg/etrap"
	"github.com/etrap-labs/etrap-go/pkg/record"
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// ContractReader provides the supplemental ledger reads the tool surface
// exposes beyond verification itself.
type ContractReader interface {
	ContractStats(ctx context.Context) (*near.ContractStats, error)
	NFTToken(ctx context.Context, tokenID string) (*near.NFTToken, error)
}

// ToolRegistry holds the verification engine, the contract reader and the
// definitions/handlers for all tools.
type ToolRegistry struct {
	engine     *etrap.Client
	contract   ContractReader
	cfg        *config.Config
	contractID string
	endpoint   string
	defs       []ToolDefinition
}

// NewToolRegistry creates a ToolRegistry backed by the given engine and
// ledger reader.
func NewToolRegistry(engine *etrap.Client, contract ContractReader, cfg *config.Config, endpoint string) *ToolRegistry {
	r := &ToolRegistry{
		engine:     engine,
		contract:   contract,
		cfg:        cfg,
		contractID: cfg.ContractID(),
		endpoint:   endpoint,
	}
	r.defs = toolDefinitions()
	return r
}

func toolDefinitions() []ToolDefinition {
	hintsSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"batch_id":           map[string]any{"type": "string", "description": "Exact batch id (BATCH-YYYY-MM-DD-<suffix>) to verify against, skipping the search."},
			"database_name":      map[string]any{"type": "string", "description": "Source database name to narrow the batch search."},
			"table_name":         map[string]any{"type": "string", "description": "Table name to narrow the batch search."},
			"time_start":         map[string]any{"type": "string", "description": "ISO-8601 timestamp with explicit offset (e.g. 2025-07-01T09:54:00Z); inclusive lower bound."},
			"time_end":           map[string]any{"type": "string", "description": "ISO-8601 timestamp with explicit offset; exclusive upper bound."},
			"expected_operation": map[string]any{"type": "string", "description": "INSERT, UPDATE or DELETE. Disambiguates identical row data recorded by different operations.", "enum": []string{"INSERT", "UPDATE", "DELETE"}},
		},
	}

	return []ToolDefinition{
		{
			Name: "verify_transaction",
			Description: "Verify a database transaction against the blockchain audit trail. " +
				"Computes the transaction's canonical hash, locates the batch it was recorded in, " +
				"and checks its Merkle proof against the root anchored on the ledger. " +
				"Returns the verdict with batch info, merkle proof, operation type and position.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"transaction_data": map[string]any{
						"type": "object",
						"description": "The transaction's column values as recorded, e.g. {\"id\": 1, \"amount\": 999.99}. " +
							"May also be a structured record with database, table, operation and columns fields.",
					},
					"hints": hintsSchema,
				},
				"required": []string{"transaction_data"},
			},
		},
		{
			Name: "verify_batch",
			Description: "Verify multiple transactions in one call. Each transaction is verified " +
				"independently under a bounded worker pool; results come back in input order with a summary " +
				"(verified/failed counts, success rate, average time).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"transactions": map[string]any{
						"type":        "array",
						"description": "Transactions to verify; each item has the verify_transaction shape.",
						"items":       map[string]any{"type": "object"},
					},
					"hints":     hintsSchema,
					"fail_fast": map[string]any{"type": "boolean", "description": "Stop after the first transaction that does not verify."},
				},
				"required": []string{"transactions"},
			},
		},
		{
			Name: "get_batch",
			Description: "Get the full metadata of an anchored batch: database, tables, transaction and " +
				"operation counts, Merkle root, timestamp and storage location.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"batch_id": map[string]any{"type": "string", "description": "The batch id, e.g. BATCH-2025-07-01-abc123"},
				},
				"required": []string{"batch_id"},
			},
		},
		{
			Name: "list_batches",
			Description: "List anchored batches with optional filtering, paging and ordering. " +
				"Use this to browse the audit trail or find batches in a time range.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"filter": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"database_name":         map[string]any{"type": "string"},
							"table_name":            map[string]any{"type": "string"},
							"time_start":            map[string]any{"type": "string", "description": "ISO-8601 with explicit offset"},
							"time_end":              map[string]any{"type": "string", "description": "ISO-8601 with explicit offset"},
							"min_transaction_count": map[string]any{"type": "integer"},
							"max_transaction_count": map[string]any{"type": "integer"},
						},
					},
					"limit":    map[string]any{"type": "integer", "description": "Page size, default 100, max 1000."},
					"offset":   map[string]any{"type": "integer", "description": "Number of batches to skip."},
					"order_by": map[string]any{"type": "string", "enum": []string{"timestamp_desc", "timestamp_asc", "count_desc", "count_asc"}},
				},
			},
		},
		{
			Name: "search_batches",
			Description: "Search batches by flexible criteria: database, table, time range, Merkle root, " +
				"minimum transaction count, batch id substring, or containment of a specific transaction hash. " +
				"Returns ranked matches with match reasons and relevance scores.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"criteria": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"transaction_hash":      map[string]any{"type": "string", "description": "Hex SHA-256 digest to look for inside batch contents (bounded scan)."},
							"database_name":         map[string]any{"type": "string"},
							"table_name":            map[string]any{"type": "string"},
							"time_start":            map[string]any{"type": "string"},
							"time_end":              map[string]any{"type": "string"},
							"merkle_root":           map[string]any{"type": "string", "description": "Hex Merkle root to match exactly."},
							"min_transaction_count": map[string]any{"type": "integer"},
							"batch_id_pattern":      map[string]any{"type": "string", "description": "Case-insensitive batch id substring."},
						},
					},
					"max_results": map[string]any{"type": "integer", "description": "Default 50, max 200."},
				},
				"required": []string{"criteria"},
			},
		},
		{
			Name: "get_nft",
			Description: "Get the NFT minted for a batch: token id, owner and metadata. " +
				"The token id equals the batch id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nft_token_id": map[string]any{"type": "string", "description": "The batch token id, e.g. BATCH-2025-07-01-abc123"},
				},
				"required": []string{"nft_token_id"},
			},
		},
		{
			Name: "get_contract_info",
			Description: "Get information about the audit contract: account id, total batches and " +
				"transactions, known databases, and earliest/latest batch timestamps.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "get_config",
			Description: "Get the server's effective configuration: organization, network, contract id, endpoints, timeouts and cache settings.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "verify_transaction":
		return r.verifyTransaction(ctx, args)
	case "verify_batch":
		return r.verifyBatch(ctx, args)
	case "get_batch":
		return r.getBatch(ctx, args)
	case "list_batches":
		return r.listBatches(ctx, args)
	case "search_batches":
		return r.searchBatches(ctx, args)
	case "get_nft":
		return r.getNFT(ctx, args)
	case "get_contract_info":
		return r.getContractInfo(ctx, args)
	case "get_config":
		return r.getConfig(args)
	default:
		return failf("unknown tool: %q", name)
	}
}

// ── tool handlers ────────────────────────────────────────────────────────────

// decodeRecord accepts either a bare column-value object or a structured
// record with explicit database/table/operation fields. Numbers are decoded
// as json.Number so JSON integers keep their integer identity through the
// canonical encoding; a float-coerced value would hash differently from the
// digest recorded upstream.
func decodeRecord(raw json.RawMessage) (*record.Record, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("transaction_data is required")
	}

	var structured struct {
		Database  string         `json:"database"`
		Table     string         `json:"table"`
		Operation string         `json:"operation"`
		Columns   map[string]any `json:"columns"`
		Timestamp *time.Time     `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&structured); err == nil && len(structured.Columns) > 0 {
		rec := &record.Record{
			Database: structured.Database,
			Table:    structured.Table,
			Columns:  structured.Columns,
		}
		if structured.Operation != "" {
			op, err := record.ParseOperation(structured.Operation)
			if err != nil {
				return nil, err
			}
			rec.Operation = op
		}
		if structured.Timestamp != nil {
			rec.Timestamp = *structured.Timestamp
		}
		return rec, nil
	}

	var columns map[string]any
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&columns); err != nil {
		return nil, fmt.Errorf("transaction_data must be a JSON object: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("transaction_data has no column values")
	}
	return &record.Record{Columns: columns}, nil
}

// verdictView shapes one verdict for tool output.
type verdictView struct {
	*etrap.Verdict
	Verified         bool    `json:"verified"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	Error            string  `json:"error,omitempty"`
}

func viewOf(v *etrap.Verdict) verdictView {
	out := verdictView{
		Verdict:          v,
		Verified:         v.Verified(),
		ProcessingTimeMS: float64(v.Duration.Microseconds()) / 1000,
	}
	if v.Err != nil {
		out.Error = v.Err.Error()
	}
	return out
}

func (r *ToolRegistry) verifyTransaction(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		TransactionData json.RawMessage `json:"transaction_data"`
		Hints           *etrap.Hint     `json:"hints"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fail("invalid arguments")
	}

	rec, err := decodeRecord(in.TransactionData)
	if err != nil {
		return failf("invalid transaction_data: %v", err)
	}

	v, err := r.engine.VerifyTransaction(ctx, rec, in.Hints)
	if err != nil {
		return failf("verification rejected: %v", err)
	}

	out, _ := json.MarshalIndent(viewOf(v), "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) verifyBatch(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Transactions []json.RawMessage `json:"transactions"`
		Hints        *etrap.Hint       `json:"hints"`
		FailFast     bool              `json:"fail_fast"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fail("invalid arguments")
	}
	if len(in.Transactions) == 0 {
		return fail("transactions is required and must not be empty")
	}

	items := make([]etrap.BatchItem, len(in.Transactions))
	for i, raw := range in.Transactions {
		rec, err := decodeRecord(raw)
		if err != nil {
			return failf("transaction %d: %v", i, err)
		}
		items[i] = etrap.BatchItem{Record: rec, Hint: in.Hints}
	}

	verdicts := r.engine.VerifyMany(ctx, items, etrap.BatchOptions{FailFast: in.FailFast})
	summary := etrap.Summarize(verdicts)

	results := make([]verdictView, len(verdicts))
	var totalMS float64
	for i, v := range verdicts {
		results[i] = viewOf(v)
		totalMS += results[i].ProcessingTimeMS
	}
	successRate := 0.0
	if summary.Total > 0 {
		successRate = float64(summary.Verified) / float64(summary.Total)
	}

	out, _ := json.MarshalIndent(map[string]any{
		"results": results,
		"summary": map[string]any{
			"total":           summary.Total,
			"verified":        summary.Verified,
			"failed":          summary.Total - summary.Verified,
			"by_outcome":      summary.ByOutcome,
			"success_rate":    successRate,
			"average_time_ms": totalMS / float64(len(verdicts)),
		},
	}, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) getBatch(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.BatchID == "" {
		return fail("batch_id is required")
	}

	desc, err := r.engine.GetBatch(ctx, in.BatchID)
	if err != nil {
		return failf("get batch failed: %v", err)
	}

	out, _ := json.MarshalIndent(desc, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) listBatches(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Filter  *etrap.ListFilter `json:"filter"`
		Limit   int               `json:"limit"`
		Offset  int               `json:"offset"`
		OrderBy string            `json:"order_by"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return fail("invalid arguments")
		}
	}

	orderBy, err := etrap.ParseOrderBy(in.OrderBy)
	if err != nil {
		return failf("invalid order_by: %v", err)
	}

	page, err := r.engine.ListBatches(ctx, in.Filter, in.Limit, in.Offset, orderBy)
	if err != nil {
		return failf("list batches failed: %v", err)
	}

	out, _ := json.MarshalIndent(page, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) searchBatches(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Criteria   etrap.SearchCriteria `json:"criteria"`
		MaxResults int                  `json:"max_results"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fail("invalid arguments")
	}

	result, err := r.engine.SearchBatches(ctx, in.Criteria, in.MaxResults)
	if err != nil {
		return failf("search failed: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) getNFT(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		TokenID string `json:"nft_token_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.TokenID == "" {
		return fail("nft_token_id is required")
	}

	tok, err := r.contract.NFTToken(ctx, in.TokenID)
	if err != nil {
		return failf("nft lookup failed: %v", err)
	}

	out, _ := json.MarshalIndent(tok, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) getContractInfo(ctx context.Context, _ json.RawMessage) (string, bool) {
	info := map[string]any{
		"contract_id":  r.contractID,
		"network":      r.cfg.Network,
		"organization": r.cfg.Organization,
		"rpc_endpoint": r.endpoint,
	}

	// Stats failures degrade to the config-derived basics instead of erroring:
	// the caller can still learn which contract the server talks to.
	stats, err := r.contract.ContractStats(ctx)
	if err != nil {
		info["stats_error"] = err.Error()
	} else {
		info["total_batches"] = stats.TotalBatches
		info["total_transactions"] = stats.TotalTransactions
		info["databases"] = stats.Databases
		if stats.EarliestTimestamp > 0 {
			info["earliest_batch"] = time.UnixMilli(stats.EarliestTimestamp).UTC().Format(time.RFC3339)
		}
		if stats.LatestTimestamp > 0 {
			info["latest_batch"] = time.UnixMilli(stats.LatestTimestamp).UTC().Format(time.RFC3339)
		}
	}

	out, _ := json.MarshalIndent(info, "", "  ")
	return ok(string(out))
}

func (r *ToolRegistry) getConfig(_ json.RawMessage) (string, bool) {
	out, _ := json.MarshalIndent(map[string]any{
		"organization":       r.cfg.Organization,
		"network":            r.cfg.Network,
		"contract_id":        r.contractID,
		"rpc_endpoint":       r.endpoint,
		"timeout_seconds":    r.cfg.Timeout.Seconds(),
		"cache_ttl_seconds":  r.cfg.CacheTTL.Seconds(),
		"max_retries":        r.cfg.MaxRetries,
		"aws_region":         r.cfg.AWSRegion,
		"workers":            r.cfg.Workers,
		"cache_capacity":     r.cfg.CacheCapacity,
		"rpc_rate_limit_rps": r.cfg.RPCRateLimit,
	}, "", "  ")
	return ok(string(out))
}

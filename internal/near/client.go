// Package near reads the ETRAP batch index from the audit contract on the
// NEAR blockchain. All calls are read-only view-function queries over
// JSON-RPC; the anchored Merkle roots this client returns are the trust
// anchor for verification and are never derived locally.
package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/etrap"
	"github.com/etrap-labs/etrap-go/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContractID derives the audit contract account from the organization and
// network: <org>.near on mainnet, <org>.<network> everywhere else.
func ContractID(organization, network string) string {
	if network == "mainnet" {
		return organization + ".near"
	}
	return organization + "." + network
}

// EndpointFor returns the default public RPC endpoint of a network.
func EndpointFor(network string) string {
	return fmt.Sprintf("https://rpc.%s.near.org", network)
}

// Config holds the ledger client settings.
type Config struct {
	Organization string
	Network      string        // testnet, mainnet, ...
	Endpoint     string        // optional RPC endpoint override
	Timeout      time.Duration // per-request HTTP timeout, default 30s
	RateLimit    float64       // requests per second against the RPC node, default 10
	Retry        retry.Policy
}

// ObserveFunc records one RPC view call for metrics. method is the contract
// view method; retried reports whether any retry happened.
type ObserveFunc func(method string, d time.Duration, err error, retried bool)

// Client implements etrap.LedgerClient against a NEAR RPC endpoint.
type Client struct {
	endpoint string
	contract string
	http     *http.Client
	limiter  *rate.Limiter
	retry    retry.Policy
	logger   *zap.Logger
	observe  ObserveFunc
}

// New creates a ledger client. The organization is required; everything
// else has working defaults.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Organization == "" {
		return nil, fmt.Errorf("organization is required")
	}
	network := cfg.Network
	if network == "" {
		network = "testnet"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = EndpointFor(network)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 10
	}
	pol := cfg.Retry
	if pol.MaxAttempts == 0 {
		pol = retry.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		endpoint: endpoint,
		contract: ContractID(cfg.Organization, network),
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		retry:    pol,
		logger:   logger,
		observe:  func(string, time.Duration, error, bool) {},
	}, nil
}

// SetObserver registers a metrics callback for RPC calls.
func (c *Client) SetObserver(fn ObserveFunc) {
	if fn != nil {
		c.observe = fn
	}
}

// Contract returns the derived contract account id.
func (c *Client) Contract() string {
	return c.contract
}

// Endpoint returns the RPC endpoint in use.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// ── etrap.LedgerClient ───────────────────────────────────────────────────────

// GetBatch returns the descriptor anchored under batchID, or
// etrap.ErrBatchNotFound when the contract has never minted that batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*etrap.BatchDescriptor, error) {
	var raw json.RawMessage
	if err := c.viewFunction(ctx, "get_batch_summary", map[string]any{"batch_id": batchID}, &raw); err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return nil, etrap.ErrBatchNotFound
	}
	var sum batchSummary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, fmt.Errorf("decode batch summary: %w", err)
	}
	return sum.descriptor()
}

// QueryBatchIndex returns descriptors matching the filter, newest first.
// The contract applies the filter and paging; decoding failures are
// permanent errors.
func (c *Client) QueryBatchIndex(ctx context.Context, f etrap.BatchFilter) ([]etrap.BatchDescriptor, error) {
	args := map[string]any{}
	if f.Database != "" {
		args["database_name"] = f.Database
	}
	if f.Table != "" {
		args["table_name"] = f.Table
	}
	if !f.TimeStart.IsZero() {
		args["start_time"] = f.TimeStart.UnixMilli()
	}
	if !f.TimeEnd.IsZero() {
		args["end_time"] = f.TimeEnd.UnixMilli()
	}
	if f.MinTransactionCount > 0 {
		args["min_tx_count"] = f.MinTransactionCount
	}
	if f.MaxTransactionCount > 0 {
		args["max_tx_count"] = f.MaxTransactionCount
	}
	if f.Limit > 0 {
		args["limit"] = f.Limit
	}
	if f.Offset > 0 {
		args["offset"] = f.Offset
	}

	var sums []batchSummary
	if err := c.viewFunction(ctx, "get_batch_summaries", args, &sums); err != nil {
		return nil, err
	}
	out := make([]etrap.BatchDescriptor, 0, len(sums))
	for i, sum := range sums {
		d, err := sum.descriptor()
		if err != nil {
			return nil, fmt.Errorf("batch index entry %d: %w", i, err)
		}
		out = append(out, *d)
	}
	return out, nil
}

// BatchCount returns the total number of anchored batches.
func (c *Client) BatchCount(ctx context.Context) (int, error) {
	stats, err := c.ContractStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.TotalBatches, nil
}

// ── supplemental reads ───────────────────────────────────────────────────────

// ContractStats summarizes the contract's anchored population.
type ContractStats struct {
	TotalBatches      int      `json:"total_batches"`
	TotalTransactions int      `json:"total_transactions"`
	Databases         []string `json:"databases"`
	EarliestTimestamp int64    `json:"earliest_batch_timestamp"` // ms since epoch, 0 = none
	LatestTimestamp   int64    `json:"latest_batch_timestamp"`
}

// ContractStats reads the contract's aggregate statistics.
func (c *Client) ContractStats(ctx context.Context) (*ContractStats, error) {
	var stats ContractStats
	if err := c.viewFunction(ctx, "get_contract_stats", map[string]any{}, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// NFTToken is the NEP-171 token minted for a batch. The token id equals the
// batch id.
type NFTToken struct {
	TokenID  string `json:"token_id"`
	OwnerID  string `json:"owner_id"`
	Metadata struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Media       string `json:"media"`
		Extra       string `json:"extra"`
		IssuedAt    string `json:"issued_at"`
		Reference   string `json:"reference"`
	} `json:"metadata"`
}

// NFTToken looks up the batch token, or etrap.ErrBatchNotFound.
func (c *Client) NFTToken(ctx context.Context, tokenID string) (*NFTToken, error) {
	var raw json.RawMessage
	if err := c.viewFunction(ctx, "nft_token", map[string]any{"token_id": tokenID}, &raw); err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return nil, etrap.ErrBatchNotFound
	}
	var tok NFTToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode nft token: %w", err)
	}
	return &tok, nil
}

// ── wire plumbing ────────────────────────────────────────────────────────────

// batchSummary is the contract's view of one batch.
type batchSummary struct {
	BatchID      string   `json:"batch_id"`
	DatabaseName string   `json:"database_name"`
	TableNames   []string `json:"table_names"`
	Timestamp    int64    `json:"timestamp"` // ms since epoch
	TxCount      int      `json:"tx_count"`
	Operations   struct {
		Inserts int `json:"inserts"`
		Updates int `json:"updates"`
		Deletes int `json:"deletes"`
	} `json:"operation_counts"`
	MerkleRoot string `json:"merkle_root"`
	S3Bucket   string `json:"s3_bucket"`
	S3Key      string `json:"s3_key"`
	S3Region   string `json:"s3_region"`
	SizeBytes  int64  `json:"size_bytes"`
}

func (s batchSummary) descriptor() (*etrap.BatchDescriptor, error) {
	root, err := digest.Parse(s.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("batch %s: merkle root: %w", s.BatchID, err)
	}
	return &etrap.BatchDescriptor{
		BatchID:          s.BatchID,
		Database:         s.DatabaseName,
		Tables:           s.TableNames,
		TransactionCount: s.TxCount,
		OperationCounts: etrap.OperationCounts{
			Inserts: s.Operations.Inserts,
			Updates: s.Operations.Updates,
			Deletes: s.Operations.Deletes,
		},
		MerkleRoot: root,
		Timestamp:  time.UnixMilli(s.Timestamp).UTC(),
		StorageRef: etrap.StorageRef{Bucket: s.S3Bucket, Key: s.S3Key, Region: s.S3Region},
		SizeBytes:  s.SizeBytes,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result *callResult `json:"result"`
	Error  *rpcError   `json:"error"`
}

type rpcError struct {
	Name    string          `json:"name"`
	Cause   json.RawMessage `json:"cause,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (e *rpcError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rpc error %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("rpc error %s", e.Name)
}

// callResult is the payload of a successful call_function query. RawResult
// is the returned bytes as a JSON array of integers; Error carries
// contract-side execution failures.
type callResult struct {
	RawResult   []int    `json:"result"`
	Logs        []string `json:"logs"`
	Error       string   `json:"error"`
	BlockHeight int64    `json:"block_height"`
}

// viewFunction calls a read-only contract method and decodes its JSON
// return value into out. Transport failures and 5xx/429 responses are
// retried under the configured policy; RPC and contract errors are
// permanent.
func (c *Client) viewFunction(ctx context.Context, method string, args any, out any) error {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args for %s: %w", method, err)
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "etrap",
		Method:  "query",
		Params: map[string]any{
			"request_type": "call_function",
			"finality":     "final",
			"account_id":   c.contract,
			"method_name":  method,
			"args_base64":  base64.StdEncoding.EncodeToString(argBytes),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	start := time.Now()
	retried := false
	var resultBytes []byte
	err = c.retry.DoNotify(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		b, err := c.post(ctx, method, reqBody)
		if err != nil {
			return err
		}
		resultBytes = b
		return nil
	}, func(err error, delay time.Duration) {
		retried = true
		c.logger.Warn("rpc retry",
			zap.String("view_method", method),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	})
	c.observe(method, time.Since(start), err, retried)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, c.contract, err)
	}

	if err := json.Unmarshal(resultBytes, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// post performs one HTTP round trip and classifies failures for the retry
// policy: transport errors and 5xx/429 are transient, everything else is
// permanent.
func (c *Client) post(ctx context.Context, method string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build rpc request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("rpc transport: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, truncate(respBody))
	default:
		return nil, retry.Permanent(fmt.Errorf("rpc status %d: %s", resp.StatusCode, truncate(respBody)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode rpc envelope: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, retry.Permanent(rpcResp.Error)
	}
	if rpcResp.Result == nil {
		return nil, retry.Permanent(fmt.Errorf("rpc response has neither result nor error"))
	}
	if rpcResp.Result.Error != "" {
		return nil, retry.Permanent(fmt.Errorf("contract %s.%s: %s", c.contract, method, rpcResp.Result.Error))
	}

	// The result bytes arrive as a JSON array of byte values.
	raw := make([]byte, len(rpcResp.Result.RawResult))
	for i, v := range rpcResp.Result.RawResult {
		raw[i] = byte(v)
	}
	return raw, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

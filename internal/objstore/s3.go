// Package objstore fetches full batch contents — the Merkle tree with
// per-leaf proof paths — from S3. The tree here is evidence material only:
// the root it claims is always checked against the ledger-anchored root by
// the verification engine, never trusted on its own.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/etrap-labs/etrap-go/pkg/digest"
	"github.com/etrap-labs/etrap-go/pkg/etrap"
	"github.com/etrap-labs/etrap-go/pkg/merkle"
	"github.com/etrap-labs/etrap-go/pkg/record"
	"github.com/etrap-labs/etrap-go/pkg/retry"
	"go.uber.org/zap"
)

// batchDataFile is the object each batch stores its Merkle tree under.
const batchDataFile = "batch-data.json"

// maxBatchDataBytes caps batch-data.json reads. Batches hold at most a few
// thousand transactions; anything larger is corrupt or hostile.
const maxBatchDataBytes = 64 << 20

// GetObjectAPI is the slice of the S3 client this package uses.
type GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ObserveFunc records one storage fetch for metrics.
type ObserveFunc func(d time.Duration, err error)

// Client implements etrap.StorageClient over S3.
type Client struct {
	api     GetObjectAPI
	retry   retry.Policy
	logger  *zap.Logger
	observe ObserveFunc
}

// New creates a storage client from an AWS config.
func New(cfg aws.Config, pol retry.Policy, logger *zap.Logger) *Client {
	return NewFromAPI(s3.NewFromConfig(cfg), pol, logger)
}

// NewFromAPI creates a storage client over an existing S3 API. For tests.
func NewFromAPI(api GetObjectAPI, pol retry.Policy, logger *zap.Logger) *Client {
	if pol.MaxAttempts == 0 {
		pol = retry.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:     api,
		retry:   pol,
		logger:  logger,
		observe: func(time.Duration, error) {},
	}
}

// SetObserver registers a metrics callback for fetches.
func (c *Client) SetObserver(fn ObserveFunc) {
	if fn != nil {
		c.observe = fn
	}
}

// FetchBatchContents downloads and decodes a batch's Merkle tree. Transport
// failures are retried; missing objects and malformed documents are
// permanent.
func (c *Client) FetchBatchContents(ctx context.Context, ref etrap.StorageRef) (*etrap.BatchContents, error) {
	if ref.Bucket == "" || ref.Key == "" {
		return nil, fmt.Errorf("storage ref is incomplete: bucket=%q key=%q", ref.Bucket, ref.Key)
	}
	key := ref.Key
	if !strings.HasSuffix(key, batchDataFile) {
		key = strings.TrimSuffix(key, "/") + "/" + batchDataFile
	}

	start := time.Now()
	var body []byte
	err := c.retry.DoNotify(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(ref.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classifyS3Error(ctx, err)
		}
		defer out.Body.Close()

		b, err := io.ReadAll(io.LimitReader(out.Body, maxBatchDataBytes+1))
		if err != nil {
			return fmt.Errorf("read object body: %w", err)
		}
		if len(b) > maxBatchDataBytes {
			return retry.Permanent(fmt.Errorf("batch data exceeds %d bytes", maxBatchDataBytes))
		}
		body = b
		return nil
	}, func(err error, delay time.Duration) {
		c.logger.Warn("storage fetch retry",
			zap.String("bucket", ref.Bucket),
			zap.String("key", key),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	})
	c.observe(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", ref.Bucket, key, err)
	}

	contents, err := DecodeBatchData(body)
	if err != nil {
		return nil, fmt.Errorf("decode s3://%s/%s: %w", ref.Bucket, key, err)
	}
	return contents, nil
}

// classifyS3Error maps SDK failures onto the retry policy: API error codes
// are permanent (the request reached S3 and was refused), transport
// failures and cancellation pass through as transient or terminal.
func classifyS3Error(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return retry.Permanent(ctx.Err())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return err
		default:
			return retry.Permanent(err)
		}
	}
	return err
}

// ── wire format ──────────────────────────────────────────────────────────────

// batchData is the layout of batch-data.json: the Merkle tree over the
// batch's transactions plus per-position transaction metadata.
type batchData struct {
	MerkleTree struct {
		Algorithm string       `json:"algorithm"`
		Root      string       `json:"root"`
		Leaves    []string     `json:"leaves"`
		Proofs    []proofEntry `json:"proofs"`
	} `json:"merkle_tree"`
	Transactions []txMeta `json:"transactions"`
}

type proofEntry struct {
	LeafIndex int      `json:"leaf_index"`
	Siblings  []string `json:"siblings"`
	Positions []string `json:"positions"`
}

type txMeta struct {
	Operation  string    `json:"operation"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DecodeBatchData parses and structurally validates batch-data.json. Every
// digest is length-checked and every leaf must carry a proof for its own
// index before the contents reach the verification engine.
func DecodeBatchData(data []byte) (*etrap.BatchContents, error) {
	var doc batchData
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse batch data: %w", err)
	}

	tree := doc.MerkleTree
	if tree.Algorithm != "" && !strings.EqualFold(tree.Algorithm, "sha256") {
		return nil, fmt.Errorf("unsupported tree algorithm %q", tree.Algorithm)
	}
	if len(tree.Leaves) == 0 {
		return nil, fmt.Errorf("batch data has no leaves")
	}
	if len(tree.Proofs) != len(tree.Leaves) {
		return nil, fmt.Errorf("batch data has %d leaves but %d proofs", len(tree.Leaves), len(tree.Proofs))
	}
	if len(doc.Transactions) > 0 && len(doc.Transactions) != len(tree.Leaves) {
		return nil, fmt.Errorf("batch data has %d leaves but %d transaction entries", len(tree.Leaves), len(doc.Transactions))
	}

	root, err := digest.Parse(tree.Root)
	if err != nil {
		return nil, fmt.Errorf("tree root: %w", err)
	}

	leaves := make([]etrap.BatchLeaf, len(tree.Leaves))
	for i, leafHex := range tree.Leaves {
		h, err := digest.Parse(leafHex)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		p := tree.Proofs[i]
		if p.LeafIndex != i {
			return nil, fmt.Errorf("proof %d claims leaf index %d", i, p.LeafIndex)
		}
		steps, err := merkle.StepsFromHex(p.Siblings, p.Positions)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}

		leaf := etrap.BatchLeaf{
			Index: i,
			Hash:  h,
			Proof: merkle.Proof{LeafIndex: i, Path: steps},
		}
		if i < len(doc.Transactions) {
			meta := doc.Transactions[i]
			if meta.Operation != "" {
				op, err := record.ParseOperation(meta.Operation)
				if err != nil {
					return nil, fmt.Errorf("leaf %d: %w", i, err)
				}
				leaf.Operation = op
			}
			leaf.RecordedAt = meta.RecordedAt
		}
		leaves[i] = leaf
	}

	return &etrap.BatchContents{
		Algorithm: "sha256",
		Root:      root,
		Leaves:    leaves,
	}, nil
}

// Package etrap is the Go SDK for verifying database transactions against
// ETRAP audit batches anchored on the NEAR blockchain.
//
// The entry point is Client: it resolves caller-supplied hints into a search
// constraint, locates candidate batches through the on-chain batch index,
// fetches batch contents from object storage, checks the transaction's
// Merkle membership proof, and returns a structured verdict.
//
//	c, err := etrap.New(ledger, store,
//	    etrap.WithCacheTTL(5*time.Minute),
//	    etrap.WithWorkers(8),
//	)
//	verdict, err := c.VerifyTransaction(ctx, rec, &etrap.Hint{
//	    BatchID: "BATCH-2025-06-14-abc123",
//	})
//
// Every verification returns a Verdict, never a bare failure, except for
// request-shape errors (invalid hints, unencodable column values) detected
// before any network work begins.
package etrap

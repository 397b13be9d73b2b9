// etrap-mcp exposes the ETRAP blockchain audit verification engine as MCP
// tools, allowing Claude Desktop and any MCP-compatible AI host to verify
// database transactions against the audit trail.
//
// Add to Claude Desktop (~/.claude/claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "etrap": {
//	      "command": "/path/to/etrap-mcp",
//	      "env": {
//	        "ETRAP_ORGANIZATION": "acme",
//	        "ETRAP_NETWORK": "testnet"
//	      }
//	    }
//	  }
//	}
//
// For network deployments run with --transport http.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/etrap-labs/etrap-go/internal/config"
	"github.com/etrap-labs/etrap-go/internal/mcpserver"
	"github.com/etrap-labs/etrap-go/internal/metrics"
	"github.com/etrap-labs/etrap-go/internal/near"
	"github.com/etrap-labs/etrap-go/internal/objstore"
	"github.com/etrap-labs/etrap-go/pkg/etrap"
)

var (
	transport string
	host      string
	port      int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "etrap-mcp",
	Short: "MCP server for ETRAP blockchain audit verification",
	Long: `etrap-mcp is an MCP server that exposes eight audit-verification tools to
any MCP-compatible AI host (Claude Desktop, Claude API, etc.):

  verify_transaction — verify one transaction against the audit trail
  verify_batch       — verify many transactions in parallel
  get_batch          — read anchored batch metadata
  list_batches       — browse the batch index with filters and paging
  search_batches     — rank batches by flexible criteria
  get_nft            — read the NFT minted for a batch
  get_contract_info  — contract totals and known databases
  get_config         — effective server configuration

Configuration comes from ETRAP_* and AWS_* environment variables;
ETRAP_ORGANIZATION is required. The default transport is stdio (the MCP
standard for local servers); all logging goes to stderr so it does not
interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio or http")
	rootCmd.Flags().StringVar(&host, "host", "127.0.0.1", "Bind address for the http transport")
	rootCmd.Flags().IntVar(&port, "port", 8000, "Port for the http transport")
}

func run(cmd *cobra.Command, _ []string) error {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stderr"}
	logCfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	observer := metrics.Observer{}

	ledger, err := near.New(near.Config{
		Organization: cfg.Organization,
		Network:      cfg.Network,
		Endpoint:     cfg.RPCEndpoint,
		Timeout:      cfg.Timeout,
		RateLimit:    cfg.RPCRateLimit,
		Retry:        cfg.RetryPolicy(),
	}, logger.Named("near"))
	if err != nil {
		return fmt.Errorf("create ledger client: %w", err)
	}
	ledger.SetObserver(observer.ObserveRPC)

	awsCfg, err := loadAWSConfig(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("load aws configuration: %w", err)
	}
	store := objstore.New(awsCfg, cfg.RetryPolicy(), logger.Named("objstore"))
	store.SetObserver(observer.ObserveStorageFetch)

	engine, err := etrap.New(ledger, store,
		etrap.WithLogger(logger.Named("engine")),
		etrap.WithCacheTTL(cfg.CacheTTL),
		etrap.WithCacheCapacity(cfg.CacheCapacity),
		etrap.WithWorkers(cfg.Workers),
		etrap.WithMaxUnconstrainedCandidates(cfg.MaxUnconstrained),
		etrap.WithHashScanLimit(cfg.HashScanLimit),
		etrap.WithTieMargin(cfg.TieMargin),
		etrap.WithObserver(observer),
	)
	if err != nil {
		return fmt.Errorf("create verification engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.StartCacheSweep(ctx, time.Minute)

	tools := mcpserver.NewToolRegistry(engine, ledger, cfg, ledger.Endpoint())
	logger.Info("etrap mcp server ready",
		zap.String("contract", ledger.Contract()),
		zap.String("network", cfg.Network),
		zap.String("rpc_endpoint", ledger.Endpoint()),
		zap.String("transport", transport),
	)

	switch transport {
	case "stdio":
		server := mcpserver.NewServer(os.Stdout, tools, logger.Named("mcp"))
		return server.Serve(ctx, os.Stdin)
	case "http":
		return serveHTTP(ctx, tools, cfg, logger)
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", transport)
	}
}

func serveHTTP(ctx context.Context, tools *mcpserver.ToolRegistry, cfg *config.Config, logger *zap.Logger) error {
	// Responses travel over HTTP; the stdio writer is unused on this path.
	server := mcpserver.NewServer(io.Discard, tools, logger.Named("mcp"))
	router := mcpserver.NewRouter(server, mcpserver.HTTPOptions{
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
		Metrics:      true,
	}, &mcpserver.MetricsProviders{
		Middleware: metrics.PrometheusMiddleware(),
		Handler:    metrics.MetricsHandler(),
	}, logger.Named("http"))

	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadAWSConfig builds the S3 client configuration: explicit static
// credentials when configured, the default credential chain otherwise.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

package mcpserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// sessionHeader carries the MCP session id on the HTTP transport.
const sessionHeader = "Mcp-Session-Id"

// HTTPOptions tune the HTTP transport.
type HTTPOptions struct {
	CORSOrigins  []string
	RateLimitRPS int  // per client IP; 0 disables
	Metrics      bool // expose GET /metrics
}

// MetricsProviders are wired in by the caller so this package does not
// depend on the collectors directly.
type MetricsProviders struct {
	Middleware gin.HandlerFunc
	Handler    gin.HandlerFunc
}

// NewRouter builds the gin router for the HTTP transport: POST /mcp with the
// same JSON-RPC dispatch as stdio, GET /healthz, and optionally GET /metrics.
func NewRouter(s *Server, opts HTTPOptions, metrics *MetricsProviders, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", sessionHeader},
			ExposeHeaders: []string{"Content-Length", sessionHeader},
			MaxAge:        12 * time.Hour,
		}))
	}

	// Request body size limit (1 MB, matching the stdio message cap).
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if opts.RateLimitRPS > 0 {
		router.Use(rateLimiter(opts.RateLimitRPS, opts.RateLimitRPS*2))
	}
	if metrics != nil && metrics.Middleware != nil {
		router.Use(metrics.Middleware)
	}
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics && metrics != nil && metrics.Handler != nil {
		router.GET("/metrics", metrics.Handler)
	}

	router.POST("/mcp", handleMCP(s))

	return router
}

// handleMCP serves one JSON-RPC request per HTTP POST. Sessions are
// identified by header: the first request without one is assigned a fresh id
// which the client echoes back on subsequent calls.
func handleMCP(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := c.GetHeader(sessionHeader)
		if session == "" {
			session = uuid.NewString()
		}
		c.Header(sessionHeader, session)

		var req rpcRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, rpcResponse{
				JSONRPC: "2.0",
				ID:      json.RawMessage(`null`),
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			})
			return
		}

		// Notifications get an empty 202, matching streamable HTTP semantics.
		if len(req.ID) == 0 {
			c.Status(http.StatusAccepted)
			return
		}

		c.JSON(http.StatusOK, s.dispatch(c.Request.Context(), req))
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces per-IP token-bucket rate limiting. Stale entries are
// cleaned every 5 minutes.
func rateLimiter(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for ip, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		l, ok := limiters[ip]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[ip] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

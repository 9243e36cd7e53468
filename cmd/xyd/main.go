package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pruvlabs/xychain/internal/health"
	"github.com/pruvlabs/xychain/internal/server"
	"github.com/pruvlabs/xychain/internal/storage"
	"github.com/pruvlabs/xychain/pkg/xychain"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("xyd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("xyd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.redact_state", true)
	viper.SetDefault("storage.driver", "local")
	viper.SetDefault("storage.dir", ".xychain")
	viper.SetDefault("storage.dsn", "")
	viper.SetDefault("signing.enabled", false)
	viper.SetDefault("signing.key_file", "")
	viper.SetDefault("signing.key_id", "xyd-default")
	viper.SetDefault("auth.admin_secret_hash", "")
	viper.SetDefault("auth.token_ttl_seconds", 3600)
	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.sweep_interval_seconds", 600)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var store storage.Store
	switch driver := viper.GetString("storage.driver"); driver {
	case "local":
		dir := viper.GetString("storage.dir")
		local, err := storage.NewLocalStore(dir)
		if err != nil {
			return fmt.Errorf("open local store: %w", err)
		}
		store = local
		logger.Info("local chain store ready", zap.String("dir", dir))

	case "postgres":
		pool, err := pgxpool.New(context.Background(), viper.GetString("storage.dsn"))
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := storage.NewPostgresStore(pool, logger)
		if err := pg.Migrate(context.Background()); err != nil {
			return err
		}
		store = pg
		logger.Info("postgres chain store ready")

	case "none":
		logger.Warn("running without persistence — chains are lost on restart")

	default:
		return fmt.Errorf("unknown storage driver %q", driver)
	}

	// ── Signing key ──────────────────────────────────────────────────────────
	var (
		signer   xychain.Signer
		verifier xychain.Verifier
	)
	if viper.GetBool("signing.enabled") {
		priv, pub, err := loadOrGenerateKey(viper.GetString("signing.key_file"), logger)
		if err != nil {
			return err
		}
		keyID := viper.GetString("signing.key_id")
		s, err := xychain.NewEd25519Signer(priv, keyID)
		if err != nil {
			return fmt.Errorf("build signer: %w", err)
		}
		resolver := xychain.NewStaticResolver()
		resolver.Add(keyID, pub)
		signer, verifier = s, resolver
		logger.Info("entry signing enabled", zap.String("key_id", keyID))
	}

	// ── Chain server ─────────────────────────────────────────────────────────
	srv := server.New(store, signer, verifier, server.Config{
		Redact: viper.GetBool("server.redact_state"),
	}, logger)
	if err := srv.LoadAll(context.Background()); err != nil {
		return fmt.Errorf("restore chains: %w", err)
	}

	// ── Background integrity audit ───────────────────────────────────────────
	auditCtx, stopAudit := context.WithCancel(context.Background())
	defer stopAudit()

	var auditor *health.Auditor
	if store != nil && viper.GetBool("audit.enabled") {
		auditor = health.New(store, health.Config{
			SweepInterval: time.Duration(viper.GetInt("audit.sweep_interval_seconds")) * time.Second,
		}, logger)
		auditor.SetMetricsRecord(server.RecordVerification)
		go auditor.Start(auditCtx)
		logger.Info("background integrity audit enabled")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(server.RateLimiter(rps, rps*2))
	}

	router.Use(server.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if auditor != nil {
			if broken := auditor.Broken(); len(broken) > 0 {
				resp["status"] = "degraded"
				resp["broken_chains"] = broken
			}
		}
		c.JSON(http.StatusOK, resp)
	})
	router.GET("/metrics", server.MetricsHandler())

	// Mutating routes are open unless an admin secret hash is set.
	var protect gin.HandlerFunc
	if hash := viper.GetString("auth.admin_secret_hash"); hash != "" {
		ttl := time.Duration(viper.GetInt("auth.token_ttl_seconds")) * time.Second
		tokens, err := server.NewTokenService(hash, ttl)
		if err != nil {
			return fmt.Errorf("token service: %w", err)
		}
		router.POST("/auth/token", tokens.IssueToken)
		protect = tokens.RequireToken()
		logger.Info("write routes protected by bearer token")
	}

	v1 := router.Group("/api/v1")
	srv.Register(v1, protect)

	// ── Serve & graceful shutdown ────────────────────────────────────────────
	port := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("xyd HTTP listening", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down xyd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("xyd stopped")
	return nil
}

// loadOrGenerateKey reads a 32-byte hex Ed25519 seed from keyFile, or
// generates an ephemeral keypair when no file is configured.
func loadOrGenerateKey(keyFile string, logger *zap.Logger) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if keyFile == "" {
		pub, priv, err := xychain.GenerateKeypair()
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("signing.key_file not set — using an ephemeral key; signatures will not verify after restart")
		return priv, pub, nil
	}

	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("signing key must be a %d-byte hex seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labflag/labflag/internal/config"
	"github.com/labflag/labflag/internal/domain/screening"
	"github.com/labflag/labflag/internal/platform/auth"
	"github.com/labflag/labflag/internal/platform/db"
	"github.com/labflag/labflag/internal/platform/hl7v2"
	"github.com/labflag/labflag/internal/platform/middleware"
	"github.com/labflag/labflag/internal/platform/upload"
	"github.com/labflag/labflag/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "labflag-server",
		Short:        "ORU lab-result screening server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(screenCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the screening API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS, schema), pool, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Manage reference-range definitions",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load metric definitions from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := screening.NewMetricRepoPG(pool)
			var n int
			err = db.InTx(ctx, pool, func(ctx context.Context) error {
				var err error
				n, err = screening.ImportCSV(ctx, f, repo)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d metric definition(s).\n", n)

			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				logger.Warn().Err(err).Msg("range cache not invalidated")
				return nil
			}
			if rdb != nil {
				defer rdb.Close()
				cache := screening.NewCachedRangeStore(repo, rdb, cfg.RangeCacheTTL, logger, nil)
				dropped, err := cache.Invalidate(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("range cache not invalidated")
					return nil
				}
				logger.Info().Int64("keys", dropped).Msg("range cache invalidated")
			}
			return nil
		},
	}
	importCmd.Flags().String("file", "", "CSV file with a header row")
	cmd.AddCommand(importCmd)

	return cmd
}

func screenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screen <file>",
		Short: "Screen a local ORU file and print abnormal results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sortGroup, _ := cmd.Flags().GetBool("sort-group")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			text, err := upload.DecodeText(raw)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := screening.NewService(screening.NewMetricRepoPG(pool), logger,
				screening.WithConcurrency(cfg.LookupConcurrency))
			report, err := svc.Screen(ctx, text)
			if err != nil {
				return err
			}

			if sortGroup {
				screening.SortByDiagnosticGroup(report.Results)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().Bool("sort-group", false, "Order results by diagnostic group")
	return cmd
}

func printReport(w io.Writer, report *screening.Report) {
	if report.Messages == 0 {
		fmt.Fprintln(w, "No ORU messages found.")
		return
	}
	if len(report.Results) == 0 {
		fmt.Fprintf(w, "%d message(s), %d observation(s): no abnormal results.\n", report.Messages, report.Observations)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tCODE\tVALUE\tUNIT\tSTANDARD\tEVERLAB\tGROUP")
	for _, r := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s%s\t%s\t%s\t%s\t%s\n",
			r.Metric.Name, r.Code, fmt.Sprint(r.Value), direction(r.Flags), r.Unit,
			r.StandardRange, r.EverlabRange, r.Metric.DiagnosticGroup)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d abnormal result(s) in %d message(s).\n", len(report.Results), report.Messages)
}

func direction(f screening.Flags) string {
	switch {
	case f.LowerThanStandard != nil && *f.LowerThanStandard:
		return " L"
	case f.HigherThanStandard != nil && *f.HigherThanStandard:
		return " H"
	}
	return ""
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.AuthEnabled() {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}

			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().StringSlice("role", nil, "Role claim (repeatable)")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
}

// openRedis returns nil when REDIS_URL is unset.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		SigningKey: []byte(cfg.AuthSigningKey),
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var screeningMetrics *screening.Metrics
	if cfg.MetricsEnabled {
		screeningMetrics = screening.NewMetrics(reg)
	}

	// Reference-range store, optionally behind Redis
	repo := screening.NewMetricRepoPG(pool)
	var store screening.RangeStore = repo
	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, range cache disabled")
	} else if rdb != nil {
		defer rdb.Close()
		store = screening.NewCachedRangeStore(repo, rdb, cfg.RangeCacheTTL, logger, screeningMetrics)
		logger.Info().Dur("ttl", cfg.RangeCacheTTL).Msg("range cache enabled")
	}

	svc := screening.NewService(store, logger,
		screening.WithConcurrency(cfg.LookupConcurrency),
		screening.WithMetrics(screeningMetrics),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	if cfg.MetricsEnabled {
		e.Use(middleware.HTTPMetrics(reg))
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
	}))

	// Health and metrics endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	// API routes
	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit(cfg.UploadMaxSize),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	if cfg.AuthEnabled() {
		apiV1.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, /api/v1 is unauthenticated")
	}
	hl7v2.NewHandler().RegisterRoutes(apiV1)
	screening.NewHandler(svc, repo).RegisterRoutes(apiV1)

	// MLLP listener
	if cfg.MLLPAddr != "" {
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, svc.MLLPHandler(), logger)
		if err := mllpServer.Start(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.MLLPAddr).Msg("failed to start MLLP server")
		}
		defer mllpServer.Stop()
		logger.Info().Str("addr", mllpServer.Addr()).Msg("MLLP server started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

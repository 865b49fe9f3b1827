package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/tororo-hospice/datawash/internal/archive"
	"github.com/tororo-hospice/datawash/internal/config"
	"github.com/tororo-hospice/datawash/internal/ingest"
	"github.com/tororo-hospice/datawash/internal/logging"
	"github.com/tororo-hospice/datawash/internal/merge"
	"github.com/tororo-hospice/datawash/internal/pipeline"
	"github.com/tororo-hospice/datawash/internal/resolve"
	"github.com/tororo-hospice/datawash/internal/schema"
	"github.com/tororo-hospice/datawash/internal/store"
	"github.com/tororo-hospice/datawash/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"conflict_policy", cfg.Pipeline.ConflictPolicy,
		"quarantine_orphans", cfg.Pipeline.QuarantineOrphans,
		"acceptance", cfg.Matching.Acceptance,
	)

	// Extra form definitions on top of the built-ins
	if cfg.Pipeline.SchemaFile != "" {
		if err := schema.LoadFile(cfg.Pipeline.SchemaFile); err != nil {
			slog.Error("failed to load schema file", "path", cfg.Pipeline.SchemaFile, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("forms registered", "forms", schema.Names())

	// Match policy: built-in defaults, optionally overlaid from YAML, with
	// the configured thresholds applied last.
	policy, err := resolve.LoadPolicy(cfg.Matching.PolicyFile)
	if err != nil {
		slog.Error("failed to load match policy", "error", err)
		os.Exit(1)
	}
	if cfg.Matching.PolicyFile == "" {
		policy.Acceptance = cfg.Matching.Acceptance
		policy.Margin = cfg.Matching.Margin
		if err := policy.Validate(); err != nil {
			slog.Error("invalid match thresholds", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	orch, err := pipeline.New(st, pipeline.Options{
		Policy:            policy,
		Conflict:          merge.ConflictPolicy(cfg.Pipeline.ConflictPolicy),
		Actor:             cfg.Pipeline.Actor,
		ExtractWorkers:    cfg.Pipeline.ExtractWorkers,
		QuarantineOrphans: cfg.Pipeline.QuarantineOrphans,
	})
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// Directory mode: process every valid file in the input folder as one
	// batch before (or instead of) serving.
	if cfg.Pipeline.InputDir != "" {
		if err := runInputDir(ctx, cfg, orch, st); err != nil {
			slog.Error("input directory batch failed", "error", err)
			os.Exit(1)
		}
		if cfg.Pipeline.RunOnce {
			return
		}
	}

	server := web.NewServer(orch, st, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// openStore connects to Postgres when a URL is configured, otherwise falls
// back to the in-memory store for single-shot runs.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		slog.Info("no database configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

// runInputDir processes every ingestable file under the input directory as
// a single batch, then optionally packages the committed pool into an
// encrypted archive.
func runInputDir(ctx context.Context, cfg *config.Config, orch *pipeline.Orchestrator, st store.Store) error {
	paths, err := ingest.ScanDir(cfg.Pipeline.InputDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		slog.Info("input directory is empty", "dir", cfg.Pipeline.InputDir)
		return nil
	}

	var batch pipeline.Batch
	for _, path := range paths {
		rows, err := ingest.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable file", "path", path, "error", err)
			continue
		}
		form := formForFile(path, cfg.Pipeline.DefaultForm)
		for _, raw := range rows {
			batch.Rows = append(batch.Rows, pipeline.Row{
				Source: raw.Source,
				Form:   form,
				Fields: raw.Fields,
			})
		}
		slog.Info("queued file", "path", path, "form", form, "rows", len(rows))
	}

	report, err := orch.Run(ctx, batch)
	if err != nil {
		return err
	}
	slog.Info("input directory batch committed",
		"batch_id", report.BatchID,
		"rows_processed", report.RowsProcessed,
		"rows_rejected", report.RowsRejected,
		"review_required", len(report.ReviewRequired),
	)

	if !cfg.Archive.Enabled {
		return nil
	}
	km := &archive.KeyManager{EnvFile: cfg.Archive.EnvFile}
	key, err := km.Key()
	if err != nil {
		return err
	}
	graph, err := st.LoadPool(ctx)
	if err != nil {
		return err
	}
	out := filepath.Join(cfg.Archive.OutputDir,
		"datawash-"+time.Now().UTC().Format("20060102-150405")+".zip")
	if err := archive.WriteGraph(out, report.BatchID, graph, key); err != nil {
		return err
	}
	slog.Info("archive written", "path", out)
	return nil
}

// formForFile picks the form for a directory-mode file: supply exports are
// named as such by the inventory team, everything else is clinical intake.
func formForFile(path, defaultForm string) string {
	name := strings.ToLower(filepath.Base(path))
	if strings.Contains(name, "supply") || strings.Contains(name, "stock") {
		return "supply_event"
	}
	return defaultForm
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coherencebus/internal/breaker"
	"coherencebus/internal/coherence"
	"coherencebus/internal/config"
	"coherencebus/internal/evaluator"
	"coherencebus/internal/knowledge"
	"coherencebus/internal/pipeline"
	"coherencebus/internal/projector"
	"coherencebus/internal/validate"
)

var metricsAddr string

// serveCmd runs the daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coherence bus daemon",
	Long: `Starts the full pipeline: broker consumers on context_mutations,
the deliberation decider, the knowledge store (recovered from snapshot + WAL),
and the fragment projector. Blocks until SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "Admin address for /metrics, /healthz, and /circuit/reset (empty disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := newBreakers()
	busClient, err := connectBus(ctx, breakers)
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := knowledge.Open(knowledge.Options{
		DataDir:       filepath.Join(cfg.DataDir, "store"),
		SnapshotEvery: cfg.Store.SnapshotEvery,
		MinScore:      cfg.Coherence.MinScore,
		Floor:         cfg.Coherence.FloorFor,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errStoreCorrupt, err)
	}
	defer store.Close()

	pool, err := buildPool(ctx, breakers)
	if err != nil {
		return err
	}

	ledger, err := pipeline.OpenLedger(filepath.Join(cfg.DataDir, "deliberation.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	pipe, err := pipeline.New(pipeline.Options{
		Bus:         busClient,
		Store:       store,
		Validator:   validate.New(cfg.Coherence.FloorFor),
		Pool:        pool,
		Projector:   projector.New(nil),
		Ledger:      ledger,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BackoffBase: cfg.Pipeline.BackoffBase(),
	})
	if err != nil {
		return err
	}

	core, err := coherence.New(coherence.Options{
		Bus:      busClient,
		Store:    store,
		Breakers: breakers,
		Pool:     pool,
	})
	if err != nil {
		return err
	}

	// Live reload of tunables. A missing config file is fine; it just means
	// nothing to watch.
	if watcher, werr := config.NewWatcher(configPath, cfg, logger); werr == nil {
		defer watcher.Close()
		watcher.OnChange(func(fresh *config.Config) {
			pool.SetDeadlines(poolDeadlines(fresh))
		})
	} else if !os.IsNotExist(werr) {
		logger.Warn("config watch disabled", zap.Error(werr))
	}

	if metricsAddr != "" {
		startAdminServer(ctx, core, breakers)
	}

	version, tree := store.Current()
	logger.Info("coherence bus serving",
		zap.String("bus_url", cfg.BusURL),
		zap.String("data_dir", cfg.DataDir),
		zap.Uint64("commit_version", version),
		zap.Float64("coherence_score", tree.CoherenceScore),
	)

	err = pipe.Run(ctx)
	logger.Info("coherence bus shutting down")
	return err
}

// buildPool assembles the evaluator pool from the configured providers.
func buildPool(ctx context.Context, breakers *breaker.Registry) (*evaluator.Pool, error) {
	var drift evaluator.DriftEvaluator
	if cfg.Evaluator.Drift.Provider == "genai" {
		var err error
		drift, err = evaluator.NewGenAIDrift(ctx, cfg.Evaluator.Drift.APIKey, cfg.Evaluator.Drift.Model)
		if err != nil {
			return nil, fmt.Errorf("genai drift evaluator: %w", err)
		}
		logger.Info("drift evaluator: genai embeddings", zap.String("model", cfg.Evaluator.Drift.Model))
	}
	return evaluator.NewPool(drift, nil, nil, nil, evaluator.Options{
		Deadlines: poolDeadlines(cfg),
		Breakers:  breakers,
	}), nil
}

// poolDeadlines maps config deadlines onto the pool's.
func poolDeadlines(c *config.Config) evaluator.Deadlines {
	return evaluator.Deadlines{
		Drift:         c.Evaluator.Drift.Deadline(),
		Contradiction: c.Evaluator.Contradiction.Deadline(),
		Revision:      c.Evaluator.Revision.Deadline(),
		Utility:       c.Evaluator.Utility.Deadline(),
	}
}

// startAdminServer serves prometheus metrics, a JSON health probe, and the
// breaker reset endpoint backing `scb circuit reset`.
func startAdminServer(ctx context.Context, core *coherence.Core, breakers *breaker.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(core.Metrics(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h, err := core.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil || !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		if err := breakers.Reset(name); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Info("breaker reset via admin endpoint", zap.String("name", name))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("admin server listening", zap.String("addr", metricsAddr))
}

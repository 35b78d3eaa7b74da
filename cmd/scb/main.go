// Package main implements the scb admin CLI and daemon for the Semantic
// Coherence Bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coherencebus/internal/breaker"
	"coherencebus/internal/bus"
	"coherencebus/internal/config"
	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// Exit codes.
const (
	exitOK             = 0
	exitMisuse         = 2
	exitStoreCorrupt   = 3
	exitBusUnavailable = 4
)

// errStoreCorrupt marks store/snapshot damage for the exit-code mapping.
var errStoreCorrupt = errors.New("store corrupt")

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scb",
	Short: "Semantic Coherence Bus - mutation pipeline and fragment propagation",
	Long: `scb runs and administers the Semantic Coherence Bus: the durable
messaging substrate, mutation evaluation pipeline, versioned knowledge store,
and fragment projector that keep a multi-agent knowledge tree coherent.

  scb serve                      run the daemon
  scb bus status                 channel lengths, breakers, dead letters
  scb bus replay --from-offset   re-read channel history
  scb store snapshot             force a store snapshot
  scb store restore <file>       restore the tree from a snapshot
  scb circuit reset <name>       reset a circuit breaker`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.Service(level)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		if err := logging.Initialize(cfg.DataDir, level, verbose || cfg.Logging.DebugMode); err != nil {
			return fmt.Errorf("initialize file logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scb.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	busCmd.AddCommand(busStatusCmd)
	busCmd.AddCommand(busReplayCmd)
	storeCmd.AddCommand(storeSnapshotCmd)
	storeCmd.AddCommand(storeRestoreCmd)
	circuitCmd.AddCommand(circuitResetCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(busCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(circuitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes: 2 misuse, 3 store
// corruption, 4 bus unavailable.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errStoreCorrupt):
		return exitStoreCorrupt
	case errors.Is(err, types.ErrBusUnavailable),
		errors.Is(err, types.ErrBusBackpressure),
		errors.Is(err, types.ErrCircuitOpen):
		return exitBusUnavailable
	default:
		return exitMisuse
	}
}

// newBreakers builds the breaker registry from config.
func newBreakers() *breaker.Registry {
	return breaker.NewRegistry(breaker.Settings{
		FailureThreshold:  cfg.CircuitBreaker.FailureThreshold,
		RecoveryThreshold: cfg.CircuitBreaker.RecoveryThreshold,
		TimeoutWindow:     cfg.CircuitBreaker.TimeoutWindow(),
	})
}

// channelBounds builds the per-channel caps from config.
func channelBounds() (map[types.Channel]bus.ChannelBounds, error) {
	bounds := make(map[types.Channel]bus.ChannelBounds, len(types.Channels))
	for _, ch := range types.Channels {
		cc := cfg.ChannelFor(ch)
		retention, err := cc.RetentionDuration()
		if err != nil {
			return nil, err
		}
		bounds[ch] = bus.ChannelBounds{MaxLen: cc.MaxLen, Retention: retention}
	}
	return bounds, nil
}

// connectBus opens the broker client for an admin command.
func connectBus(ctx context.Context, breakers *breaker.Registry) (*bus.Client, error) {
	bounds, err := channelBounds()
	if err != nil {
		return nil, err
	}
	return bus.New(ctx, bus.Options{
		URL:                cfg.BusURL,
		DBPath:             filepath.Join(cfg.DataDir, "bus.db"),
		Bounds:             bounds,
		Breakers:           breakers,
		BackpressureWindow: cfg.CircuitBreaker.TimeoutWindow() / 4,
	})
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

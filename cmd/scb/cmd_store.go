package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"coherencebus/internal/knowledge"
)

// storeCmd administers the knowledge store
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Snapshot and restore the knowledge store",
}

var storeSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Force a snapshot of the current tree",
	RunE:  runStoreSnapshot,
}

var storeRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore the tree from a snapshot file",
	Long: `Replaces the current tree with the snapshot's contents. The WAL is
truncated past the snapshot; commits after it are lost.`,
	Args: cobra.ExactArgs(1),
	RunE: runStoreRestore,
}

func openStore() (*knowledge.Store, error) {
	store, err := knowledge.Open(knowledge.Options{
		DataDir:       filepath.Join(cfg.DataDir, "store"),
		SnapshotEvery: cfg.Store.SnapshotEvery,
		MinScore:      cfg.Coherence.MinScore,
		Floor:         cfg.Coherence.FloorFor,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreCorrupt, err)
	}
	return store, nil
}

func runStoreSnapshot(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := store.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %v", errStoreCorrupt, err)
	}
	version, tree := store.Current()
	fmt.Printf("snapshot written: %s (commit %d, score %.3f)\n", path, version, tree.CoherenceScore)
	return nil
}

func runStoreRestore(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Restore(args[0]); err != nil {
		return fmt.Errorf("%w: restore %s: %v", errStoreCorrupt, args[0], err)
	}
	version, tree := store.Current()
	fmt.Printf("restored %s: commit %d, score %.3f, hash %s\n", args[0], version, tree.CoherenceScore, tree.ContextHash)
	return nil
}

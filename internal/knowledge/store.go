// Package knowledge implements the versioned knowledge store: the canonical
// tree, optimistic commits, the write-ahead log, snapshots, and recovery.
// The store exclusively owns current-tree state; everything else sees
// read-only snapshots by version.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// Options configure the store.
type Options struct {
	DataDir string
	// SnapshotEvery commits between snapshots. Default 256.
	SnapshotEvery int
	// MinScore is the coherence floor (invariant 1). Default 0.7.
	MinScore float64
	// Floor maps criticality to confidence floor. Default built-ins.
	Floor FloorFunc
	// HistoryDepth bounds the in-memory version history kept for rollback.
	// Default 16.
	HistoryDepth int
}

// Token is a commit ticket issued by Propose: the mutation pinned to the
// base version it was evaluated against, plus the domains it read.
type Token struct {
	BaseVersion uint64
	Mutation    *types.Mutation
	ReadSet     map[types.DomainID]bool
}

// CommitResult reports an applied commit.
type CommitResult struct {
	Version       uint64
	Tree          *types.KnowledgeTree
	Diff          Diff
	SnapshotTaken bool
}

// walDiff is the diff_json payload: the diff plus the commit metadata needed
// to reproduce the exact tree on replay.
type walDiff struct {
	Diff      Diff          `json:"diff"`
	Semver    string        `json:"semver"`
	Score     float64       `json:"score"`
	Timestamp time.Time     `json:"timestamp"`
	Rollback  *rollbackDiff `json:"rollback,omitempty"`
}

// Store owns the canonical tree. Single writer on the commit path; readers
// take the current pointer without blocking writers.
type Store struct {
	opts Options
	wal  *WAL

	// commitMu serializes the commit region (single-writer).
	commitMu sync.Mutex

	// mu guards the canonical pointer swap and derived bookkeeping.
	mu           sync.RWMutex
	version      uint64
	tree         *types.KnowledgeTree
	offsets      map[types.Channel]string
	history      map[uint64]*types.KnowledgeTree
	commitsSince int
	lastSnapshot uint64
}

// Open loads the store from DataDir: latest snapshot plus WAL replay, or a
// fresh bootstrap tree when the directory is empty.
func Open(opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 256
	}
	if opts.MinScore == 0 {
		opts.MinScore = 0.7
	}
	if opts.Floor == nil {
		opts.Floor = DefaultFloors
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = 16
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		opts:    opts,
		offsets: make(map[types.Channel]string),
		history: make(map[uint64]*types.KnowledgeTree),
	}

	snapPath, err := LatestSnapshot(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if snapPath != "" {
		payload, err := ReadSnapshot(snapPath)
		if err != nil {
			return nil, err
		}
		s.version = payload.CommitVersion
		s.tree = payload.Tree
		s.offsets = payload.Offsets
		s.lastSnapshot = payload.CommitVersion
		logging.Recovery("loaded snapshot %s at commit %d", filepath.Base(snapPath), s.version)
	} else {
		tree, err := Bootstrap(opts.Floor)
		if err != nil {
			return nil, fmt.Errorf("bootstrap tree: %w", err)
		}
		s.version = 1
		s.tree = tree
		s.lastSnapshot = 1
		// Persist the bootstrap immediately. Recovery replays the WAL on top
		// of a snapshot, and a re-generated bootstrap would carry different
		// timestamps and fail the commit hash check.
		err = WriteSnapshot(SnapshotPath(opts.DataDir, 1), &SnapshotPayload{
			CommitVersion: 1,
			Tree:          tree,
			Offsets:       s.offsets,
			TakenAt:       time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		logging.Store("bootstrapped fresh tree at commit 1, score %.4f", tree.CoherenceScore)
	}

	if err := s.replayWAL(); err != nil {
		return nil, err
	}

	wal, err := OpenWAL(s.walPath())
	if err != nil {
		return nil, err
	}
	s.wal = wal
	s.history[s.version] = s.tree
	logging.Store("store open at commit %d, tree version %s", s.version, s.tree.Version)
	return s, nil
}

func (s *Store) walPath() string {
	return filepath.Join(s.opts.DataDir, "commits.wal")
}

// replayWAL applies every record newer than the loaded snapshot.
func (s *Store) replayWAL() error {
	records, err := ReadWAL(s.walPath())
	if err != nil {
		return err
	}
	replayed := 0
	for _, rec := range records {
		if rec.Version <= s.version {
			continue
		}
		if rec.Version != s.version+1 {
			return fmt.Errorf("wal gap: have commit %d, next record is %d", s.version, rec.Version)
		}
		var meta walDiff
		if err := json.Unmarshal(rec.DiffJSON, &meta); err != nil {
			return fmt.Errorf("corrupt wal diff at commit %d: %w", rec.Version, err)
		}

		if meta.Rollback != nil {
			tree, err := types.UnmarshalTree(meta.Rollback.Tree)
			if err != nil {
				return fmt.Errorf("corrupt rollback record at commit %d: %w", rec.Version, err)
			}
			s.tree = tree
		} else {
			var m types.Mutation
			if err := json.Unmarshal(rec.MutationJSON, &m); err != nil {
				return fmt.Errorf("corrupt wal mutation at commit %d: %w", rec.Version, err)
			}
			working := s.tree.Clone()
			if _, err := Apply(working, &m); err != nil {
				return fmt.Errorf("replay commit %d: %w", rec.Version, err)
			}
			working.Version = meta.Semver
			working.LastUpdated = meta.Timestamp
			hash, err := working.ComputeHash()
			if err != nil {
				return err
			}
			if hash != rec.CommitHash {
				return fmt.Errorf("wal hash mismatch at commit %d: %s != %s", rec.Version, hash, rec.CommitHash)
			}
			working.ContextHash = hash
			working.CoherenceScore = ComputeScore(working, s.opts.Floor)
			s.tree = working
		}
		s.version = rec.Version
		s.history[s.version] = s.tree
		s.pruneHistory()
		replayed++
	}
	if replayed > 0 {
		logging.Recovery("replayed %d wal records to commit %d", replayed, s.version)
	}
	return nil
}

// Current returns the commit version and the canonical tree. The returned
// tree is immutable; commits swap the pointer rather than mutating it.
func (s *Store) Current() (uint64, *types.KnowledgeTree) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.tree
}

// Propose pins a mutation to the current version and records its read set
// (the target domain plus its dependencies) for rebase decisions.
func (s *Store) Propose(m *types.Mutation) *Token {
	version, tree := s.Current()
	readSet := map[types.DomainID]bool{m.TargetDomain(): true}
	if d, ok := tree.Domains[m.TargetDomain()]; ok {
		for _, dep := range d.Dependencies {
			readSet[dep] = true
		}
	}
	return &Token{BaseVersion: version, Mutation: m, ReadSet: readSet}
}

// Commit applies the token's mutation atomically. Returns ErrConflict when
// the base version is stale, or InvariantViolation when the resulting tree
// would be incoherent (the canonical tree is untouched in both cases).
func (s *Store) Commit(tok *Token) (*CommitResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Commit")
	defer timer.Stop()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	baseVersion, base := s.version, s.tree
	s.mu.RUnlock()
	if baseVersion != tok.BaseVersion {
		return nil, fmt.Errorf("%w: base %d, current %d", types.ErrConflict, tok.BaseVersion, baseVersion)
	}

	working := base.Clone()
	diff, err := Apply(working, tok.Mutation)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", tok.Mutation.MutationID, err)
	}

	now := time.Now().UTC()
	working.Version = bumpPatch(working.Version)
	working.LastUpdated = now
	hash, err := working.ComputeHash()
	if err != nil {
		return nil, err
	}
	working.ContextHash = hash
	working.CoherenceScore = ComputeScore(working, s.opts.Floor)

	if viol := CheckInvariants(working, s.opts.MinScore, s.opts.Floor); viol != nil {
		return nil, viol
	}

	newVersion := baseVersion + 1
	mutJSON, err := json.Marshal(tok.Mutation)
	if err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}
	diffJSON, err := json.Marshal(walDiff{
		Diff:      diff,
		Semver:    working.Version,
		Score:     working.CoherenceScore,
		Timestamp: now,
	})
	if err != nil {
		return nil, fmt.Errorf("encode diff: %w", err)
	}
	if err := s.wal.Append(Record{
		Version:      newVersion,
		Offset:       newVersion,
		MutationJSON: mutJSON,
		DiffJSON:     diffJSON,
		CommitHash:   hash,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.version = newVersion
	s.tree = working
	s.history[newVersion] = working
	s.pruneHistory()
	s.commitsSince++
	snapshotDue := s.commitsSince >= s.opts.SnapshotEvery
	s.mu.Unlock()

	logging.Store("commit %d (%s) by %s on %s, score %.4f",
		newVersion, working.Version, tok.Mutation.Source, tok.Mutation.Target, working.CoherenceScore)

	result := &CommitResult{Version: newVersion, Tree: working, Diff: diff}
	if snapshotDue {
		if _, err := s.Snapshot(); err != nil {
			logging.Get(logging.CategoryStore).Error("scheduled snapshot failed: %v", err)
		} else {
			result.SnapshotTaken = true
		}
	}
	return result, nil
}

// Rollback reinstates the tree as of toVersion under a new commit version.
// Used when the invariant audit finds drift after an applied commit.
func (s *Store) Rollback(toVersion uint64) (uint64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	target, ok := s.history[toVersion]
	current := s.version
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no history for commit %d (depth %d)", toVersion, s.opts.HistoryDepth)
	}

	treeJSON, err := target.Canonical()
	if err != nil {
		return 0, err
	}
	newVersion := current + 1
	mutJSON, _ := json.Marshal(types.Mutation{
		MutationID: fmt.Sprintf("rollback-%d", newVersion),
		Type:       walKindRollback,
		Target:     "*",
		Source:     "invariant_audit",
		Timestamp:  time.Now().UTC(),
		Status:     types.StatusApplied,
	})
	diffJSON, err := json.Marshal(walDiff{
		Semver:    target.Version,
		Score:     target.CoherenceScore,
		Timestamp: time.Now().UTC(),
		Rollback:  &rollbackDiff{RollbackTo: toVersion, Tree: treeJSON},
	})
	if err != nil {
		return 0, err
	}
	if err := s.wal.Append(Record{
		Version:      newVersion,
		Offset:       newVersion,
		MutationJSON: mutJSON,
		DiffJSON:     diffJSON,
		CommitHash:   target.ContextHash,
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.version = newVersion
	s.tree = target
	s.history[newVersion] = target
	s.pruneHistory()
	s.mu.Unlock()

	logging.Store("rolled back to commit %d state as commit %d", toVersion, newVersion)
	return newVersion, nil
}

// Audit re-verifies the canonical tree's invariants. On violation it rolls
// back to the previous version and reports what failed.
func (s *Store) Audit() (*types.InvariantViolation, uint64) {
	s.mu.RLock()
	version, tree := s.version, s.tree
	s.mu.RUnlock()

	viol := CheckInvariants(tree, s.opts.MinScore, s.opts.Floor)
	if viol == nil {
		return nil, 0
	}
	logging.Get(logging.CategoryStore).Error("audit found %v at commit %d", viol, version)
	rolledTo, err := s.Rollback(version - 1)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("audit rollback failed: %v", err)
		return viol, 0
	}
	return viol, rolledTo
}

// Snapshot serializes the current state and returns the file path.
func (s *Store) Snapshot() (string, error) {
	s.mu.Lock()
	version, tree := s.version, s.tree
	offsets := make(map[types.Channel]string, len(s.offsets))
	for ch, off := range s.offsets {
		offsets[ch] = off
	}
	s.commitsSince = 0
	s.lastSnapshot = version
	s.mu.Unlock()

	path := SnapshotPath(s.opts.DataDir, version)
	err := WriteSnapshot(path, &SnapshotPayload{
		CommitVersion: version,
		Tree:          tree,
		Offsets:       offsets,
		TakenAt:       time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	logging.Store("snapshot written at commit %d: %s", version, filepath.Base(path))
	return path, nil
}

// Restore replaces the store state with a snapshot file. Snapshots newer than
// the restored version and the current WAL are rotated aside so the next
// startup recovers exactly the restored state.
func (s *Store) Restore(path string) error {
	payload, err := ReadSnapshot(path)
	if err != nil {
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// Rotate the WAL: records past the restored version must not replay.
	if err := s.wal.Close(); err != nil {
		return err
	}
	rotated := s.walPath() + fmt.Sprintf(".%d.bak", time.Now().Unix())
	if err := os.Rename(s.walPath(), rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate wal: %w", err)
	}
	wal, err := OpenWAL(s.walPath())
	if err != nil {
		return err
	}
	s.wal = wal

	// Drop snapshots newer than the restore point.
	entries, _ := os.ReadDir(s.opts.DataDir)
	for _, e := range entries {
		name := e.Name()
		if name > filepath.Base(path) && filepath.Ext(name) == ".snap" {
			os.Remove(filepath.Join(s.opts.DataDir, name))
		}
	}

	s.mu.Lock()
	s.version = payload.CommitVersion
	s.tree = payload.Tree
	s.offsets = payload.Offsets
	s.history = map[uint64]*types.KnowledgeTree{payload.CommitVersion: payload.Tree}
	s.commitsSince = 0
	s.lastSnapshot = payload.CommitVersion
	s.mu.Unlock()

	// Re-publish the restored state under its own name so LatestSnapshot
	// finds it even if the source file lives elsewhere.
	if _, err := s.Snapshot(); err != nil {
		return err
	}
	logging.Store("restored snapshot %s at commit %d", filepath.Base(path), payload.CommitVersion)
	return nil
}

// SetOffset records the last applied offset for a channel; persisted with
// each snapshot so consumers resume correctly after restart.
func (s *Store) SetOffset(channel types.Channel, offset string) {
	s.mu.Lock()
	s.offsets[channel] = offset
	s.mu.Unlock()
}

// Offset returns the stored resume position for a channel.
func (s *Store) Offset(channel types.Channel) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[channel]
}

// LastSnapshotVersion returns the commit covered by the newest snapshot.
func (s *Store) LastSnapshotVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSnapshot
}

// Close snapshots once more (clean shutdown) and releases the WAL.
func (s *Store) Close() error {
	if _, err := s.Snapshot(); err != nil {
		logging.Get(logging.CategoryStore).Error("shutdown snapshot failed: %v", err)
	}
	return s.wal.Close()
}

func (s *Store) pruneHistory() {
	for v := range s.history {
		if v+uint64(s.opts.HistoryDepth) <= s.version {
			delete(s.history, v)
		}
	}
}

// bumpPatch increments the semver patch component.
func bumpPatch(v string) string {
	var major, minor, patch int
	if _, err := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return v
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}

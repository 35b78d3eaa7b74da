package knowledge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"coherencebus/internal/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	tree, err := Bootstrap(DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	want := &SnapshotPayload{
		CommitVersion: 7,
		Tree:          tree,
		Offsets: map[types.Channel]string{
			types.ChannelMutations: "1700000000000-4",
			types.ChannelFragments: "1700000000001-0",
		},
		TakenAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	path := SnapshotPath(t.TempDir(), 7)
	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestReadSnapshotDetectsCorruption(t *testing.T) {
	tree, err := Bootstrap(DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	path := SnapshotPath(t.TempDir(), 1)
	payload := &SnapshotPayload{CommitVersion: 1, Tree: tree, TakenAt: time.Now().UTC()}
	if err := WriteSnapshot(path, payload); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	buf[len(buf)/2] ^= 0xff
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("write corrupted snapshot: %v", err)
	}

	if _, err := ReadSnapshot(path); err == nil {
		t.Fatal("ReadSnapshot accepted a corrupted body")
	}
}

func TestReadSnapshotRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot-000000000001.snap")
	if err := os.WriteFile(path, make([]byte, 64), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatal("ReadSnapshot accepted zeroed magic")
	}
}

func TestLatestSnapshotPicksNewest(t *testing.T) {
	dir := t.TempDir()
	tree, err := Bootstrap(DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for _, v := range []uint64{1, 12, 3} {
		payload := &SnapshotPayload{CommitVersion: v, Tree: tree, TakenAt: time.Now().UTC()}
		if err := WriteSnapshot(SnapshotPath(dir, v), payload); err != nil {
			t.Fatalf("WriteSnapshot %d: %v", v, err)
		}
	}

	got, err := LatestSnapshot(dir)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if want := SnapshotPath(dir, 12); got != want {
		t.Fatalf("LatestSnapshot = %s, want %s", got, want)
	}
}

func TestLatestSnapshotEmptyDir(t *testing.T) {
	got, err := LatestSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got != "" {
		t.Fatalf("LatestSnapshot on empty dir = %q", got)
	}
}

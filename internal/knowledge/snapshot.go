package knowledge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"coherencebus/internal/types"
)

// Snapshot file framing: {magic_u32, version_u16, length_u32, bytes} with a
// CRC32 (IEEE) trailer over bytes.
const (
	snapshotMagic   uint32 = 0x53434253 // "SCBS"
	snapshotVersion uint16 = 1
)

// SnapshotPayload is the serialized store state: the whole tree plus the last
// applied offset per channel.
type SnapshotPayload struct {
	CommitVersion uint64                   `json:"commit_version"`
	Tree          *types.KnowledgeTree     `json:"tree"`
	Offsets       map[types.Channel]string `json:"offsets"`
	TakenAt       time.Time                `json:"taken_at"`
}

// WriteSnapshot frames and writes the payload to path atomically (temp file +
// rename).
func WriteSnapshot(path string, payload *SnapshotPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	buf := make([]byte, 4+2+4+len(body)+4)
	i := 0
	binary.BigEndian.PutUint32(buf[i:], snapshotMagic)
	i += 4
	binary.BigEndian.PutUint16(buf[i:], snapshotVersion)
	i += 2
	binary.BigEndian.PutUint32(buf[i:], uint32(len(body)))
	i += 4
	copy(buf[i:], body)
	i += len(body)
	binary.BigEndian.PutUint32(buf[i:], crc32.ChecksumIEEE(body))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot parses and verifies a snapshot file.
func ReadSnapshot(path string) (*SnapshotPayload, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(buf) < 4+2+4+4 {
		return nil, fmt.Errorf("snapshot %s truncated: %d bytes", path, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[:4]); magic != snapshotMagic {
		return nil, fmt.Errorf("snapshot %s: bad magic %#x", path, magic)
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, v)
	}
	n := binary.BigEndian.Uint32(buf[6:10])
	if uint32(len(buf)) < 10+n+4 {
		return nil, fmt.Errorf("snapshot %s: body truncated", path)
	}
	body := buf[10 : 10+n]
	want := binary.BigEndian.Uint32(buf[10+n : 10+n+4])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("snapshot %s: crc mismatch %#x != %#x", path, got, want)
	}

	var payload SnapshotPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if payload.Tree == nil {
		return nil, fmt.Errorf("snapshot %s: missing tree", path)
	}
	if payload.Tree.Domains == nil {
		payload.Tree.Domains = make(map[types.DomainID]types.Domain)
	}
	if payload.Offsets == nil {
		payload.Offsets = make(map[types.Channel]string)
	}
	return &payload, nil
}

// SnapshotPath names the snapshot file for a commit version.
func SnapshotPath(dir string, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot-%012d.snap", version))
}

// LatestSnapshot returns the newest snapshot file in dir, or "" when none
// exists.
func LatestSnapshot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("scan snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snapshot-") && strings.HasSuffix(e.Name(), ".snap") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

package knowledge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"coherencebus/internal/logging"
)

// walKindRollback marks the synthetic mutation type carried by rollback
// records. Replay installs the embedded tree instead of re-applying.
const walKindRollback = "Rollback"

// Record is one WAL entry: length-prefixed
// {version_u64, offset_u64, mutation_json, diff_json, commit_hash}.
type Record struct {
	Version      uint64
	Offset       uint64
	MutationJSON []byte
	DiffJSON     []byte
	CommitHash   string
}

// WAL is the append-only commit log. Single writer; the store serializes
// appends under its commit lock.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenWAL opens (or creates) the log in append mode.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &WAL{f: f, path: path}, nil
}

// Append writes one record and syncs it to disk. The commit only becomes
// visible after this returns.
func (w *WAL) Append(rec Record) error {
	payload := encodeRecord(rec)
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("append wal record v%d: %w", rec.Version, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func encodeRecord(rec Record) []byte {
	hash := []byte(rec.CommitHash)
	size := 8 + 8 + 4 + len(rec.MutationJSON) + 4 + len(rec.DiffJSON) + 4 + len(hash)
	buf := make([]byte, size)
	i := 0
	binary.BigEndian.PutUint64(buf[i:], rec.Version)
	i += 8
	binary.BigEndian.PutUint64(buf[i:], rec.Offset)
	i += 8
	i += putBytes(buf[i:], rec.MutationJSON)
	i += putBytes(buf[i:], rec.DiffJSON)
	putBytes(buf[i:], hash)
	return buf
}

func putBytes(dst, b []byte) int {
	binary.BigEndian.PutUint32(dst, uint32(len(b)))
	copy(dst[4:], b)
	return 4 + len(b)
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if len(payload) < 16 {
		return rec, fmt.Errorf("record too short: %d bytes", len(payload))
	}
	rec.Version = binary.BigEndian.Uint64(payload[:8])
	rec.Offset = binary.BigEndian.Uint64(payload[8:16])
	rest := payload[16:]

	take := func() ([]byte, error) {
		if len(rest) < 4 {
			return nil, errors.New("truncated length prefix")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return nil, errors.New("truncated field")
		}
		b := rest[:n]
		rest = rest[n:]
		return b, nil
	}

	var err error
	if rec.MutationJSON, err = take(); err != nil {
		return rec, err
	}
	if rec.DiffJSON, err = take(); err != nil {
		return rec, err
	}
	hash, err := take()
	if err != nil {
		return rec, err
	}
	rec.CommitHash = string(hash)
	return rec, nil
}

// ReadWAL returns every intact record in order. A torn tail record (partial
// write on crash) is dropped with a warning rather than failing recovery.
func ReadWAL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wal for read: %w", err)
	}
	defer f.Close()

	var out []Record
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			logging.Recovery("dropping torn wal tail after %d records: %v", len(out), err)
			return out, nil
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			logging.Recovery("dropping torn wal record after %d records: %v", len(out), err)
			return out, nil
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return out, fmt.Errorf("corrupt wal record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

// rollbackDiff is the diff_json payload of a rollback record: the full tree
// being reinstated.
type rollbackDiff struct {
	RollbackTo uint64          `json:"rollback_to"`
	Tree       json.RawMessage `json:"tree"`
}

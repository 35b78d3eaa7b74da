package bus

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"coherencebus/internal/logging"
)

// persistence backs the idempotency window and the dead-letter queue with
// SQLite so both survive restarts. The in-memory seen map in front of it
// keeps the hot path off disk reads.
type persistence struct {
	db *sql.DB
	mu sync.Mutex
}

func openPersistence(path string) (*persistence, error) {
	timer := logging.StartTimer(logging.CategoryBus, "openPersistence")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open bus database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.BusDebug("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.BusDebug("set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.BusDebug("set synchronous=NORMAL: %v", err)
	}

	p := &persistence{db: db}
	if err := p.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *persistence) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_messages (
		message_id TEXT PRIMARY KEY,
		channel    TEXT NOT NULL,
		offset     TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seen_expiry ON seen_messages(expires_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		channel        TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		message_id     TEXT NOT NULL,
		offset         TEXT NOT NULL,
		payload        BLOB NOT NULL,
		delivery_count INTEGER NOT NULL,
		last_error     TEXT NOT NULL,
		created_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_channel ON dead_letters(channel, consumer_group);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize bus schema: %w", err)
	}
	return nil
}

// rememberMessage records a published message id with its offset and TTL
// expiry.
func (p *persistence) rememberMessage(messageID, channel, offset string, expiresAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(
		`INSERT OR REPLACE INTO seen_messages (message_id, channel, offset, expires_at) VALUES (?, ?, ?, ?)`,
		messageID, channel, offset, expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("remember message: %w", err)
	}
	return nil
}

// lookupMessage returns the stored offset and expiry for a message id, if the
// entry has not expired. Backs the in-memory window on a miss.
func (p *persistence) lookupMessage(messageID string, now time.Time) (string, time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var offset string
	var expiresAt int64
	err := p.db.QueryRow(
		`SELECT offset, expires_at FROM seen_messages WHERE message_id = ?`, messageID,
	).Scan(&offset, &expiresAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("lookup message: %w", err)
	}
	if now.Unix() > expiresAt {
		return "", time.Time{}, false, nil
	}
	return offset, time.Unix(expiresAt, 0), true, nil
}

// sweepExpired drops expired idempotency entries. Called periodically.
func (p *persistence) sweepExpired(now time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.db.Exec(`DELETE FROM seen_messages WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep seen messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// loadSeen returns all live idempotency entries, used to warm the in-memory
// window on startup.
func (p *persistence) loadSeen(now time.Time) (map[string]seenEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows, err := p.db.Query(`SELECT message_id, offset, expires_at FROM seen_messages WHERE expires_at >= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("load seen messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]seenEntry)
	for rows.Next() {
		var id, offset string
		var exp int64
		if err := rows.Scan(&id, &offset, &exp); err != nil {
			return nil, fmt.Errorf("scan seen message: %w", err)
		}
		out[id] = seenEntry{offset: offset, expiresAt: time.Unix(exp, 0)}
	}
	return out, rows.Err()
}

// DeadLetter is one exhausted delivery.
type DeadLetter struct {
	ID            int64     `json:"id"`
	Channel       string    `json:"channel"`
	ConsumerGroup string    `json:"consumer_group"`
	MessageID     string    `json:"message_id"`
	Offset        string    `json:"offset"`
	Payload       []byte    `json:"payload"`
	DeliveryCount int       `json:"delivery_count"`
	LastError     string    `json:"last_error"`
	CreatedAt     time.Time `json:"created_at"`
}

// deadLetter stores an exhausted delivery.
func (p *persistence) deadLetter(dl DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(
		`INSERT INTO dead_letters (channel, consumer_group, message_id, offset, payload, delivery_count, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.Channel, dl.ConsumerGroup, dl.MessageID, dl.Offset, dl.Payload, dl.DeliveryCount, dl.LastError, dl.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

// deadLetters lists stored dead letters for a channel/group.
func (p *persistence) deadLetters(channel, group string) ([]DeadLetter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows, err := p.db.Query(
		`SELECT id, channel, consumer_group, message_id, offset, payload, delivery_count, last_error, created_at
		 FROM dead_letters WHERE channel = ? AND consumer_group = ? ORDER BY id`,
		channel, group,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var created int64
		if err := rows.Scan(&dl.ID, &dl.Channel, &dl.ConsumerGroup, &dl.MessageID, &dl.Offset, &dl.Payload, &dl.DeliveryCount, &dl.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.CreatedAt = time.Unix(created, 0)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (p *persistence) close() error {
	return p.db.Close()
}

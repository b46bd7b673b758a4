// File-backed Backend implementation: modernc.org/sqlite (pure-Go, no
// CGo), opened with WAL + busy-timeout pragmas, and plain database/sql
// access, no ORM.
package taskstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the content-addressable on-disk store: each value is
// stored alongside a SHA-256 content hash, re-verified on read so
// corruption surfaces as an error instead of a bad decode. The sidecar
// order/tag state is a plain JSON file at <path>_metadata.json.
type SQLiteBackend struct {
	db       *sql.DB
	metaPath string
}

// OpenSQLiteBackend opens (creating if absent) the sqlite database at
// dbPath and tracks its sidecar metadata at dbPath+"_metadata.json".
func OpenSQLiteBackend(dbPath string) (*SQLiteBackend, *SidecarMeta, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	b := &SQLiteBackend{db: db, metaPath: dbPath + "_metadata.json"}
	meta, err := b.readMeta()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return b, meta, nil
}

func (b *SQLiteBackend) readMeta() (*SidecarMeta, error) {
	data, err := os.ReadFile(b.metaPath)
	if os.IsNotExist(err) {
		return &SidecarMeta{Tagged: map[string]bool{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sidecar metadata %s: %w", b.metaPath, err)
	}
	var meta SidecarMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse sidecar metadata %s: %w", b.metaPath, err)
	}
	if meta.Tagged == nil {
		meta.Tagged = map[string]bool{}
	}
	return &meta, nil
}

// SyncMeta flushes order/tag state to the sidecar JSON file.
func (b *SQLiteBackend) SyncMeta(meta *SidecarMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.metaPath, data, 0o644)
}

func (b *SQLiteBackend) Get(key string) (json.RawMessage, bool, error) {
	var value []byte
	var hash string
	err := b.db.QueryRow(`SELECT value, content_hash FROM entries WHERE key = ?`, key).Scan(&value, &hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if contentHash(value) != hash {
		return nil, false, fmt.Errorf("taskstore: content hash mismatch for key %q", key)
	}
	return json.RawMessage(value), true, nil
}

func (b *SQLiteBackend) Put(key string, value json.RawMessage) error {
	_, err := b.db.Exec(`INSERT INTO entries (key, content_hash, value) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET content_hash = excluded.content_hash, value = excluded.value`,
		key, contentHash(value), []byte(value))
	return err
}

func (b *SQLiteBackend) Delete(key string) error {
	_, err := b.db.Exec(`DELETE FROM entries WHERE key = ?`, key)
	return err
}

func (b *SQLiteBackend) Keys() ([]string, error) {
	rows, err := b.db.Query(`SELECT key FROM entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func contentHash(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

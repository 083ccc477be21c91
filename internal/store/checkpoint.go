package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// SetCheckpoint upserts a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. Returns "" with no error
// when the key has never been written.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetCheckpointMillis stores a unix-millis checkpoint, used for the poll
// horizon.
func (db *DB) SetCheckpointMillis(key string, ms int64) error {
	return db.SetCheckpoint(key, strconv.FormatInt(ms, 10))
}

// GetCheckpointMillis reads a unix-millis checkpoint. Returns 0 when unset.
func (db *DB) GetCheckpointMillis(key string) (int64, error) {
	value, err := db.GetCheckpoint(key)
	if err != nil || value == "" {
		return 0, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return ms, nil
}

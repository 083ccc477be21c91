package store

import (
	"database/sql"
	"fmt"
)

// SnapshotRow is one persisted tab-state snapshot.
type SnapshotRow struct {
	ID      int64
	UserID  string
	TakenAt int64 // unix millis
	Payload []byte
}

// SaveSnapshot inserts a snapshot and prunes older ones so at most keep rows
// remain for the user. Insert and prune run in one transaction.
func (db *DB) SaveSnapshot(userID string, takenAt int64, payload []byte, keep int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO snapshots (user_id, taken_at, payload) VALUES (?, ?, ?)`,
		userID, takenAt, payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if keep > 0 {
		if _, err := tx.Exec(`
			DELETE FROM snapshots
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE user_id = ?
				ORDER BY taken_at DESC, id DESC LIMIT ?
			)`, userID, userID, keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}

	return tx.Commit()
}

// LatestSnapshot returns the most recent snapshot for the user, or nil when
// none exist.
func (db *DB) LatestSnapshot(userID string) (*SnapshotRow, error) {
	var row SnapshotRow
	err := db.QueryRow(`
		SELECT id, user_id, taken_at, payload FROM snapshots
		WHERE user_id = ? ORDER BY taken_at DESC, id DESC LIMIT 1`, userID).
		Scan(&row.ID, &row.UserID, &row.TakenAt, &row.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListSnapshots returns all snapshots for a user, newest first.
func (db *DB) ListSnapshots(userID string) ([]SnapshotRow, error) {
	rows, err := db.Query(`
		SELECT id, user_id, taken_at, payload FROM snapshots
		WHERE user_id = ? ORDER BY taken_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.TakenAt, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeSnapshots removes every snapshot for the user. Called on logout.
func (db *DB) PurgeSnapshots(userID string) error {
	_, err := db.Exec(`DELETE FROM snapshots WHERE user_id = ?`, userID)
	return err
}

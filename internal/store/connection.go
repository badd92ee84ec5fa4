package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hubdesk/wagate/internal/model"
)

// CreateConnection inserts a new connection record and returns its id.
func (db *DB) CreateConnection(name, provider string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO connections (name, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		name, provider, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert connection: %w", err)
	}
	return res.LastInsertId()
}

// GetConnection returns a connection record by id, or nil if absent.
func (db *DB) GetConnection(id int64) (*model.Connection, error) {
	var c model.Connection
	var enabled int
	err := db.QueryRow(`
		SELECT id, name, status, qrcode, session, retries, provider, enabled
		FROM connections WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Status, &c.QRCode, &c.Session, &c.Retries, &c.Provider, &enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	return &c, nil
}

// ListEnabledConnections returns all connections eligible for session boot.
func (db *DB) ListEnabledConnections() ([]model.Connection, error) {
	rows, err := db.Query(`
		SELECT id, name, status, qrcode, session, retries, provider, enabled
		FROM connections WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var conns []model.Connection
	for rows.Next() {
		var c model.Connection
		var enabled int
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.QRCode, &c.Session, &c.Retries, &c.Provider, &enabled); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnection persists the mutable session fields of a connection
// record (status, QR payload, retry counter, credential blob).
func (db *DB) UpdateConnection(id int64, status, qrcode string, retries int, session []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE connections
		SET status = ?, qrcode = ?, retries = ?, session = ?, updated_at = ?
		WHERE id = ?`,
		status, qrcode, retries, session, now, id)
	return err
}

// UpdateSession persists only the credential blob. Used by the debounced
// credential writer so it does not race status updates.
func (db *DB) UpdateSession(id int64, session []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE connections SET session = ?, updated_at = ? WHERE id = ?`, session, now, id)
	return err
}

// DeleteConnection removes a connection record.
func (db *DB) DeleteConnection(id int64) error {
	_, err := db.Exec(`DELETE FROM connections WHERE id = ?`, id)
	return err
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceKey is one durable cryptographic key record. Uniqueness is on the
// (connection, device, type, key id) 4-tuple.
type DeviceKey struct {
	ConnectionID int64
	DeviceID     string
	Type         string
	KeyID        string
	Value        []byte
}

// UpsertDeviceKey inserts or replaces a key record (idempotent on the
// 4-tuple key).
func (db *DB) UpsertDeviceKey(k DeviceKey) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO device_keys (connection_id, device_id, key_type, key_id, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, device_id, key_type, key_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		k.ConnectionID, k.DeviceID, k.Type, k.KeyID, k.Value, now, now)
	return err
}

// GetDeviceKeys returns the stored values for the requested key ids. Ids
// never written are simply absent from the result.
func (db *DB) GetDeviceKeys(connectionID int64, deviceID, keyType string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		var value []byte
		err := db.QueryRow(`
			SELECT value FROM device_keys
			WHERE connection_id = ? AND device_id = ? AND key_type = ? AND key_id = ?`,
			connectionID, deviceID, keyType, id).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get device key %s/%s: %w", keyType, id, err)
		}
		out[id] = value
	}
	return out, nil
}

// DeleteDeviceKeys removes all durable keys for a connection.
func (db *DB) DeleteDeviceKeys(connectionID int64) error {
	_, err := db.Exec(`DELETE FROM device_keys WHERE connection_id = ?`, connectionID)
	return err
}

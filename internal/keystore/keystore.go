// Package keystore routes per-device cryptographic key material between a
// TTL-backed Redis cache (hot types) and the durable device_keys table, and
// coalesces credential-blob writes behind a debounce timer.
package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/hubdesk/wagate/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hot key types live only in the cache; everything else is durable and
// survives process restart.
const (
	TypeSession         = "session"
	TypeSenderKey       = "sender-key"
	TypeSenderKeyMemory = "sender-key-memory"

	// TypeIdentity is durable: it ties a state directory to the device
	// registration it was paired under.
	TypeIdentity = "identity"
)

var hotTypes = map[string]bool{
	TypeSession:         true,
	TypeSenderKey:       true,
	TypeSenderKeyMemory: true,
}

// IsHot reports whether a key type is cache-only.
func IsHot(keyType string) bool {
	return hotTypes[keyType]
}

// DurableKeys is the durable key table contract, satisfied by *store.DB.
type DurableKeys interface {
	UpsertDeviceKey(k store.DeviceKey) error
	GetDeviceKeys(connectionID int64, deviceID, keyType string, ids []string) (map[string][]byte, error)
	DeleteDeviceKeys(connectionID int64) error
}

// Store is the hybrid key store.
type Store struct {
	rdb     *redis.Client
	durable DurableKeys
	prefix  string
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a key store. ttl applies to hot-type entries.
func New(rdb *redis.Client, durable DurableKeys, prefix string, ttl time.Duration, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "wagate:"
	}
	return &Store{
		rdb:     rdb,
		durable: durable,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger,
	}
}

func (s *Store) cacheKey(connectionID int64, deviceID, keyType, keyID string) string {
	return fmt.Sprintf("%skey:%d:%s:%s:%s", s.prefix, connectionID, deviceID, keyType, keyID)
}

func (s *Store) connPattern(connectionID int64) string {
	return fmt.Sprintf("%skey:%d:*", s.prefix, connectionID)
}

// Get returns the stored values for the requested ids. Ids never written
// (or expired) are absent from the result; a missing id is not an error.
func (s *Store) Get(ctx context.Context, connectionID int64, deviceID, keyType string, ids []string) (map[string][]byte, error) {
	if IsHot(keyType) {
		out := make(map[string][]byte, len(ids))
		for _, id := range ids {
			val, err := s.rdb.Get(ctx, s.cacheKey(connectionID, deviceID, keyType, id)).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("cache get %s/%s: %w", keyType, id, err)
			}
			out[id] = val
		}
		return out, nil
	}
	return s.durable.GetDeviceKeys(connectionID, deviceID, keyType, ids)
}

// Set fans out individual key writes. A persistence failure for one key is
// logged and does not abort the remaining writes; the last error is
// returned after the full fan-out.
func (s *Store) Set(ctx context.Context, connectionID int64, deviceID, keyType string, values map[string][]byte) error {
	var lastErr error
	for id, val := range values {
		var err error
		if IsHot(keyType) {
			err = s.rdb.Set(ctx, s.cacheKey(connectionID, deviceID, keyType, id), val, s.ttl).Err()
		} else {
			err = s.durable.UpsertDeviceKey(store.DeviceKey{
				ConnectionID: connectionID,
				DeviceID:     deviceID,
				Type:         keyType,
				KeyID:        id,
				Value:        val,
			})
		}
		if err != nil {
			lastErr = err
			s.logger.Error("key write failed",
				zap.Int64("connection", connectionID),
				zap.String("key_type", keyType),
				zap.String("key_id", id),
				zap.Error(err))
		}
	}
	return lastErr
}

// PurgeConnection deletes every cache-resident key for a connection via
// pattern scan. Called on logout so a future distinct login cannot reuse
// stale session keys.
func (s *Store) PurgeConnection(ctx context.Context, connectionID int64) error {
	iter := s.rdb.Scan(ctx, 0, s.connPattern(connectionID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys for connection %d: %w", connectionID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %d keys for connection %d: %w", len(keys), connectionID, err)
	}
	s.logger.Info("purged hot keys", zap.Int64("connection", connectionID), zap.Int("count", len(keys)))
	return nil
}

// PurgeAll removes both the cache-resident and the durable key material
// for a connection. Used when the device registration itself ends, so no
// key outlives the registration it belongs to.
func (s *Store) PurgeAll(ctx context.Context, connectionID int64) error {
	if err := s.PurgeConnection(ctx, connectionID); err != nil {
		return err
	}
	return s.durable.DeleteDeviceKeys(connectionID)
}

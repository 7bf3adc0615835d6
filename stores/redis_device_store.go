package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/shield"
)

// RedisDeviceStore keeps trusted device records in Redis (key: device:{principalID}:{deviceID})
type RedisDeviceStore struct {
	client *redis.Client
	keyFmt string // format string, e.g. "device:%s:%s"
	ttl    time.Duration
}

func NewRedisDeviceStore(client *redis.Client, ttl time.Duration) *RedisDeviceStore {
	return &RedisDeviceStore{client: client, keyFmt: "device:%s:%s", ttl: ttl}
}

func (r *RedisDeviceStore) key(principalID, deviceID string) string {
	return fmt.Sprintf(r.keyFmt, principalID, deviceID)
}

func (r *RedisDeviceStore) RegisterDevice(ctx context.Context, d *shield.TrustedDevice) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(d.PrincipalID, d.DeviceID), b, r.ttl).Err()
}

func (r *RedisDeviceStore) RevokeDevice(ctx context.Context, principalID, deviceID string) error {
	return r.client.Del(ctx, r.key(principalID, deviceID)).Err()
}

// GetDevice returns (nil, nil) for unknown devices; the gate treats that as
// untrusted.
func (r *RedisDeviceStore) GetDevice(ctx context.Context, principalID, deviceID string) (*shield.TrustedDevice, error) {
	res, err := r.client.Get(ctx, r.key(principalID, deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var d shield.TrustedDevice
	if err := json.Unmarshal([]byte(res), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TouchDevice refreshes last-seen and re-arms the TTL
func (r *RedisDeviceStore) TouchDevice(ctx context.Context, principalID, deviceID string) error {
	d, err := r.GetDevice(ctx, principalID, deviceID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("device not registered: %s/%s", principalID, deviceID)
	}
	d.LastSeenAt = time.Now().UTC()
	return r.RegisterDevice(ctx, d)
}

package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror writes call:<id> with the latest status for one hour.
type RedisMirror struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisMirror(rdb redis.UniversalClient) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: time.Hour}
}

type mirroredStatus struct {
	CallID    string    `json:"call_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *RedisMirror) Mirror(ctx context.Context, c Call) error {
	raw, err := json.Marshal(mirroredStatus{CallID: c.ID, Status: c.Status, UpdatedAt: c.UpdatedAt})
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, MirrorKey(c.ID), raw, m.ttl).Err(); err != nil {
		return fmt.Errorf("calls: mirror status: %w", err)
	}
	return nil
}

// MirrorKey is the Redis key holding the mirrored status of id.
func MirrorKey(id string) string { return "call:" + id }

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ SendLedger = (*RedisLedger)(nil)

func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func ledgerKey(jobID uuid.UUID) string {
	return "outreach:sent:" + jobID.String()
}

func (c *RedisLedger) MarkSent(ctx context.Context, jobID uuid.UUID, remoteMessageID string, sentAt time.Time) error {
	val := sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, ledgerKey(jobID), b, c.ttl).Err()
}

func (c *RedisLedger) WasSent(ctx context.Context, jobID uuid.UUID) (bool, error) {
	err := c.rdb.Get(ctx, ledgerKey(jobID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NopLedger is used when no Redis is configured.
type NopLedger struct{}

func (NopLedger) MarkSent(context.Context, uuid.UUID, string, time.Time) error { return nil }
func (NopLedger) WasSent(context.Context, uuid.UUID) (bool, error) { return false, nil }

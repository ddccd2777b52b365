package storage

import (
	"context"
	"encoding/json"
	"time"

	"HProject/global"
	"HProject/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisHistory 每群一个 newest-first 列表，LPUSH+LTRIM 滚动窗口，
// EXPIRE 控制留存期。pipeline 写法同离线队列。
type RedisHistory struct {
	rdb  *redis.Client
	size int64
	ttl  time.Duration
}

func NewRedisHistory(rdb *redis.Client, size int, ttl time.Duration) *RedisHistory {
	if size <= 0 {
		size = 50
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisHistory{rdb: rdb, size: int64(size), ttl: ttl}
}

func (h *RedisHistory) Append(ctx context.Context, msg *model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "history marshal")
	}
	key := global.KeyGroupRecent(msg.GroupID)
	pipe := h.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, h.size-1)
	pipe.Expire(ctx, key, h.ttl)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "history pipeline")
}

// Recent 取最近 limit 条，按 ID 升序返回（存的时候是 newest-first，
// 读出来要反转）。
func (h *RedisHistory) Recent(ctx context.Context, groupID int64, limit int) ([]*model.Message, error) {
	if limit <= 0 || int64(limit) > h.size {
		limit = int(h.size)
	}
	vals, err := h.rdb.LRange(ctx, global.KeyGroupRecent(groupID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "history lrange")
	}
	out := make([]*model.Message, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		msg := &model.Message{}
		if uerr := json.Unmarshal([]byte(vals[i]), msg); uerr != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (h *RedisHistory) Drop(ctx context.Context, groupID int64) error {
	return errors.Wrap(h.rdb.Del(ctx, global.KeyGroupRecent(groupID)).Err(), "history del")
}

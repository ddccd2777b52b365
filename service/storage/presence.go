package storage

import (
	"context"
	"strconv"

	"HProject/global"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisPresence 基于 redis set 的在线状态，所有节点共享一份。
// 成员进出用 SADD/SREM，计数用 SCARD，全部是存储端原子原语，
// 应用侧不加锁。
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) Online(ctx context.Context, userID int64) error {
	return errors.Wrap(p.rdb.SAdd(ctx, global.KeyOnlineUsers, userID).Err(), "presence sadd")
}

func (p *RedisPresence) Offline(ctx context.Context, userID int64) error {
	return errors.Wrap(p.rdb.SRem(ctx, global.KeyOnlineUsers, userID).Err(), "presence srem")
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	ok, err := p.rdb.SIsMember(ctx, global.KeyOnlineUsers, userID).Result()
	return ok, errors.Wrap(err, "presence sismember")
}

func (p *RedisPresence) Count(ctx context.Context) (int64, error) {
	n, err := p.rdb.SCard(ctx, global.KeyOnlineUsers).Result()
	return n, errors.Wrap(err, "presence scard")
}

func (p *RedisPresence) OnlineIDs(ctx context.Context) ([]int64, error) {
	vals, err := p.rdb.SMembers(ctx, global.KeyOnlineUsers).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence smembers")
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (p *RedisPresence) Reset(ctx context.Context) error {
	return errors.Wrap(p.rdb.Del(ctx, global.KeyOnlineUsers).Err(), "presence del")
}

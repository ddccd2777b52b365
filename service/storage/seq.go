package storage

import (
	"context"

	"HProject/global"
	errs "HProject/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisSequence 共享消息序列：SETNX 播种，INCR 发号。
type RedisSequence struct {
	rdb *redis.Client
}

func NewRedisSequence(rdb *redis.Client) *RedisSequence {
	return &RedisSequence{rdb: rdb}
}

func (s *RedisSequence) SetIfAbsent(ctx context.Context, v int64) error {
	return s.rdb.SetNX(ctx, global.KeyMessageSeq, v, 0).Err()
}

func (s *RedisSequence) Incr(ctx context.Context) (int64, error) {
	return s.rdb.Incr(ctx, global.KeyMessageSeq).Result()
}

// Allocator 全局消息 ID 分配器。
// 启动时从持久化表的 MAX(id) 播种一次（set-if-absent，避免重启回拨已初始化
// 的计数器导致 ID 复用），之后每条消息一次原子自增。
type Allocator struct {
	seq SequenceStore
}

func NewAllocator(seq SequenceStore) *Allocator {
	return &Allocator{seq: seq}
}

// Seed 进程启动时调用一次。计数器已存在时 SETNX 不生效，first-writer-wins。
func (a *Allocator) Seed(ctx context.Context, store MessageStore) error {
	maxID, err := store.MaxMessageID(ctx)
	if err != nil {
		return errs.ErrAllocatorUnavailable.Wrap(err)
	}
	if err := a.seq.SetIfAbsent(ctx, maxID); err != nil {
		return errs.ErrAllocatorUnavailable.Wrap(err)
	}
	return nil
}

// Next 发下一个 ID。共享计数器不可用时必须响亮失败，
// 不允许退回任何本地发号方案（会撞号）。
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	id, err := a.seq.Incr(ctx)
	if err != nil {
		return 0, errs.ErrAllocatorUnavailable.Wrap(err)
	}
	return id, nil
}

package storage

import (
	"context"

	"HProject/model"
)

// MessageStore 持久化库的调用契约：幂等批量写入 + 播种读。
// 实现见 data/database/pg；内存实现在 memory.go，单测注入用。
type MessageStore interface {
	// InsertBatch 整批写入，重复 ID 跳过（upsert-ignore），保证 Flush 重放安全
	InsertBatch(ctx context.Context, msgs []*model.Message) error
	// MaxMessageID 当前最大消息 ID，表空时返回 0
	MaxMessageID(ctx context.Context) (int64, error)
}

// ReadStateStore 未读数契约，算术全部在业务库一侧完成
type ReadStateStore interface {
	// UnreadCounts 返回 (聊天未读, 通知未读)
	UnreadCounts(ctx context.Context, userID int64) (chat int64, notification int64, err error)
}

// PresenceStore 全局在线集合
type PresenceStore interface {
	Online(ctx context.Context, userID int64) error
	Offline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	Count(ctx context.Context) (int64, error)
	OnlineIDs(ctx context.Context) ([]int64, error)
	// Reset 清空集合。只在单机模式启动时调用，集群下会误伤其它节点。
	Reset(ctx context.Context) error
}

// SequenceStore 共享自增计数器：set-if-absent 播种 + 原子自增
type SequenceStore interface {
	SetIfAbsent(ctx context.Context, v int64) error
	Incr(ctx context.Context) (int64, error)
}

// QueueStore 待落库列表。Push 追加到尾部；Range 读头部 n 条不移除；
// AckRange 原子地校验头部元素后移除正好 n 条（见 DESIGN.md 的 trim 决策）。
type QueueStore interface {
	Push(ctx context.Context, val string) error
	Range(ctx context.Context, n int64) ([]string, error)
	AckRange(ctx context.Context, head string, n int64) error
	Len(ctx context.Context) (int64, error)
}

// HistoryCache 群最近消息缓存，重连快速补档用
type HistoryCache interface {
	Append(ctx context.Context, msg *model.Message) error
	Recent(ctx context.Context, groupID int64, limit int) ([]*model.Message, error)
	Drop(ctx context.Context, groupID int64) error
}

package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"HProject/global"
	"HProject/logger"
	"HProject/model"
	errs "HProject/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ackRange：头部元素仍是本批第一条时才裁掉 n 条。
// 另一个节点抢先 flush 同一批的话头部已经变了，这里就是 no-op，
// 重复写库由 upsert-ignore 吸收。
var ackScript = redis.NewScript(`
  local head = redis.call('LINDEX', KEYS[1], 0)
  if head == ARGV[1] then
    redis.call('LTRIM', KEYS[1], tonumber(ARGV[2]), -1)
    return 1
  end
  return 0
`)

// RedisQueue 待落库消息列表
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Push(ctx context.Context, val string) error {
	return errors.Wrap(q.rdb.RPush(ctx, global.KeyPendingMessages, val).Err(), "queue rpush")
}

func (q *RedisQueue) Range(ctx context.Context, n int64) ([]string, error) {
	vals, err := q.rdb.LRange(ctx, global.KeyPendingMessages, 0, n-1).Result()
	return vals, errors.Wrap(err, "queue lrange")
}

func (q *RedisQueue) AckRange(ctx context.Context, head string, n int64) error {
	return errors.Wrap(ackScript.Run(ctx, q.rdb, []string{global.KeyPendingMessages}, head, n).Err(), "queue ack")
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, global.KeyPendingMessages).Result()
	return n, errors.Wrap(err, "queue llen")
}

// ===== 异步落库队列 =====

// MessageQueue 把实时投递和持久化解耦：
// Enqueue 发号、打时间戳、入列表后立刻返回（热路径 O(1)，不等落库）；
// Flush 由定时器触发，批量 upsert-ignore 写库后按头校验精确裁剪。
type MessageQueue struct {
	alloc   *Allocator
	queue   QueueStore
	store   MessageStore
	history HistoryCache

	batchSize int64
	busy      atomic.Bool      // flush 重入保护，同节点并发触发直接 no-op
	clock     func() time.Time // 单测注入
}

type QueueConf struct {
	BatchSize int
	Clock     func() time.Time
}

func NewMessageQueue(alloc *Allocator, queue QueueStore, store MessageStore, history HistoryCache, conf QueueConf) *MessageQueue {
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	return &MessageQueue{
		alloc:     alloc,
		queue:     queue,
		store:     store,
		history:   history,
		batchSize: int64(conf.BatchSize),
		clock:     conf.Clock,
	}
}

// Enqueue 给消息发号、盖时间戳并推入待落库队列，返回已盖章的消息。
// 调用方拿到返回值即可实时投递，不等待 Flush。
func (m *MessageQueue) Enqueue(ctx context.Context, msg *model.Message) (*model.Message, error) {
	id, err := m.alloc.Next(ctx)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	msg.CreatedAt = m.clock()

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.ErrValidation.Wrap(err)
	}
	if err := m.queue.Push(ctx, string(raw)); err != nil {
		return nil, errs.ErrPersistence.Wrap(err)
	}

	// 最近历史缓存 best-effort，失败不影响投递也不影响落库
	if m.history != nil {
		if herr := m.history.Append(ctx, msg); herr != nil {
			logger.Warnf("[MessageQueue] history append failed group=%d: %v", msg.GroupID, herr)
		}
	}
	return msg, nil
}

// Flush 批量落库。已有 flush 在跑时直接返回；写库失败不裁剪列表，
// 整批留到下个周期重试。返回本轮写入条数。
func (m *MessageQueue) Flush(ctx context.Context) (int, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer m.busy.Store(false)

	vals, err := m.queue.Range(ctx, m.batchSize)
	if err != nil {
		return 0, errs.ErrPersistence.Wrap(err)
	}
	if len(vals) == 0 {
		return 0, nil
	}

	msgs := make([]*model.Message, 0, len(vals))
	for _, v := range vals {
		msg := &model.Message{}
		if uerr := json.Unmarshal([]byte(v), msg); uerr != nil {
			// 脏元素照常占位，随本批一起裁掉，否则队头永远卡死
			logger.Errorf("[MessageQueue] drop undecodable element: %v", uerr)
			continue
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) > 0 {
		if err := m.store.InsertBatch(ctx, msgs); err != nil {
			return 0, errs.ErrPersistence.Wrap(err)
		}
	}

	if err := m.queue.AckRange(ctx, vals[0], int64(len(vals))); err != nil {
		// 写库已成功，裁剪失败最多导致下一轮重复写，由 upsert-ignore 兜底
		logger.Warnf("[MessageQueue] ack failed, batch will be replayed: %v", err)
	}
	return len(msgs), nil
}

// Pending 队列当前长度，运维接口用
func (m *MessageQueue) Pending(ctx context.Context) (int64, error) {
	return m.queue.Len(ctx)
}

package bridge

import (
	"context"
	"sync"

	"HProject/global"
	"HProject/logger"
	errs "HProject/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisBridge 用 redis Pub/Sub 做跨节点转发。共享存储本身就在 redis 上，
// 多数部署无需再引入 broker。
type RedisBridge struct {
	rdb    *redis.Client
	nodeID string
	prefix string

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
}

func NewRedisBridge(rdb *redis.Client, nodeID, prefix string) *RedisBridge {
	if prefix == "" {
		prefix = "chat:channel"
	}
	return &RedisBridge{rdb: rdb, nodeID: nodeID, prefix: prefix}
}

func (b *RedisBridge) channelName(ch Channel) string {
	if ch == ChannelNotify {
		return global.ChannelNotify(b.prefix)
	}
	return global.ChannelMessages(b.prefix)
}

func (b *RedisBridge) Publish(ctx context.Context, ch Channel, env *Envelope) error {
	env.Origin = b.nodeID
	raw, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channelName(ch), raw).Err(); err != nil {
		return errs.ErrBridgeUnavailable.Wrap(err)
	}
	return nil
}

func (b *RedisBridge) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errs.ErrBridgeUnavailable.WrapMsg("already subscribed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	msgCh := global.ChannelMessages(b.prefix)
	ntfCh := global.ChannelNotify(b.prefix)
	sub := b.rdb.Subscribe(ctx, msgCh, ntfCh)
	// 等订阅确认，避免启动窗口内丢事件
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return errs.ErrBridgeUnavailable.Wrap(err)
	}
	b.sub = sub

	go func() {
		for m := range sub.Channel() {
			env, err := decode([]byte(m.Payload))
			if err != nil {
				logger.Warnf("[bridge] bad envelope on %s: %v", m.Channel, err)
				continue
			}
			if env.Origin == b.nodeID {
				continue
			}
			if m.Channel == ntfCh {
				h(ChannelNotify, env)
			} else {
				h(ChannelMessages, env)
			}
		}
	}()
	return nil
}

func (b *RedisBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		err := b.sub.Close()
		b.sub = nil
		return err
	}
	return nil
}

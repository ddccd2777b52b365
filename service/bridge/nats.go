package bridge

import (
	"context"
	"sync"
	"time"

	"HProject/global"
	"HProject/logger"
	errs "HProject/tools/errs"

	"github.com/nats-io/nats.go"
)

// NatsBridge 已有 NATS 网格的机房用这个后端；核心 pub/sub 即可，
// 信封语义与 redis 后端完全一致，不要求 JetStream。
type NatsBridge struct {
	nc     *nats.Conn
	nodeID string
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBridge(url, nodeID, prefix string) (*NatsBridge, error) {
	if prefix == "" {
		prefix = "chat:channel"
	}
	nc, err := nats.Connect(url,
		nats.Name("hr-gateway-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[bridge] nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[bridge] nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errs.ErrBridgeUnavailable.Wrap(err)
	}
	return &NatsBridge{nc: nc, nodeID: nodeID, prefix: prefix}, nil
}

func (b *NatsBridge) subject(ch Channel) string {
	if ch == ChannelNotify {
		return global.ChannelNotify(b.prefix)
	}
	return global.ChannelMessages(b.prefix)
}

func (b *NatsBridge) Publish(_ context.Context, ch Channel, env *Envelope) error {
	env.Origin = b.nodeID
	raw, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject(ch), raw); err != nil {
		return errs.ErrBridgeUnavailable.Wrap(err)
	}
	return nil
}

func (b *NatsBridge) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) > 0 {
		return errs.ErrBridgeUnavailable.WrapMsg("already subscribed")
	}
	for _, ch := range []Channel{ChannelMessages, ChannelNotify} {
		ch := ch
		sub, err := b.nc.Subscribe(b.subject(ch), func(m *nats.Msg) {
			env, derr := decode(m.Data)
			if derr != nil {
				logger.Warnf("[bridge] bad envelope on %s: %v", m.Subject, derr)
				return
			}
			if env.Origin == b.nodeID {
				return
			}
			h(ch, env)
		})
		if err != nil {
			return errs.ErrBridgeUnavailable.Wrap(err)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *NatsBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
	b.nc.Close()
	return nil
}

package bridge

import (
	"context"
	"sync"

	errs "HProject/tools/errs"
)

// LoopbackBus 进程内总线：多个节点端点共享一条总线，模拟多实例部署。
// 单测用，行为（origin 去重、双频道）与真实后端一致。
type LoopbackBus struct {
	mu        sync.Mutex
	endpoints []*LoopbackBridge
	down      bool
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{}
}

// SetDown 模拟介质不可达，之后的 Publish 返回 BridgeUnavailable
func (b *LoopbackBus) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Endpoint 给一个节点接一个端点
func (b *LoopbackBus) Endpoint(nodeID string) *LoopbackBridge {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &LoopbackBridge{bus: b, nodeID: nodeID}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

func (b *LoopbackBus) publish(ch Channel, env *Envelope) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return errs.ErrBridgeUnavailable.WrapMsg("loopback bus down")
	}
	eps := make([]*LoopbackBridge, len(b.endpoints))
	copy(eps, b.endpoints)
	b.mu.Unlock()

	// 经过一次编解码，保证 payload 形态和真实介质一致（map[string]any）
	raw, err := encode(env)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		cp, derr := decode(raw)
		if derr != nil {
			return derr
		}
		ep.deliver(ch, cp)
	}
	return nil
}

// LoopbackBridge 总线上的单节点端点，实现 Bridge
type LoopbackBridge struct {
	bus    *LoopbackBus
	nodeID string

	mu      sync.Mutex
	handler Handler
}

func (l *LoopbackBridge) Publish(_ context.Context, ch Channel, env *Envelope) error {
	env.Origin = l.nodeID
	return l.bus.publish(ch, env)
}

func (l *LoopbackBridge) Subscribe(h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		return errs.ErrBridgeUnavailable.WrapMsg("already subscribed")
	}
	l.handler = h
	return nil
}

func (l *LoopbackBridge) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = nil
	return nil
}

func (l *LoopbackBridge) deliver(ch Channel, env *Envelope) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil || env.Origin == l.nodeID {
		return
	}
	h(ch, env)
}

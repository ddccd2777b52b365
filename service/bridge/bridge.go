package bridge

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Channel 逻辑频道：聊天帧和系统通知分开走，订阅端按频道选投递路径。
type Channel string

const (
	ChannelMessages Channel = "messages"
	ChannelNotify   Channel = "notify"
)

// Envelope 跨节点转发的统一信封。Origin 是发布节点 ID，
// 订阅端丢弃自己发的信封（本地投递在发布前已完成）。
type Envelope struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Origin  string         `json:"origin"`
	UserID  int64          `json:"user_id,omitempty"`
	GroupID int64          `json:"group_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler 收到远端信封后的本地投递回调
type Handler func(ch Channel, env *Envelope)

// Bridge 跨节点 pub/sub 策略。单机部署不建 Bridge（mode=local），
// 网关只走本地投递——这是一等支持的降级形态，不是错误路径。
type Bridge interface {
	// Publish 序列化并发布；失败返回错误由调用方降级处理
	Publish(ctx context.Context, ch Channel, env *Envelope) error
	// Subscribe 启动时调用一次；自己 Origin 的信封不会回调
	Subscribe(h Handler) error
	Close() error
}

func encode(env *Envelope) ([]byte, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	raw, err := json.Marshal(env)
	return raw, errors.Wrap(err, "bridge marshal")
}

func decode(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errors.Wrap(err, "bridge unmarshal")
	}
	return env, nil
}

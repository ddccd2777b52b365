package notify

import (
	"context"
	"time"

	"HProject/model"
	"HProject/service/chat"
)

// Dispatcher 通知派发门面：业务侧（HTTP 接口、定时任务）只跟它打交道，
// 不关心目标用户连在哪个节点。离线用户静默跳过，未读数由业务库兜底。
type Dispatcher struct {
	s     *chat.Server
	clock func() time.Time
}

func NewDispatcher(s *chat.Server) *Dispatcher {
	return &Dispatcher{s: s, clock: time.Now}
}

func (d *Dispatcher) payload(n *model.Notification) map[string]any {
	created := n.CreatedAt
	if created.IsZero() {
		created = d.clock()
	}
	out := map[string]any{
		"type":       n.Type,
		"title":      n.Title,
		"content":    n.Content,
		"created_at": created.UTC().Format(time.RFC3339),
	}
	if n.RelatedID != 0 {
		out["related_id"] = n.RelatedID
	}
	return out
}

// SendToUser 单人通知，new_notification 事件
func (d *Dispatcher) SendToUser(ctx context.Context, userID int64, n *model.Notification) {
	d.s.PublishUserEvent(ctx, chat.EventNotification, userID, d.payload(n))
}

// SendToUsers 批量通知。部分用户离线不算失败，逐个投递。
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []int64, n *model.Notification) {
	for _, uid := range userIDs {
		d.SendToUser(ctx, uid, n)
	}
}

// Broadcast 全员公告，new_broadcast 事件
func (d *Dispatcher) Broadcast(ctx context.Context, n *model.Notification) {
	d.s.PublishUserEvent(ctx, chat.EventBroadcast, 0, d.payload(n))
}

// SendMemo 备忘提醒，new_memo 事件
func (d *Dispatcher) SendMemo(ctx context.Context, userID int64, n *model.Notification) {
	d.s.PublishUserEvent(ctx, chat.EventMemo, userID, d.payload(n))
}

// PushUnread 主动推一把未读数（业务侧在写入通知后调用）
func (d *Dispatcher) PushUnread(ctx context.Context, userID int64, count, chatN, notifyN int64) {
	d.s.PublishUserEvent(ctx, chat.EventUnreadCount, userID, map[string]any{
		"count":        count,
		"chat":         chatN,
		"notification": notifyN,
	})
}

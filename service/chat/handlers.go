package chat

import (
	"context"
	"time"
)

func registerHandlers(d *Dispatcher) {
	d.Register(&PingHandler{})
	d.Register(&JoinGroupHandler{})
	d.Register(&LeaveGroupHandler{})
	d.Register(&SendMessageHandler{})
	d.Register(&UnreadHandler{})
}

// PingHandler 应用层心跳，pong 带服务端时间戳
type PingHandler struct{}

func (h *PingHandler) Event() string { return EventPing }
func (h *PingHandler) Handle(ctx *Context, _ *Frame, conn *Conn) error {
	_ = ctx.S.ConnMgr().HeartbeatRefresh(conn.ID)
	conn.Enqueue(mustFrame(EventPong, PongPayload{Timestamp: time.Now().UnixMilli()}))
	return nil
}

// JoinGroupHandler 进群房间。补发最近缓存消息，重连的客户端不用等下一条。
type JoinGroupHandler struct{}

func (h *JoinGroupHandler) Event() string { return EventJoinGroup }
func (h *JoinGroupHandler) Handle(ctx *Context, f *Frame, conn *Conn) error {
	req := &JoinGroupReq{}
	if err := decodePayload(f, req); err != nil {
		return err
	}
	ctx.S.ConnMgr().JoinRoom(conn.ID, req.GroupID)

	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recent, err := ctx.S.History(c, req.GroupID, 0)
	if err != nil {
		// 补档失败不影响进群
		return nil
	}
	for _, msg := range recent {
		conn.Enqueue(receiveMessageFrame(msg))
	}
	return nil
}

type LeaveGroupHandler struct{}

func (h *LeaveGroupHandler) Event() string { return EventLeaveGroup }
func (h *LeaveGroupHandler) Handle(ctx *Context, f *Frame, conn *Conn) error {
	req := &JoinGroupReq{}
	if err := decodePayload(f, req); err != nil {
		return err
	}
	ctx.S.ConnMgr().LeaveRoom(conn.ID, req.GroupID)
	return nil
}

type SendMessageHandler struct{}

func (h *SendMessageHandler) Event() string { return EventSendMessage }
func (h *SendMessageHandler) Handle(ctx *Context, f *Frame, conn *Conn) error {
	req := &SendMessageReq{}
	if err := decodePayload(f, req); err != nil {
		return err
	}
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ctx.S.HandleSend(c, conn, req)
}

type UnreadHandler struct{}

func (h *UnreadHandler) Event() string { return EventUnreadReq }
func (h *UnreadHandler) Handle(ctx *Context, _ *Frame, conn *Conn) error {
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return ctx.S.HandleUnread(c, conn)
}

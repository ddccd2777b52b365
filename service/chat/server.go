package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"HProject/logger"
	"HProject/model"
	"HProject/service/bridge"
	"HProject/service/storage"
	"HProject/tools/decode"
	errs "HProject/tools/errs"
)

// ServerConf 网关装配参数。Bus 允许为 nil：单机部署没有跨节点转发，
// 全部投递走本地连接表。
type ServerConf struct {
	NodeID    string
	Manager   ManagerConf
	Workers   int
	Presence  storage.PresenceStore
	Queue     *storage.MessageQueue
	History   storage.HistoryCache
	ReadState storage.ReadStateStore
	Bus       bridge.Bridge
	Clock     func() time.Time
}

// Server 网关服务：本地连接表 + 扇出池 + 事件分发，
// 外加 presence / 队列 / 桥 三个远端依赖的编排。
type Server struct {
	nodeID     string
	connMgr    *ConnManager
	fanout     *Fanout
	dispatcher *Dispatcher
	presence   storage.PresenceStore
	queue      *storage.MessageQueue
	history    storage.HistoryCache
	readState  storage.ReadStateStore
	bus        bridge.Bridge
	bridgeDown atomic.Bool // 只在状态翻转时打日志
	clock      func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewServer(conf ServerConf) *Server {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	s := &Server{
		nodeID:     conf.NodeID,
		fanout:     NewFanout(conf.Workers, 0),
		dispatcher: NewDispatcher(),
		presence:   conf.Presence,
		queue:      conf.Queue,
		history:    conf.History,
		readState:  conf.ReadState,
		bus:        conf.Bus,
		clock:      conf.Clock,
		stop:       make(chan struct{}),
	}
	mc := conf.Manager
	mc.OnExpire = func(c *Conn, last bool) {
		logger.Warnf("conn expired by sweeper conn=%s user=%d", c.ID, c.UserID)
		s.afterDisconnect(context.Background(), c, last)
	}
	s.connMgr = NewConnManager(mc)
	registerHandlers(s.dispatcher)
	return s
}

// Start 挂上桥订阅。mode=local 时 bus 为 nil，直接返回。
func (s *Server) Start() error {
	if s.bus == nil {
		logger.Infof("gateway %s running in local delivery mode", s.nodeID)
		return nil
	}
	return s.bus.Subscribe(s.onBridgeEvent)
}

// Close 收口：把本节点用户从全局在线集合摘掉（其它节点的不动），
// 停掉探活和扇出池，再关连接和桥
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen := map[int64]struct{}{}
	for _, c := range s.connMgr.AllConns() {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		if err := s.presence.Offline(ctx, c.UserID); err != nil {
			logger.Warnf("presence offline on close user=%d: %v", c.UserID, err)
		}
	}
	s.connMgr.Close()
	s.fanout.Close()
	if s.bus != nil {
		_ = s.bus.Close()
	}
}

func (s *Server) ConnMgr() *ConnManager   { return s.connMgr }
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Server) NodeID() string          { return s.nodeID }

// ===== 连接生命周期 =====

// RegisterConn 登记连接；该用户首条连接置全局在线并广播在线人数
func (s *Server) RegisterConn(ctx context.Context, c *Conn) {
	first, evicted := s.connMgr.Add(c)
	if evicted != nil {
		logger.Warnf("evict oldest conn=%s user=%d, per-user limit hit", evicted.ID, evicted.UserID)
	}
	// 问候帧先入队，保证客户端最先看到 connected
	c.Enqueue(connectedFrame(c.UserID, s.clock()))
	if first {
		if err := s.presence.Online(ctx, c.UserID); err != nil {
			logger.Errorf("presence online user=%d: %v", c.UserID, err)
		}
		s.broadcastOnlineCount(ctx)
	}
}

// UnregisterConn 注销连接；最后一条下线并广播在线人数
func (s *Server) UnregisterConn(ctx context.Context, connID string) {
	c, last := s.connMgr.Remove(connID)
	if c == nil {
		return
	}
	s.afterDisconnect(ctx, c, last)
}

func (s *Server) afterDisconnect(ctx context.Context, c *Conn, last bool) {
	if !last {
		return
	}
	if err := s.presence.Offline(ctx, c.UserID); err != nil {
		logger.Errorf("presence offline user=%d: %v", c.UserID, err)
	}
	s.broadcastOnlineCount(ctx)
}

// broadcastOnlineCount 向本地全部连接推全局在线人数，并转发给其它节点。
// presence 读失败退回本地计数，推送照常。
func (s *Server) broadcastOnlineCount(ctx context.Context) {
	n, err := s.presence.Count(ctx)
	if err != nil {
		logger.Errorf("presence count: %v", err)
		n = s.connMgr.LocalUserCount()
	}
	s.EmitToAll(mustFrame(EventOnlineCount, OnlineCountPayload{Count: n}))
	s.publishBridge(ctx, bridge.ChannelNotify, &bridge.Envelope{
		Event:   EventOnlineCount,
		Payload: map[string]any{"count": n},
	})
}

// ===== 本地投递 =====

func (s *Server) EmitToUser(userID int64, payload []byte) {
	s.fanout.Broadcast(userID, s.connMgr.UserConns(userID), payload)
}

func (s *Server) EmitToGroup(groupID int64, payload []byte) {
	s.fanout.Broadcast(groupID, s.connMgr.RoomConns(groupID), payload)
}

func (s *Server) EmitToAll(payload []byte) {
	s.fanout.Broadcast(0, s.connMgr.AllConns(), payload)
}

// ===== 业务操作 =====

// HandleSend 群消息链路：取号落队列，然后本地群投递 + 跨节点转发。
// 取号失败整条拒绝（没有 ID 的消息不能出现在任何投递路径上）；
// 队列写入失败消息已有 ID，实时投递照常，丢的是那份持久化副本。
func (s *Server) HandleSend(ctx context.Context, c *Conn, req *SendMessageReq) error {
	msgType := req.Type
	if msgType == "" {
		msgType = model.MsgTypeText
	}
	msg := &model.Message{
		SenderID:   c.UserID,
		GroupID:    req.TargetID,
		Content:    req.Content,
		MsgType:    msgType,
		FileURL:    req.FileURL,
		SenderName: c.Username,
	}

	stamped, err := s.queue.Enqueue(ctx, msg)
	if err != nil {
		if errs.ErrAllocatorUnavailable.Is(err) {
			return err
		}
		// 持久化路径失败：实时链路继续，发件人收到一条错误事件
		logger.Errorf("enqueue message user=%d group=%d: %v", c.UserID, req.TargetID, err)
		c.Enqueue(errorFrame(err))
		stamped = msg
	}

	frame := receiveMessageFrame(stamped)
	s.EmitToGroup(stamped.GroupID, frame)
	s.publishBridge(ctx, bridge.ChannelMessages, &bridge.Envelope{
		Event:   EventReceiveMessage,
		GroupID: stamped.GroupID,
		Payload: messageToMap(stamped),
	})
	return nil
}

// HandleUnread 未读数查询，count 是两类之和，老客户端只看 count
func (s *Server) HandleUnread(ctx context.Context, c *Conn) error {
	chatN, notifyN, err := s.readState.UnreadCounts(ctx, c.UserID)
	if err != nil {
		return errs.ErrPersistence.Wrap(err)
	}
	c.Enqueue(mustFrame(EventUnreadCount, UnreadPayload{
		Count:        chatN + notifyN,
		Chat:         chatN,
		Notification: notifyN,
	}))
	return nil
}

// ForceDisconnect 踢用户下线：先送 kicked_out 再关连接。
// propagate 时经桥转发，其它节点对同一用户做同样动作。
func (s *Server) ForceDisconnect(ctx context.Context, userID int64, reason string, propagate bool) int {
	conns := s.connMgr.KickUser(userID)
	if len(conns) > 0 {
		frame := mustFrame(EventKickedOut, KickedOutPayload{Reason: reason})
		for _, c := range conns {
			c.Enqueue(frame)
			// 给 writeLoop 一个出帧的机会再关
			go func(c *Conn) {
				time.Sleep(100 * time.Millisecond)
				c.close()
			}(c)
		}
		if err := s.presence.Offline(ctx, userID); err != nil {
			logger.Errorf("presence offline user=%d: %v", userID, err)
		}
		s.broadcastOnlineCount(ctx)
	}
	if propagate {
		s.publishBridge(ctx, bridge.ChannelNotify, &bridge.Envelope{
			Event:   EventKickedOut,
			UserID:  userID,
			Payload: map[string]any{"reason": reason},
		})
	}
	return len(conns)
}

// MemberUpdate 群成员变更，群在线成员收到一条轻量事件自行拉新名单
func (s *Server) MemberUpdate(ctx context.Context, groupID int64, action string) {
	frame := mustFrame(EventMemberUpdate, MemberUpdatePayload{GroupID: groupID, Action: action})
	s.EmitToGroup(groupID, frame)
	s.publishBridge(ctx, bridge.ChannelNotify, &bridge.Envelope{
		Event:   EventMemberUpdate,
		GroupID: groupID,
		Payload: map[string]any{"groupId": groupID, "action": action},
	})
}

// OnlineCount 供 HTTP 查询口用
func (s *Server) OnlineCount(ctx context.Context) (int64, error) {
	return s.presence.Count(ctx)
}

func (s *Server) History(ctx context.Context, groupID int64, limit int) ([]*model.Message, error) {
	return s.history.Recent(ctx, groupID, limit)
}

// ===== 桥 =====

// publishBridge 发布失败降级为本地投递，只在状态翻转时打日志
func (s *Server) publishBridge(ctx context.Context, ch bridge.Channel, env *bridge.Envelope) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ch, env); err != nil {
		if s.bridgeDown.CompareAndSwap(false, true) {
			logger.Errorf("bridge publish failed, degrading to local delivery: %v", err)
		}
		return
	}
	if s.bridgeDown.CompareAndSwap(true, false) {
		logger.Infof("bridge publish recovered")
	}
}

// onBridgeEvent 远端信封进来后的本地投递。Origin 为本节点的在 bridge
// 实现里已被丢弃，这里看到的都是别的节点发的。
func (s *Server) onBridgeEvent(ch bridge.Channel, env *bridge.Envelope) {
	switch env.Event {
	case EventReceiveMessage:
		msg, err := decode.DecodeMap[model.Message](env.Payload)
		if err != nil {
			logger.Errorf("bridge message decode env=%s: %v", env.ID, err)
			return
		}
		s.EmitToGroup(env.GroupID, receiveMessageFrame(msg))

	case EventNotification, EventMemo, EventBroadcast:
		frame := mustFrame(env.Event, env.Payload)
		if env.Event == EventBroadcast || env.UserID == 0 {
			s.EmitToAll(frame)
			return
		}
		s.EmitToUser(env.UserID, frame)

	case EventUnreadCount:
		s.EmitToUser(env.UserID, mustFrame(EventUnreadCount, env.Payload))

	case EventKickedOut:
		// 远端发起的踢人，本节点不再回转发
		s.ForceDisconnect(context.Background(), env.UserID, asString(env.Payload["reason"]), false)

	case EventMemberUpdate:
		frame := mustFrame(EventMemberUpdate, env.Payload)
		s.EmitToGroup(env.GroupID, frame)

	case EventOnlineCount:
		s.EmitToAll(mustFrame(EventOnlineCount, env.Payload))

	default:
		logger.Warnf("bridge: unknown event=%s channel=%s", env.Event, ch)
	}
}

// PublishUserEvent 给通知派发层用：本地先投，再转发给其它节点
func (s *Server) PublishUserEvent(ctx context.Context, event string, userID int64, payload map[string]any) {
	frame := mustFrame(event, payload)
	if userID == 0 {
		s.EmitToAll(frame)
	} else {
		s.EmitToUser(userID, frame)
	}
	s.publishBridge(ctx, bridge.ChannelNotify, &bridge.Envelope{
		Event:   event,
		UserID:  userID,
		Payload: payload,
	})
}

func messageToMap(msg *model.Message) map[string]any {
	raw, _ := json.Marshal(msg)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

package chat

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ===== 配置 =====

type ManagerConf struct {
	HeartbeatTTL time.Duration    // 心跳超时（如 60s），超时由 sweeper 关连接
	SweepEvery   time.Duration    // 清理周期（如 10s）
	MaxPerUser   int              // 每用户最大连接数（<=0 不限制），超限淘汰最老的
	SendBuffer   int              // 每连接发送队列长度
	Clock        func() time.Time // 可注入时钟（单测用）；nil => time.Now

	// OnExpire 心跳超时被清理时回调，last 表示该用户已无连接。
	// 上层在这里做 presence 下线。
	OnExpire func(c *Conn, last bool)
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// ===== 数据结构 =====

// Conn 一条已认证的 socket 连接。写全部走 send 队列由 writeLoop 串行化，
// 其它 goroutine 不允许直接 WriteMessage。
type Conn struct {
	ID       string // 雪花 ID，进程内唯一
	UserID   int64
	Username string
	Role     string

	ws     *websocket.Conn
	Remote net.Addr
	send   chan []byte
	done   chan struct{}

	CreatedAt time.Time
	UpdatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time

	closeOnce sync.Once
}

func newConn(id string, userID int64, username, role string, ws *websocket.Conn, buf int, now time.Time, ttl time.Duration) *Conn {
	c := &Conn{
		ID:        id,
		UserID:    userID,
		Username:  username,
		Role:      role,
		ws:        ws,
		send:      make(chan []byte, buf),
		done:      make(chan struct{}),
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		ExpireAt:  now.Add(ttl),
	}
	if ws != nil {
		if ra := ws.RemoteAddr(); ra != nil {
			c.Remote = ra
		}
	}
	return c
}

// Enqueue 非阻塞投递；慢客户端队列满则丢帧，已关闭的连接直接丢，
// 绝不阻塞调用方。send 队列永远不 close：扇出协程可能还拿着这条连接，
// 靠 done 信号挡住后续投递。
func (c *Conn) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close 幂等关闭：发 done 信号让 writeLoop 退出，再关底层 socket
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// writeLoop 每连接一个，串行消费 send 队列
func (c *Conn) writeLoop() {
	defer func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if c.ws == nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// ConnManager 本地连接表。byID 是主索引，byUser 支撑多端，
// rooms 是群房间 -> 连接集合。跨节点状态不在这里，归 Presence Store。
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[int64]map[string]*Conn
	rooms  map[int64]map[string]*Conn

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[string]*Conn),
		byUser: make(map[int64]map[string]*Conn),
		rooms:  make(map[int64]map[string]*Conn),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		c.close()
	}
	m.byID = map[string]*Conn{}
	m.byUser = map[int64]map[string]*Conn{}
	m.rooms = map[int64]map[string]*Conn{}
}

// NewConn 建连接对象并启动它的 writeLoop
func (m *ConnManager) NewConn(id string, userID int64, username, role string, ws *websocket.Conn) *Conn {
	now := m.conf.Clock()
	c := newConn(id, userID, username, role, ws, m.conf.SendBuffer, now, m.conf.HeartbeatTTL)
	go c.writeLoop()
	return c
}

// Add 登记连接。返回该用户是否从 0 变 1（首条连接才需要置 presence online）。
// 超过 MaxPerUser 时淘汰该用户最老的一条。
func (m *ConnManager) Add(c *Conn) (first bool, evicted *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm := m.byUser[c.UserID]
	first = len(mm) == 0
	if m.conf.MaxPerUser > 0 && len(mm) >= m.conf.MaxPerUser {
		var oldest *Conn
		for _, w := range mm {
			if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
				oldest = w
			}
		}
		if oldest != nil {
			m.removeLocked(oldest.ID)
			evicted = oldest
		}
	}

	m.byID[c.ID] = c
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[string]*Conn)
	}
	m.byUser[c.UserID][c.ID] = c
	return first, evicted
}

// Remove 注销连接。返回该用户是否已无任何连接（最后一条才置 offline）。
func (m *ConnManager) Remove(connID string) (c *Conn, last bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return nil, false
	}
	m.removeLocked(connID)
	return c, len(m.byUser[c.UserID]) == 0
}

// removeLocked 持锁调用：摘全部索引并关闭
func (m *ConnManager) removeLocked(connID string) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	delete(m.byID, connID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	for gid, room := range m.rooms {
		delete(room, connID)
		if len(room) == 0 {
			delete(m.rooms, gid)
		}
	}
	c.close()
}

// HeartbeatRefresh 刷新心跳与到期时间
func (m *ConnManager) HeartbeatRefresh(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return errors.New("conn not found")
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(m.conf.HeartbeatTTL)
	c.UpdatedAt = now
	return nil
}

// AttachPongHandler 绑定 gorilla 的 PongHandler，协议层 pong 也算心跳
func (m *ConnManager) AttachPongHandler(c *Conn) {
	if c.ws == nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		_ = m.HeartbeatRefresh(c.ID) // 连接可能刚好被清理，忽略
		return nil
	})
}

// JoinRoom / LeaveRoom 幂等
func (m *ConnManager) JoinRoom(connID string, groupID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	if m.rooms[groupID] == nil {
		m.rooms[groupID] = make(map[string]*Conn)
	}
	m.rooms[groupID][connID] = c
}

func (m *ConnManager) LeaveRoom(connID string, groupID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[groupID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(m.rooms, groupID)
	}
}

// RoomConns 房间快照
func (m *ConnManager) RoomConns(groupID int64) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[groupID]
	out := make([]*Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

// UserConns 某用户的全部连接快照
func (m *ConnManager) UserConns(userID int64) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	out := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

// AllConns 全部连接快照
func (m *ConnManager) AllConns() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

// LocalUserCount 本节点在线用户数（降级模式下的在线人数来源）
func (m *ConnManager) LocalUserCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.byUser))
}

// KickUser 摘掉某用户全部连接并返回，由调用方先发 kicked_out 再关
func (m *ConnManager) KickUser(userID int64) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm := m.byUser[userID]
	out := make([]*Conn, 0, len(mm))
	for id, c := range mm {
		delete(m.byID, id)
		for gid, room := range m.rooms {
			delete(room, id)
			if len(room) == 0 {
				delete(m.rooms, gid)
			}
		}
		out = append(out, c)
	}
	delete(m.byUser, userID)
	return out
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

// SweepExpired 立即清一轮，返回被清掉的连接（sweeper 周期外单测也会调）
func (m *ConnManager) SweepExpired(now time.Time) []*Conn {
	var expired []*Conn
	var lastFlags []bool
	m.mu.Lock()
	for id, c := range m.byID {
		if now.After(c.ExpireAt) {
			// 收集后统一关闭，避免持锁期间关 socket
			delete(m.byID, id)
			if mm := m.byUser[c.UserID]; mm != nil {
				delete(mm, id)
				if len(mm) == 0 {
					delete(m.byUser, c.UserID)
				}
			}
			for gid, room := range m.rooms {
				delete(room, id)
				if len(room) == 0 {
					delete(m.rooms, gid)
				}
			}
			expired = append(expired, c)
			lastFlags = append(lastFlags, len(m.byUser[c.UserID]) == 0)
		}
	}
	m.mu.Unlock()

	for i, c := range expired {
		c.close()
		if m.conf.OnExpire != nil {
			m.conf.OnExpire(c, lastFlags[i])
		}
	}
	return expired
}

func (m *ConnManager) sweepOnce(now time.Time) {
	m.SweepExpired(now)
}

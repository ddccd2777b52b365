package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"HProject/model"
	"HProject/service/bridge"
	"HProject/service/storage"
	errs "HProject/tools/errs"
)

type fakeReadState struct {
	chatN, notifyN int64
	fail           bool
}

func (f *fakeReadState) UnreadCounts(context.Context, int64) (int64, int64, error) {
	if f.fail {
		return 0, 0, errs.ErrPersistence.WrapMsg("db down")
	}
	return f.chatN, f.notifyN, nil
}

type testEnv struct {
	s     *Server
	seq   *storage.MemorySequence
	list  *storage.MemoryQueue
	store *storage.MemoryMessageStore
	reads *fakeReadState
}

func newTestServer(t *testing.T, nodeID string, bus bridge.Bridge) *testEnv {
	t.Helper()
	env := &testEnv{
		seq:   storage.NewMemorySequence(),
		list:  storage.NewMemoryQueue(),
		store: storage.NewMemoryMessageStore(),
		reads: &fakeReadState{},
	}
	queue := storage.NewMessageQueue(
		storage.NewAllocator(env.seq), env.list, env.store,
		storage.NewMemoryHistory(50), storage.QueueConf{BatchSize: 100},
	)
	env.s = NewServer(ServerConf{
		NodeID: nodeID,
		Manager: ManagerConf{
			HeartbeatTTL: time.Minute,
			SweepEvery:   time.Hour,
			SendBuffer:   64,
		},
		Workers:   2,
		Presence:  storage.NewMemoryPresence(),
		Queue:     queue,
		History:   storage.NewMemoryHistory(50),
		ReadState: env.reads,
		Bus:       bus,
	})
	if err := env.s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(env.s.Close)
	return env
}

// connect 建一条没有底层 socket 的连接，出帧直接从 send 队列里读
func connect(env *testEnv, id string, uid int64) *Conn {
	c := newConn(id, uid, "u", "employee", nil, 64, time.Now(), time.Minute)
	env.s.RegisterConn(context.Background(), c)
	return c
}

func awaitFrame(t *testing.T, c *Conn, event string) *Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.send:
			f := &Frame{}
			if err := json.Unmarshal(raw, f); err != nil {
				t.Fatal(err)
			}
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %s", event)
		}
	}
}

func noFrame(t *testing.T, c *Conn, event string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case raw := <-c.send:
			f := &Frame{}
			if err := json.Unmarshal(raw, f); err != nil {
				t.Fatal(err)
			}
			if f.Event == event {
				t.Fatalf("unexpected event %s: %s", event, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

func TestRegisterSendsConnectedAndOnlineCount(t *testing.T) {
	env := newTestServer(t, "n1", nil)

	c := connect(env, "c1", 100)
	f := awaitFrame(t, c, EventConnected)
	p := &ConnectedPayload{}
	if err := json.Unmarshal(f.Data, p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != 100 {
		t.Fatalf("want userId 100, got %d", p.UserID)
	}
	awaitFrame(t, c, EventOnlineCount)

	n, err := env.s.OnlineCount(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("want 1 online, got %d err=%v", n, err)
	}
}

func TestUnregisterLastConnGoesOffline(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	ctx := context.Background()

	c1 := connect(env, "c1", 100)
	c2 := connect(env, "c2", 100)
	_ = c1

	env.s.UnregisterConn(ctx, "c1")
	if n, _ := env.s.OnlineCount(ctx); n != 1 {
		t.Fatalf("still one device up, want online=1 got %d", n)
	}

	env.s.UnregisterConn(ctx, "c2")
	if n, _ := env.s.OnlineCount(ctx); n != 0 {
		t.Fatalf("want online=0 got %d", n)
	}
	_ = c2
}

func TestSendMessageDeliversToRoom(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	ctx := context.Background()

	sender := connect(env, "c1", 1)
	member := connect(env, "c2", 2)
	outsider := connect(env, "c3", 3)
	env.s.ConnMgr().JoinRoom("c1", 77)
	env.s.ConnMgr().JoinRoom("c2", 77)

	err := env.s.HandleSend(ctx, sender, &SendMessageReq{TargetID: 77, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Conn{sender, member} {
		f := awaitFrame(t, c, EventReceiveMessage)
		msg := &model.Message{}
		if err := json.Unmarshal(f.Data, msg); err != nil {
			t.Fatal(err)
		}
		if msg.ID != 1 || msg.Content != "hello" || msg.SenderID != 1 || msg.GroupID != 77 {
			t.Fatalf("bad message: %+v", msg)
		}
		if msg.MsgType != model.MsgTypeText {
			t.Fatalf("empty type must default to text, got %s", msg.MsgType)
		}
	}
	noFrame(t, outsider, EventReceiveMessage, 100*time.Millisecond)

	// 同一条消息也进了待落库队列
	if n, _ := env.list.Len(ctx); n != 1 {
		t.Fatalf("want 1 queued, got %d", n)
	}
}

func TestSendRejectedWhenAllocatorDown(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	ctx := context.Background()

	sender := connect(env, "c1", 1)
	env.s.ConnMgr().JoinRoom("c1", 5)

	env.seq.FailNext = true
	err := env.s.HandleSend(ctx, sender, &SendMessageReq{TargetID: 5, Content: "x"})
	if !errs.ErrAllocatorUnavailable.Is(err) {
		t.Fatalf("want allocator error, got %v", err)
	}
	// 被拒绝的消息不投递
	noFrame(t, sender, EventReceiveMessage, 100*time.Millisecond)
	if n, _ := env.list.Len(ctx); n != 0 {
		t.Fatalf("rejected message must not be queued, got %d", n)
	}
}

func TestUnreadCount(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	env.reads.chatN = 3
	env.reads.notifyN = 2

	c := connect(env, "c1", 10)
	if err := env.s.HandleUnread(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	f := awaitFrame(t, c, EventUnreadCount)
	p := &UnreadPayload{}
	if err := json.Unmarshal(f.Data, p); err != nil {
		t.Fatal(err)
	}
	if p.Count != 5 || p.Chat != 3 || p.Notification != 2 {
		t.Fatalf("bad unread payload: %+v", p)
	}

	env.reads.fail = true
	if err := env.s.HandleUnread(context.Background(), c); !errs.ErrPersistence.Is(err) {
		t.Fatalf("want persistence error, got %v", err)
	}
}

func TestForceDisconnect(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	ctx := context.Background()

	c1 := connect(env, "c1", 42)
	c2 := connect(env, "c2", 42)

	n := env.s.ForceDisconnect(ctx, 42, "logged in elsewhere", false)
	if n != 2 {
		t.Fatalf("want 2 closed, got %d", n)
	}
	for _, c := range []*Conn{c1, c2} {
		f := awaitFrame(t, c, EventKickedOut)
		p := &KickedOutPayload{}
		if err := json.Unmarshal(f.Data, p); err != nil {
			t.Fatal(err)
		}
		if p.Reason != "logged in elsewhere" {
			t.Fatalf("bad reason: %s", p.Reason)
		}
	}
	if cnt, _ := env.s.OnlineCount(ctx); cnt != 0 {
		t.Fatalf("kicked user must be offline, got %d", cnt)
	}
}

func TestMemberUpdateReachesRoom(t *testing.T) {
	env := newTestServer(t, "n1", nil)

	c := connect(env, "c1", 1)
	env.s.ConnMgr().JoinRoom("c1", 12)
	env.s.MemberUpdate(context.Background(), 12, "join")

	f := awaitFrame(t, c, EventMemberUpdate)
	p := &MemberUpdatePayload{}
	if err := json.Unmarshal(f.Data, p); err != nil {
		t.Fatal(err)
	}
	if p.GroupID != 12 || p.Action != "join" {
		t.Fatalf("bad payload: %+v", p)
	}
}

// ===== 跨节点 =====

func TestBridgeFanOutAcrossNodes(t *testing.T) {
	bus := bridge.NewLoopbackBus()
	a := newTestServer(t, "node-a", bus.Endpoint("node-a"))
	b := newTestServer(t, "node-b", bus.Endpoint("node-b"))
	ctx := context.Background()

	sender := connect(a, "a1", 1)
	remote := connect(b, "b1", 2)
	a.s.ConnMgr().JoinRoom("a1", 9)
	b.s.ConnMgr().JoinRoom("b1", 9)

	if err := a.s.HandleSend(ctx, sender, &SendMessageReq{TargetID: 9, Content: "cross"}); err != nil {
		t.Fatal(err)
	}

	f := awaitFrame(t, remote, EventReceiveMessage)
	msg := &model.Message{}
	if err := json.Unmarshal(f.Data, msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != 1 || msg.Content != "cross" || msg.GroupID != 9 {
		t.Fatalf("bad remote message: %+v", msg)
	}
}

func TestBridgeUserEventTargetsSingleUser(t *testing.T) {
	bus := bridge.NewLoopbackBus()
	a := newTestServer(t, "node-a", bus.Endpoint("node-a"))
	b := newTestServer(t, "node-b", bus.Endpoint("node-b"))
	ctx := context.Background()

	target := connect(b, "b1", 500)
	bystander := connect(b, "b2", 501)

	a.s.PublishUserEvent(ctx, EventNotification, 500, map[string]any{"title": "leave approved"})

	f := awaitFrame(t, target, EventNotification)
	var p map[string]any
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p["title"] != "leave approved" {
		t.Fatalf("bad payload: %v", p)
	}
	noFrame(t, bystander, EventNotification, 100*time.Millisecond)
}

func TestBridgeKickPropagates(t *testing.T) {
	bus := bridge.NewLoopbackBus()
	a := newTestServer(t, "node-a", bus.Endpoint("node-a"))
	b := newTestServer(t, "node-b", bus.Endpoint("node-b"))
	ctx := context.Background()

	remote := connect(b, "b1", 77)
	a.s.ForceDisconnect(ctx, 77, "security", true)

	f := awaitFrame(t, remote, EventKickedOut)
	p := &KickedOutPayload{}
	if err := json.Unmarshal(f.Data, p); err != nil {
		t.Fatal(err)
	}
	if p.Reason != "security" {
		t.Fatalf("bad reason: %s", p.Reason)
	}
	if len(b.s.ConnMgr().UserConns(77)) != 0 {
		t.Fatal("remote node must drop the kicked user's conns")
	}
}

func TestBridgeDownDegradesToLocal(t *testing.T) {
	bus := bridge.NewLoopbackBus()
	a := newTestServer(t, "node-a", bus.Endpoint("node-a"))
	ctx := context.Background()

	sender := connect(a, "a1", 1)
	a.s.ConnMgr().JoinRoom("a1", 4)

	bus.SetDown(true)
	if err := a.s.HandleSend(ctx, sender, &SendMessageReq{TargetID: 4, Content: "still here"}); err != nil {
		t.Fatalf("local delivery must survive bridge outage: %v", err)
	}
	f := awaitFrame(t, sender, EventReceiveMessage)
	msg := &model.Message{}
	if err := json.Unmarshal(f.Data, msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != "still here" {
		t.Fatalf("bad message: %+v", msg)
	}
}

// 房间广播和连接下线并发进行，扇出协程不能撞上已关闭的连接
func TestEmitRacesUnregister(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	ctx := context.Background()
	payload := []byte(`{"event":"noop"}`)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("c%d", i)
		connect(env, id, int64(i+1))
		env.s.ConnMgr().JoinRoom(id, 7)

		stop := make(chan struct{})
		fired := make(chan struct{})
		go func() {
			defer close(fired)
			for {
				select {
				case <-stop:
					return
				default:
					env.s.EmitToGroup(7, payload)
				}
			}
		}()
		env.s.UnregisterConn(ctx, id)
		close(stop)
		<-fired
	}
}

// 单发布方对单房间的投递顺序等于发布顺序
func TestRoomDeliveryPreservesSendOrder(t *testing.T) {
	env := newTestServer(t, "n1", nil)
	ctx := context.Background()

	sender := connect(env, "c1", 1)
	recv := newConn("c2", 2, "u", "employee", nil, 600, time.Now(), time.Minute)
	env.s.RegisterConn(ctx, recv)
	env.s.ConnMgr().JoinRoom("c2", 33)

	const n = 500
	for i := 0; i < n; i++ {
		if err := env.s.HandleSend(ctx, sender, &SendMessageReq{TargetID: 33, Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	var last int64
	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < n {
		select {
		case raw := <-recv.send:
			f := &Frame{}
			if err := json.Unmarshal(raw, f); err != nil {
				t.Fatal(err)
			}
			if f.Event != EventReceiveMessage {
				continue
			}
			msg := &model.Message{}
			if err := json.Unmarshal(f.Data, msg); err != nil {
				t.Fatal(err)
			}
			if msg.ID <= last {
				t.Fatalf("out of order: id %d after %d", msg.ID, last)
			}
			last = msg.ID
			seen++
		case <-deadline:
			t.Fatalf("timeout, got %d of %d messages", seen, n)
		}
	}
}

func TestPingLoopStopsOnClose(t *testing.T) {
	env := newTestServer(t, "n1", nil)

	done := make(chan struct{})
	go func() {
		env.s.PingLoop(10 * time.Millisecond)
		close(done)
	}()
	env.s.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ping loop must exit after Close")
	}
}

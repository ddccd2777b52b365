package chat

import (
	"sync"

	"HProject/logger"
)

type fanoutJob struct {
	conns   []*Conn
	payload []byte
}

// Fanout 扇出工作池：把一份 payload 投给一批连接。
// 每个 worker 有自己的队列，按路由键取模选队列，同一个键的任务
// 始终落在同一个 worker 上，同发布方对同房间的投递保持发布顺序。
// 投递走 Conn.Enqueue，慢客户端丢帧并计日志，不反压工作池。
type Fanout struct {
	queues   []chan fanoutJob
	done     chan struct{}
	stopOnce sync.Once
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{
		queues: make([]chan fanoutJob, workers),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q := make(chan fanoutJob, queue)
		f.queues[i] = q
		go func() {
			for {
				select {
				case <-f.done:
					return
				case job := <-q:
					for _, c := range job.conns {
						if !c.Enqueue(job.payload) {
							logger.Warnf("fanout: drop frame, slow client conn=%s user=%d", c.ID, c.UserID)
						}
					}
				}
			}
		}()
	}
	return f
}

// Broadcast 按 key 路由投递。同一个房间用 groupID 当 key，
// 保证它的广播不跨 worker 乱序。
func (f *Fanout) Broadcast(key int64, conns []*Conn, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	q := f.queues[uint64(key)%uint64(len(f.queues))]
	select {
	case q <- fanoutJob{conns: conns, payload: payload}:
	case <-f.done:
	}
}

func (f *Fanout) Close() {
	f.stopOnce.Do(func() { close(f.done) })
}

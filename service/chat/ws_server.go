package chat

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"HProject/logger"
	"HProject/tools/ids"
	"HProject/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS ===== WebSocket 握手入口 =====
// 凭证校验在升级前完成：非法 token 回 401，根本不建 socket。
// token 取 ?token= 或 Authorization: Bearer。
func (s *Server) HandleWS(authOpts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			auth := c.GetHeader("Authorization")
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		ident, err := security.Verify(authOpts, token)
		if err != nil {
			logger.Warnf("[HandleWS] reject handshake from %s: %v", c.ClientIP(), err)
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "authentication error"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warnf("[HandleWS] upgrade error: %v", err)
			return
		}

		conn := s.connMgr.NewConn(ids.GenerateString(), ident.UserID, ident.Username, ident.Role, ws)
		s.connMgr.AttachPongHandler(conn)
		s.RegisterConn(c.Request.Context(), conn)
		logger.Infof("[HandleWS] conn up conn=%s user=%d name=%s", conn.ID, conn.UserID, conn.Username)

		s.readLoop(conn, ws)
	}
}

// readLoop 只读不写，写全部走 Conn 的发送队列。退出时注销连接。
func (s *Server) readLoop(conn *Conn, ws *websocket.Conn) {
	defer func() {
		s.UnregisterConn(context.Background(), conn.ID)
		logger.Infof("[WS] conn down conn=%s user=%d", conn.ID, conn.UserID)
	}()

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s", conn.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", conn.ID, rerr)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", conn.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		// 任何入站流量都算活跃
		_ = s.connMgr.HeartbeatRefresh(conn.ID)

		frame, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("[WS] bad frame conn=%s err=%v sample=%q", conn.ID, perr, sample)
			conn.Enqueue(errorFrame(perr))
			continue
		}

		if err := s.dispatcher.Dispatch(&Context{S: s}, frame, conn); err != nil {
			// 单帧失败只通知发件人，连接保持
			logger.Warnf("[WS] handle event=%s conn=%s err=%v", frame.Event, conn.ID, err)
			conn.Enqueue(errorFrame(err))
		}
	}
}

// PingLoop 服务端主动探活：协议层 ping，pong 回来刷心跳。Close 后退出。
func (s *Server) PingLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 25 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			for _, c := range s.connMgr.AllConns() {
				if c.ws == nil {
					continue
				}
				_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(3*time.Second))
			}
		}
	}
}

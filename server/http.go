package server

import (
	"net/http"
	"strconv"

	mid "HProject/middleware"
	midsec "HProject/middleware/security"
	"HProject/model"
	"HProject/service/chat"
	"HProject/service/notify"
	"HProject/service/storage"
	errs "HProject/tools/errs"
	tsec "HProject/tools/security"

	"github.com/gin-gonic/gin"
)

// API 推送侧 HTTP 接口：业务服务（HR 后端、定时任务）通过它触达在线用户。
// 全部 /api 路由要求 Bearer JWT。
type API struct {
	gateway  *chat.Server
	notifier *notify.Dispatcher
	presence storage.PresenceStore
	auth     tsec.Options
}

func NewAPI(gateway *chat.Server, notifier *notify.Dispatcher, presence storage.PresenceStore, auth tsec.Options) *API {
	return &API{gateway: gateway, notifier: notifier, presence: presence, auth: auth}
}

// Register 挂路由。/ws 自己做握手校验，不走中间件。
func (a *API) Register(r *gin.Engine) {
	r.GET("/ws", a.gateway.HandleWS(a.auth))
	r.GET("/healthz", a.handleHealth)

	opt := mid.RouteOpt{IsAuth: true, Auth: midsec.DefaultOptions(a.auth)}
	mid.POST(r, "/api/push/user", a.handlePushUser, opt)
	mid.POST(r, "/api/push/users", a.handlePushUsers, opt)
	mid.POST(r, "/api/push/broadcast", a.handlePushBroadcast, opt)
	mid.POST(r, "/api/push/memo", a.handlePushMemo, opt)
	mid.POST(r, "/api/kick", a.handleKick, opt)
	mid.GET(r, "/api/online/count", a.handleOnlineCount, opt)
	mid.GET(r, "/api/online/ids", a.handleOnlineIDs, opt)
	mid.GET(r, "/api/chat/history", a.handleHistory, opt)
}

// ===== 请求体 =====

type pushUserReq struct {
	UserID    int64  `json:"userId" binding:"required,gt=0"`
	Type      string `json:"type" binding:"omitempty,max=64"`
	Title     string `json:"title" binding:"required,max=256"`
	Content   string `json:"content" binding:"omitempty,max=4096"`
	RelatedID int64  `json:"relatedId" binding:"omitempty,gte=0"`
}

type pushUsersReq struct {
	UserIDs   []int64 `json:"userIds" binding:"required,min=1,max=1000,dive,gt=0"`
	Type      string  `json:"type" binding:"omitempty,max=64"`
	Title     string  `json:"title" binding:"required,max=256"`
	Content   string  `json:"content" binding:"omitempty,max=4096"`
	RelatedID int64   `json:"relatedId" binding:"omitempty,gte=0"`
}

type broadcastReq struct {
	Title   string `json:"title" binding:"required,max=256"`
	Content string `json:"content" binding:"omitempty,max=4096"`
}

type kickReq struct {
	UserID int64  `json:"userId" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"omitempty,max=256"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeValidation, "msg": err.Error()})
}

func internal(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"code": errs.CodeOf(err), "msg": "internal error"})
}

// ===== handlers =====

func (a *API) handleHealth(c *gin.Context) {
	ok(c, gin.H{"node": a.gateway.NodeID()})
}

func (a *API) handlePushUser(c *gin.Context) {
	req := pushUserReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a.notifier.SendToUser(c.Request.Context(), req.UserID, &model.Notification{
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Content:   req.Content,
		RelatedID: req.RelatedID,
	})
	ok(c, nil)
}

func (a *API) handlePushUsers(c *gin.Context) {
	req := pushUsersReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a.notifier.SendToUsers(c.Request.Context(), req.UserIDs, &model.Notification{
		Type:      req.Type,
		Title:     req.Title,
		Content:   req.Content,
		RelatedID: req.RelatedID,
	})
	ok(c, gin.H{"targets": len(req.UserIDs)})
}

func (a *API) handlePushBroadcast(c *gin.Context) {
	req := broadcastReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a.notifier.Broadcast(c.Request.Context(), &model.Notification{
		Title:   req.Title,
		Content: req.Content,
	})
	ok(c, nil)
}

func (a *API) handlePushMemo(c *gin.Context) {
	req := pushUserReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a.notifier.SendMemo(c.Request.Context(), req.UserID, &model.Notification{
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Content:   req.Content,
		RelatedID: req.RelatedID,
	})
	ok(c, nil)
}

func (a *API) handleKick(c *gin.Context) {
	req := kickReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "logged in elsewhere"
	}
	n := a.gateway.ForceDisconnect(c.Request.Context(), req.UserID, reason, true)
	ok(c, gin.H{"closed": n})
}

func (a *API) handleOnlineCount(c *gin.Context) {
	n, err := a.presence.Count(c.Request.Context())
	if err != nil {
		internal(c, err)
		return
	}
	ok(c, gin.H{"count": n})
}

func (a *API) handleOnlineIDs(c *gin.Context) {
	ids, err := a.presence.OnlineIDs(c.Request.Context())
	if err != nil {
		internal(c, err)
		return
	}
	ok(c, gin.H{"userIds": ids, "count": len(ids)})
}

func (a *API) handleHistory(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Query("groupId"), 10, 64)
	if err != nil || groupID <= 0 {
		badRequest(c, errs.ErrValidation.WithDetail("groupId must be a positive integer"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	msgs, err := a.gateway.History(c.Request.Context(), groupID, limit)
	if err != nil {
		internal(c, err)
		return
	}
	ok(c, gin.H{"messages": msgs, "count": len(msgs)})
}

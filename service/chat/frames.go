package chat

import (
	"encoding/json"
	"errors"
	"time"

	"HProject/model"
	errs "HProject/tools/errs"

	"github.com/go-playground/validator/v10"
)

// 入站事件名（客户端 -> 网关）
const (
	EventPing        = "ping"
	EventJoinGroup   = "join_group"
	EventLeaveGroup  = "leave_group"
	EventSendMessage = "send_message"
	EventUnreadReq   = "request_unread_count"
)

// 出站事件名（网关 -> 客户端）。老前端按这些名字监听，不能改。
const (
	EventConnected      = "connected"
	EventPong           = "pong"
	EventReceiveMessage = "receive_message"
	EventUnreadCount    = "unread_count"
	EventNotification   = "new_notification"
	EventMemo           = "new_memo"
	EventBroadcast      = "new_broadcast"
	EventOnlineCount    = "online_users_count"
	EventMemberUpdate   = "member_update"
	EventKickedOut      = "kicked_out"
	EventError          = "error"
)

// Frame 线上帧：{"event": "...", "data": {...}}。
// 事件集合是封闭的，未知事件在 dispatcher 处拒绝。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var validate = validator.New()

// ParseFrame 解析入站帧，非法 JSON / 缺事件名都算 ValidationError
func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrValidation.Wrap(err)
	}
	if f.Event == "" {
		return nil, errs.ErrValidation.WrapMsg("missing event")
	}
	return f, nil
}

// NewFrame 组出站帧
func NewFrame(event string, data any) ([]byte, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// mustFrame 出站 payload 全部是我们自己的结构，marshal 不该失败
func mustFrame(event string, data any) []byte {
	raw, err := NewFrame(event, data)
	if err != nil {
		panic(err)
	}
	return raw
}

// ===== 入站 payload =====

type JoinGroupReq struct {
	GroupID int64 `json:"groupId" validate:"required,gt=0"`
}

type SendMessageReq struct {
	TargetID int64  `json:"targetId" validate:"required,gt=0"`
	Content  string `json:"content" validate:"required,max=4096"`
	Type     string `json:"type" validate:"omitempty,oneof=text image file"`
	FileURL  string `json:"fileUrl" validate:"omitempty,max=1024"`
}

func decodePayload[T any](f *Frame, out *T) error {
	if len(f.Data) == 0 {
		return errs.ErrValidation.WrapMsg("missing payload", "event", f.Event)
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return errs.ErrValidation.Wrap(err)
	}
	if err := validate.Struct(out); err != nil {
		return errs.ErrValidation.Wrap(err)
	}
	return nil
}

// ===== 出站 payload =====

type ConnectedPayload struct {
	Message   string `json:"message"`
	UserID    int64  `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type UnreadPayload struct {
	Count        int64 `json:"count"`
	Chat         int64 `json:"chat"`
	Notification int64 `json:"notification"`
}

type OnlineCountPayload struct {
	Count int64 `json:"count"`
}

type MemberUpdatePayload struct {
	GroupID int64  `json:"groupId"`
	Action  string `json:"action"`
}

type KickedOutPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func connectedFrame(userID int64, now time.Time) []byte {
	return mustFrame(EventConnected, ConnectedPayload{
		Message:   "realtime service connected",
		UserID:    userID,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

func receiveMessageFrame(msg *model.Message) []byte {
	return mustFrame(EventReceiveMessage, msg)
}

// errorFrame 只把错误码和概要透给客户端，细节留在日志里
func errorFrame(err error) []byte {
	code := errs.CodeOf(err)
	msg := "internal error"
	var codeErr errs.CodeError
	if errors.As(err, &codeErr) {
		msg = codeErr.Msg
	}
	return mustFrame(EventError, ErrorPayload{Code: code, Message: msg})
}

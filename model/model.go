package model

import "time"

// 消息类型，入站 payload 校验用
const (
	MsgTypeText  = "text"
	MsgTypeImage = "image"
	MsgTypeFile  = "file"
)

// Message 群聊消息。ID 由共享序列分配，全局严格递增；
// 先实时投递，后经待落库队列批量写入 chat_messages。
type Message struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	GroupID   int64     `json:"group_id"`
	Content   string    `json:"content"`
	MsgType   string    `json:"msg_type"`
	FileURL   string    `json:"file_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// 展示冗余，网关透传不落库
	SenderName   string `json:"sender_name,omitempty"`
	SenderAvatar string `json:"sender_avatar,omitempty"`
}

// Notification 定向业务通知。权威副本由业务层落库，
// 这里只负责 best-effort 实时送达。
type Notification struct {
	UserID    int64     `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	RelatedID int64     `json:"related_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

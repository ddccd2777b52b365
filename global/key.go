package global

import "strconv"

// redis key 约定。老系统遗留命名，改名会导致滚动升级期间新旧节点各看一半数据，
// 所以保持原样。

// KeyOnlineUsers 全局在线用户集合（SADD/SREM/SCARD）
const KeyOnlineUsers = "online_users"

// KeyMessageSeq 全局消息自增序列（SETNX 播种 + INCR）
const KeyMessageSeq = "chat:message_id_seq"

// KeyPendingMessages 待落库消息队列（RPUSH 入队，头部批量出队）
const KeyPendingMessages = "chat:queue:pending_messages"

// KeyGroupRecent 群最近消息缓存，newest-first
func KeyGroupRecent(groupID int64) string {
	return "chat:group:" + strconv.FormatInt(groupID, 10) + ":recent_messages"
}

// ChannelMessages 跨节点聊天帧频道
func ChannelMessages(prefix string) string { return prefix + ":messages" }

// ChannelNotify 跨节点通知频道
func ChannelNotify(prefix string) string { return prefix + ":notify" }

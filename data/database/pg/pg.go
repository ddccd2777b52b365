package pg

import (
	"context"
	"strconv"
	"strings"

	"HProject/model"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store 持久化库实现（pgxpool）。消息行 + 未读数查询都走这一个池。
type Store struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "pg connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pg ping")
	}
	return &Store{pool: pool}, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

// CreateSchema 建消息表。id 不用自增：由共享序列播种发号。
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_messages (
			id         BIGINT PRIMARY KEY,
			sender_id  BIGINT NOT NULL,
			group_id   BIGINT NOT NULL,
			content    TEXT NOT NULL,
			msg_type   VARCHAR(16) NOT NULL DEFAULT 'text',
			file_url   TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return errors.Wrap(err, "pg create schema")
}

// InsertBatch 整批多行插入，ON CONFLICT DO NOTHING 吸收 flush 重放。
// 失败时整批报错，不做部分提交。
func (s *Store) InsertBatch(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO chat_messages (id, sender_id, group_id, content, msg_type, file_url, created_at) VALUES ")
	args := make([]any, 0, len(msgs)*7)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		sb.WriteString("($" + strconv.Itoa(base+1))
		for j := 2; j <= 7; j++ {
			sb.WriteString(", $" + strconv.Itoa(base+j))
		}
		sb.WriteString(")")
		var fileURL any
		if m.FileURL != "" {
			fileURL = m.FileURL
		}
		msgType := m.MsgType
		if msgType == "" {
			msgType = model.MsgTypeText
		}
		args = append(args, m.ID, m.SenderID, m.GroupID, m.Content, msgType, fileURL, m.CreatedAt)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return errors.Wrap(err, "pg insert batch")
}

// MaxMessageID 播种读，表空返回 0
func (s *Store) MaxMessageID(ctx context.Context) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM chat_messages`).Scan(&max)
	return max, errors.Wrap(err, "pg max id")
}

// UnreadCounts 未读数：群聊按 last_read_message_id 水位差，
// 通知按 is_read 标记。两张表都归业务层所有，这里只读。
func (s *Store) UnreadCounts(ctx context.Context, userID int64) (int64, int64, error) {
	var chat int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cnt), 0) FROM (
			SELECT COUNT(m.id) AS cnt
			FROM chat_group_members gm
			JOIN chat_messages m ON m.group_id = gm.group_id
			  AND m.id > COALESCE(gm.last_read_message_id, 0)
			WHERE gm.user_id = $1
			GROUP BY gm.group_id
		) t`, userID).Scan(&chat)
	if err != nil {
		return 0, 0, errors.Wrap(err, "pg unread chat")
	}

	var notification int64
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND is_read = FALSE`, userID).Scan(&notification)
	if err != nil {
		return 0, 0, errors.Wrap(err, "pg unread notification")
	}
	return chat, notification, nil
}

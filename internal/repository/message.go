package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/model"
)

const msgCols = `m.id, m.conversation_id, m.sender_id, m.type, m.content, m.reply_to_id,
	m.is_edited, m.edited_at, m.is_pinned, m.is_deleted, m.created_at,
	u.id, u.display_name, u.avatar_url, u.is_online, u.last_seen_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }) (*model.Message, error) {
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.ReplyToID,
		&m.IsEdited, &m.EditedAt, &m.IsPinned, &m.IsDeleted, &m.CreatedAt,
		&sender.ID, &sender.DisplayName, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt)
	if err != nil {
		return nil, err
	}
	m.Sender = sender
	return m, nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, type, content, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Content, m.ReplyToID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	row := r.pool.QueryRow(ctx,
		`SELECT `+msgCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetConversationMessages returns messages in creation order. The initial
// load passes offset 0; older pages continue from there.
func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at, m.id
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	row := r.pool.QueryRow(ctx,
		`SELECT `+msgCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, conversationID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}

// MarkAllRead records a read receipt for every message the user has not
// acknowledged yet. The receipt set only grows; re-acknowledging is a no-op.
func (r *MessageRepository) MarkAllRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("msg.MarkAllRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $2, $3 FROM messages m
		 WHERE m.conversation_id = $1 AND m.sender_id != $2
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		conversationID, userID, t,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkAllRead: %w", err)
	}
	return nil
}

// GetReadBy returns the ids of users that have acknowledged a message.
func (r *MessageRepository) GetReadBy(ctx context.Context, messageID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.GetReadBy", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = $1 ORDER BY read_at`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetReadBy query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.GetReadBy scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetReadBy rows: %w", err)
	}
	return ids, nil
}

// UpdateContent edits a message and marks it edited.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, is_edited = true, edited_at = $2 WHERE id = $3`,
		content, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return nil
}

// SetPinned pins or unpins a message.
func (r *MessageRepository) SetPinned(ctx context.Context, id string, pinned bool) error {
	defer logger.DeferLogDuration("msg.SetPinned", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_pinned = $1 WHERE id = $2`, pinned, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SetPinned: %w", err)
	}
	return nil
}

// SoftDelete marks a message deleted and clears its content.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}

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

const convCols = `id, kind, COALESCE(name,''), COALESCE(image_url,''), created_by, created_at, updated_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Kind, &c.Name, &c.ImageURL, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, image_url, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Kind, c.Name, c.ImageURL, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

// directPairKey normalizes an unordered user pair to a stable key.
func directPairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateDirect inserts a direct conversation keyed by its normalized
// participant pair. Returns false when the pair already has one; the unique
// key closes the race between two concurrent first requests.
func (r *ConversationRepository) CreateDirect(ctx context.Context, c *model.Conversation, userID1, userID2 string) (bool, error) {
	defer logger.DeferLogDuration("conv.CreateDirect", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, image_url, created_by, created_at, updated_at, direct_key)
		 VALUES ($1, 'direct', $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (direct_key) DO NOTHING`,
		c.ID, c.Name, c.ImageURL, c.CreatedBy, c.CreatedAt, c.UpdatedAt, directPairKey(userID1, userID2),
	)
	if err != nil {
		return false, fmt.Errorf("convRepo.CreateDirect: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) Update(ctx context.Context, id, name, imageURL string) error {
	defer logger.DeferLogDuration("conv.Update", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET name = $1, image_url = $2 WHERE id = $3`,
		name, imageURL, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Update: %w", err)
	}
	return nil
}

// Touch bumps updated_at; called on every new message so the conversation
// list can order by recency.
func (r *ConversationRepository) Touch(ctx context.Context, id string, t time.Time) error {
	defer logger.DeferLogDuration("conv.Touch", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, t, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Touch: %w", err)
	}
	return nil
}

// AddParticipant inserts a participant; re-adding an existing one clears the
// hidden flag instead of failing.
func (r *ConversationRepository) AddParticipant(ctx context.Context, p *model.Participant) error {
	defer logger.DeferLogDuration("conv.AddParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET hidden_at = NULL`,
		p.ConversationID, p.UserID, p.Role, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddParticipant: %w", err)
	}
	return nil
}

func (r *ConversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conv.RemoveParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.RemoveParticipant: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetParticipants(ctx context.Context, conversationID string) ([]model.User, error) {
	defer logger.DeferLogDuration("conv.GetParticipants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.display_name, u.email, u.avatar_url, u.last_seen_at, u.is_online, u.created_at
		 FROM users u
		 JOIN conversation_participants cp ON cp.user_id = u.id
		 WHERE cp.conversation_id = $1
		 ORDER BY cp.joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipants query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 8)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("convRepo.GetParticipants scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipants rows: %w", err)
	}
	return users, nil
}

// GetParticipantIDs returns every participant, hidden or not. Hidden
// participants still receive events; a new message un-hides the conversation.
func (r *ConversationRepository) GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.GetParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.GetParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipantIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) GetParticipantRole(ctx context.Context, conversationID, userID string) (string, error) {
	defer logger.DeferLogDuration("conv.GetParticipantRole", time.Now())()
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("convRepo.GetParticipantRole: %w", err)
	}
	return role, nil
}

// GetUserConversations lists the conversations visible to a user, most
// recently active first. Conversations hidden by a viewer-local delete are
// excluded until a new message clears the flag.
func (r *ConversationRepository) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetUserConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.kind, COALESCE(c.name,''), COALESCE(c.image_url,''), c.created_by, c.created_at, c.updated_at
		 FROM conversations c
		 JOIN conversation_participants cp ON cp.conversation_id = c.id
		 WHERE cp.user_id = $1 AND cp.hidden_at IS NULL
		 ORDER BY c.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.GetUserConversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.GetUserConversations rows: %w", err)
	}
	return convs, nil
}

// FindDirectConversation returns the direct conversation between two users.
// Lookup goes through the normalized pair key, so there is at most one row
// per unordered pair and the order of the arguments does not matter.
func (r *ConversationRepository) FindDirectConversation(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirectConversation", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM conversations WHERE direct_key = $1`,
		directPairKey(userID1, userID2),
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.FindDirectConversation: %w", err)
	}
	return c, nil
}

// UpdateParticipantLastRead stamps last_read_at for the unread counter.
func (r *ConversationRepository) UpdateParticipantLastRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("conv.UpdateParticipantLastRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_participants SET last_read_at = $1 WHERE conversation_id = $2 AND user_id = $3`,
		t, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateParticipantLastRead: %w", err)
	}
	return nil
}

// GetUnreadCount counts messages newer than the viewer's last_read_at.
func (r *ConversationRepository) GetUnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.GetUnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id = $2
		 WHERE m.conversation_id = $1 AND m.sender_id != $2 AND m.created_at > cp.last_read_at AND m.is_deleted = false`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("convRepo.GetUnreadCount: %w", err)
	}
	return count, nil
}

// HideForUser implements the viewer-local delete of a direct conversation.
func (r *ConversationRepository) HideForUser(ctx context.Context, conversationID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("conv.HideForUser", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_participants SET hidden_at = $1 WHERE conversation_id = $2 AND user_id = $3`,
		t, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.HideForUser: %w", err)
	}
	return nil
}

// ClearHidden makes the conversation visible to every participant again.
// Called when a new message arrives in a partially hidden direct conversation.
func (r *ConversationRepository) ClearHidden(ctx context.Context, conversationID string) error {
	defer logger.DeferLogDuration("conv.ClearHidden", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_participants SET hidden_at = NULL WHERE conversation_id = $1 AND hidden_at IS NOT NULL`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.ClearHidden: %w", err)
	}
	return nil
}

// CountVisible returns how many participants have not hidden the conversation.
func (r *ConversationRepository) CountVisible(ctx context.Context, conversationID string) (int, error) {
	defer logger.DeferLogDuration("conv.CountVisible", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = $1 AND hidden_at IS NULL`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("convRepo.CountVisible: %w", err)
	}
	return n, nil
}

// Delete removes a conversation and, via cascades, its participants,
// messages, reactions and read receipts.
func (r *ConversationRepository) Delete(ctx context.Context, conversationID string) error {
	defer logger.DeferLogDuration("conv.Delete", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("convRepo.Delete: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

var _ repository.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `
	id, member_a, member_b, last_message_text, last_message_time,
	last_message_sender, unread_counts, typing_user, typing_active,
	created_at, updated_at`

// scanConversation is the only place a conversations row becomes a
// domain.Conversation.
func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var (
		conv         domain.Conversation
		typingUser   string
		typingActive bool
	)
	err := row.Scan(
		&conv.ID, &conv.Members[0], &conv.Members[1], &conv.LastMessageText,
		&conv.LastMessageTime, &conv.LastMessageSender, &conv.UnreadCounts,
		&typingUser, &typingActive, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	conv.Typing = domain.Typing{UserID: typingUser, IsTyping: typingActive}
	out := conv.Clone()
	return &out, nil
}

func (r *ConversationRepo) GetOrCreate(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	conv, err := domain.NewConversation(userA, userB, time.Now())
	if err != nil {
		return nil, err
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// A racing insert for the same pair lands on the primary key and
		// becomes a no-op.
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, member_a, member_b, last_message_time, unread_counts, created_at, updated_at)
			VALUES ($1, $2, $3, now(), jsonb_build_object($2::text, 0, $3::text, 0), now(), now())
			ON CONFLICT (id) DO NOTHING`,
			conv.ID, conv.Members[0], conv.Members[1],
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return notify(ctx, tx, repository.ChangeConversation, conv.ID, conv.Members[:])
		}
		return nil
	})
	if err != nil {
		return nil, domain.Unavailable("create conversation", err)
	}
	return r.Get(ctx, conv.ID)
}

func (r *ConversationRepo) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get conversation", err)
	}
	return conv, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE member_a = $1 OR member_b = $1
		ORDER BY last_message_time DESC, id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, domain.Unavailable("list conversations", err)
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, domain.Unavailable("scan conversation", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list conversations", err)
	}
	return convs, nil
}

// RecordMessageSent flips the message's summarized flag and applies it to
// the conversation row in one transaction. The conversation row is locked
// first, the same order Append and MarkRead use.
func (r *ConversationRepo) RecordMessageSent(ctx context.Context, conversationID string, messageID uuid.UUID) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var a, b string
		err := tx.QueryRow(ctx,
			`SELECT member_a, member_b FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID,
		).Scan(&a, &b)
		if err != nil {
			return err
		}

		var (
			sender, text string
			at           time.Time
			readBy       []string
		)
		err = tx.QueryRow(ctx, `
			UPDATE messages SET summarized = true
			WHERE id = $1 AND conversation_id = $2 AND NOT summarized
			RETURNING sender_id, text, created_at, read_by`,
			messageID, conversationID,
		).Scan(&sender, &text, &at, &readBy)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`,
				messageID, conversationID,
			).Scan(&exists)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrMessageNotFound
			}
			return nil // already summarized
		}
		if err != nil {
			return err
		}

		var recipient string
		switch sender {
		case a:
			recipient = b
		case b:
			recipient = a
		default:
			return domain.ErrNotParticipant
		}
		inc := 1
		if slices.Contains(readBy, recipient) {
			inc = 0
		}

		_, err = tx.Exec(ctx, `
			UPDATE conversations SET
				last_message_text = CASE WHEN last_message_sender = '' OR $3 >= last_message_time THEN $2 ELSE last_message_text END,
				last_message_time = CASE WHEN last_message_sender = '' OR $3 >= last_message_time THEN $3 ELSE last_message_time END,
				last_message_sender = CASE WHEN last_message_sender = '' OR $3 >= last_message_time THEN $4 ELSE last_message_sender END,
				unread_counts = jsonb_set(
					unread_counts,
					ARRAY[$5::text],
					to_jsonb(COALESCE((unread_counts ->> $5::text)::int, 0) + $6::int)
				),
				typing_user = '',
				typing_active = FALSE,
				updated_at = now()
			WHERE id = $1`,
			conversationID, text, at, sender, recipient, inc,
		)
		if err != nil {
			return err
		}
		return notify(ctx, tx, repository.ChangeConversation, conversationID, []string{a, b})
	})
	return storeErr("record message sent", err)
}

func (r *ConversationRepo) SetUnread(ctx context.Context, id, userID string, n int) error {
	// Skipping the write when the counter already matches avoids a change
	// notification for a no-op.
	err := r.mutate(ctx, "set unread", id, `
		UPDATE conversations SET
			unread_counts = jsonb_set(unread_counts, ARRAY[$2::text], to_jsonb($3::int)),
			updated_at = now()
		WHERE id = $1 AND (member_a = $2 OR member_b = $2)
			AND COALESCE((unread_counts ->> $2::text)::int, 0) <> $3
		RETURNING member_a, member_b`,
		id, userID, n,
	)
	if errors.Is(err, domain.ErrConversationNotFound) {
		// Either unknown, not a member, or nothing to change.
		conv, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if !conv.HasMember(userID) {
			return domain.ErrNotParticipant
		}
		return nil
	}
	return err
}

func (r *ConversationRepo) SetTyping(ctx context.Context, id, userID string, isTyping bool) error {
	return r.mutate(ctx, "set typing", id, `
		UPDATE conversations SET typing_user = $2, typing_active = $3, updated_at = now()
		WHERE id = $1
		RETURNING member_a, member_b`,
		id, userID, isTyping,
	)
}

// mutate runs one UPDATE ... RETURNING member_a, member_b and publishes the
// change in the same transaction, so notifications follow commit order.
func (r *ConversationRepo) mutate(ctx context.Context, op, id, query string, args ...any) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var a, b string
		if err := tx.QueryRow(ctx, query, args...).Scan(&a, &b); err != nil {
			return err
		}
		return notify(ctx, tx, repository.ChangeConversation, id, []string{a, b})
	})
	return storeErr(op, err)
}

// storeErr maps a transaction result to domain errors. A missing row means
// the conversation lookup missed; domain errors raised inside the
// transaction pass through; anything else is an I/O failure.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrConversationNotFound
	case errors.Is(err, domain.ErrConversationNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrNotParticipant):
		return err
	}
	return domain.Unavailable(op, err)
}

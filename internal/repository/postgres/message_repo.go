package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

var _ repository.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, sender_id, text, created_at, read_by, COALESCE(client_key, ''), seq, summarized`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text,
		&msg.CreatedAt, &msg.ReadBy, &msg.ClientKey, &msg.Seq, &msg.Summarized,
	)
	if err != nil {
		return nil, err
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return &msg, nil
}

func (r *MessageRepo) Append(ctx context.Context, conversationID, senderID, text, clientKey string) (*domain.Message, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}

	var (
		msg     *domain.Message
		created bool
	)
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// Row lock serializes appends per conversation so created_at can be
		// forced strictly past the previous message.
		var a, b string
		err := tx.QueryRow(ctx,
			`SELECT member_a, member_b FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID,
		).Scan(&a, &b)
		if err != nil {
			return err
		}

		if clientKey != "" {
			existing, err := scanMessage(tx.QueryRow(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND client_key = $2`,
				conversationID, clientKey,
			))
			if err == nil {
				msg = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		var key any
		if clientKey != "" {
			key = clientKey
		}
		msg, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, text, read_by, client_key, created_at)
			VALUES ($1, $2, $3, $4, ARRAY[$3::text], $5,
				GREATEST(
					clock_timestamp(),
					COALESCE((SELECT max(created_at) FROM messages WHERE conversation_id = $2), '-infinity'::timestamptz)
						+ interval '1 microsecond'
				))
			RETURNING `+messageColumns,
			id, conversationID, senderID, text, key,
		))
		if err != nil {
			return err
		}
		created = true
		return notify(ctx, tx, repository.ChangeMessages, conversationID, []string{a, b})
	})
	if err := storeErr("append message", err); err != nil {
		return nil, false, err
	}
	return msg, created, nil
}

func (r *MessageRepo) Get(ctx context.Context, conversationID string, id uuid.UUID) (*domain.Message, error) {
	msg, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND id = $2`,
		conversationID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.ensureConversation(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get message", err)
	}
	return msg, nil
}

func (r *MessageRepo) List(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if err := r.ensureConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq, id`,
		conversationID,
	)
	if err != nil {
		return nil, domain.Unavailable("list messages", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, domain.Unavailable("scan message", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list messages", err)
	}
	return messages, nil
}

// MarkRead appends readerID to read_by only where it is absent, and lowers
// the reader's counter by the summarized messages it touched, in one
// transaction under the conversation row lock.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	var changed, counted int
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var a, b string
		err := tx.QueryRow(ctx,
			`SELECT member_a, member_b FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID,
		).Scan(&a, &b)
		if err != nil {
			return err
		}
		if readerID != a && readerID != b {
			return domain.ErrNotParticipant
		}

		err = tx.QueryRow(ctx, `
			WITH marked AS (
				UPDATE messages SET read_by = array_append(read_by, $2::text)
				WHERE conversation_id = $1
					AND sender_id <> $2
					AND NOT ($2::text = ANY(read_by))
				RETURNING summarized
			)
			SELECT count(*), count(*) FILTER (WHERE summarized) FROM marked`,
			conversationID, readerID,
		).Scan(&changed, &counted)
		if err != nil {
			return err
		}
		if changed == 0 {
			return nil
		}
		if err := notify(ctx, tx, repository.ChangeMessages, conversationID, []string{a, b}); err != nil {
			return err
		}
		if counted == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE conversations SET
				unread_counts = jsonb_set(
					unread_counts,
					ARRAY[$2::text],
					to_jsonb(COALESCE((unread_counts ->> $2::text)::int, 0) - $3::int)
				),
				updated_at = now()
			WHERE id = $1`,
			conversationID, readerID, counted,
		)
		if err != nil {
			return err
		}
		return notify(ctx, tx, repository.ChangeConversation, conversationID, []string{a, b})
	})
	if err := storeErr("mark read", err); err != nil {
		return 0, err
	}
	return changed, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := r.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT ($2::text = ANY(read_by))`,
		conversationID, userID,
	).Scan(&n)
	if err != nil {
		return 0, domain.Unavailable("count unread", err)
	}
	return n, nil
}

func (r *MessageRepo) ensureConversation(ctx context.Context, id string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return domain.Unavailable("lookup conversation", err)
	}
	if !exists {
		return domain.ErrConversationNotFound
	}
	return nil
}

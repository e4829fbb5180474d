package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/repository"
)

// ChangeChannel is the LISTEN/NOTIFY channel carrying repository.Change
// payloads. NOTIFY is transactional, so listeners see changes in commit order.
const ChangeChannel = "chat_changes"

func notify(ctx context.Context, tx pgx.Tx, kind repository.ChangeKind, conversationID string, members []string) error {
	payload, err := json.Marshal(repository.Change{
		Kind:           kind,
		ConversationID: conversationID,
		Members:        members,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, string(payload))
	return err
}

// Feed implements repository.ChangeFeed with LISTEN on a dedicated
// connection.
type Feed struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewFeed(pool *pgxpool.Pool, log zerolog.Logger) *Feed {
	return &Feed{pool: pool, log: log}
}

func (f *Feed) Watch(ctx context.Context, fn func(repository.Change)) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		// Don't hand a listening connection back to the pool.
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ch repository.Change
		if err := json.Unmarshal([]byte(n.Payload), &ch); err != nil {
			f.log.Warn().Err(err).Str("payload", n.Payload).Msg("dropping malformed change")
			continue
		}
		fn(ch)
	}
}

// NewStore wires the postgres driver into a repository.Store.
func NewStore(pool *pgxpool.Pool, log zerolog.Logger) repository.Store {
	return repository.Store{
		Conversations: NewConversationRepo(pool),
		Messages:      NewMessageRepo(pool),
		Feed:          NewFeed(pool, log),
		Close:         pool.Close,
	}
}

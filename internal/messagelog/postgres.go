package messagelog

import (
	"context"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Postgres is a Log backed by a single PostgreSQL table. Uniqueness of the
// idempotency key is enforced by the table constraint, so concurrent appends
// from any number of workers record a key at most once.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Log = (*Postgres)(nil)

// OpenPostgres connects to PostgreSQL, pings, and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping")
	}

	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates the messages table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender_user_name TEXT,
			content TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

// Append inserts the message. A conflicting key yields no row, which is
// reported as ErrDuplicateKey.
func (p *Postgres) Append(ctx context.Context, senderUserName, content, idempotencyKey string) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO messages (sender_user_name, content, idempotency_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING id;`,
		nullable(senderUserName), content, idempotencyKey,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return 0, ErrDuplicateKey
	}
	return 0, storageError(err, "append")
}

// ReplaySince streams rows newer than lastID in id order.
func (p *Postgres) ReplaySince(ctx context.Context, lastID int64) iter.Seq2[chat.Message, error] {
	return func(yield func(chat.Message, error) bool) {
		rows, err := p.pool.Query(ctx,
			`SELECT id, COALESCE(sender_user_name, ''), content, idempotency_key
			 FROM messages WHERE id > $1 ORDER BY id ASC;`, lastID)
		if err != nil {
			yield(chat.Message{}, storageError(err, "replay"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var m chat.Message
			if err := rows.Scan(&m.ID, &m.SenderUserName, &m.Content, &m.IdempotencyKey); err != nil {
				yield(chat.Message{}, storageError(err, "replay scan"))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(chat.Message{}, storageError(err, "replay"))
		}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

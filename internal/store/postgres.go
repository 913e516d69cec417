package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mikequentel/wird/internal/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

const pgUniqueViolation = "23505"

// PgxConn is a *pgxpool.Pool or anything with the same query surface.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres stores everything in a PostgreSQL database.
type Postgres struct {
	conn  PgxConn
	close func()
}

// OpenPostgres connects to dsn and applies the schema. The first contact
// is retried with exponential backoff so the service can start alongside
// its database.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.Retry(func() error {
		_, err := pool.Exec(ctx, postgresSchema)
		return err
	}, b)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not create tables: %w", err)
	}
	return &Postgres{conn: pool, close: pool.Close}, nil
}

// NewPostgres wraps an existing connection whose schema is already applied.
func NewPostgres(conn PgxConn) *Postgres {
	return &Postgres{conn: conn}
}

func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

func (p *Postgres) VerseCount(ctx context.Context) (int, error) {
	var n int
	err := p.conn.QueryRow(ctx, `SELECT COUNT(*) FROM verses`).Scan(&n)
	return n, err
}

func (p *Postgres) VerseByIndex(ctx context.Context, i int) (model.Verse, error) {
	n, err := p.VerseCount(ctx)
	if err != nil {
		return model.Verse{}, err
	}
	if n == 0 {
		return model.Verse{}, ErrNoVerses
	}
	var v model.Verse
	err = p.conn.QueryRow(ctx, `
SELECT idx, surah_number, surah_name, surah_name_english, verse_number, verse_text, verse_text_english
FROM verses
WHERE idx = $1`, wrapIndex(i, n)).Scan(
		&v.Index, &v.Chapter, &v.ChapterName, &v.ChapterNameTranslit, &v.Number, &v.Text, &v.Translation)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Verse{}, fmt.Errorf("verse %d: %w", wrapIndex(i, n), ErrNotFound)
	}
	return v, err
}

func (p *Postgres) AddVerses(ctx context.Context, vs []model.Verse) error {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM verses`).Scan(&n); err != nil {
		return err
	}
	for i, v := range vs {
		_, err := tx.Exec(ctx, `
INSERT INTO verses (idx, surah_number, surah_name, surah_name_english, verse_number, verse_text, verse_text_english)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			n+i, v.Chapter, v.ChapterName, v.ChapterNameTranslit, v.Number, v.Text, v.Translation)
		if err != nil {
			return fmt.Errorf("insert verse %d: %w", n+i, err)
		}
	}
	return tx.Commit(ctx)
}

const pgAccountCols = `id, username, provider, instance, access_token, access_secret, external_id, start_date, current_verse_index, days_posted`

func scanPgAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Username, &a.Link.Provider, &a.Link.Instance, &a.Link.AccessToken,
		&a.Link.AccessSecret, &a.Link.ExternalID, &a.StartDate, &a.Cursor, &a.DaysPosted)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

func (p *Postgres) Account(ctx context.Context, id int64) (model.Account, error) {
	return scanPgAccount(p.conn.QueryRow(ctx, `SELECT `+pgAccountCols+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) AccountByUsername(ctx context.Context, username string) (model.Account, error) {
	return scanPgAccount(p.conn.QueryRow(ctx, `SELECT `+pgAccountCols+` FROM users WHERE username = $1`, username))
}

func (p *Postgres) AccountByExternalID(ctx context.Context, provider, instance, externalID string) (model.Account, error) {
	return scanPgAccount(p.conn.QueryRow(ctx,
		`SELECT `+pgAccountCols+` FROM users WHERE provider = $1 AND instance = $2 AND external_id = $3 ORDER BY id LIMIT 1`,
		provider, instance, externalID))
}

func (p *Postgres) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	created, err := scanPgAccount(p.conn.QueryRow(ctx, `
INSERT INTO users (username, provider, instance, access_token, access_secret, external_id, start_date, current_verse_index, days_posted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+pgAccountCols,
		a.Username, a.Link.Provider, a.Link.Instance, a.Link.AccessToken, a.Link.AccessSecret,
		a.Link.ExternalID, a.StartDate, a.Cursor, a.DaysPosted))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.Account{}, fmt.Errorf("username %q: %w", a.Username, ErrConflict)
	}
	return created, err
}

func (p *Postgres) UpdateAccount(ctx context.Context, id int64, u model.AccountUpdate) (model.Account, error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback(ctx)

	a, err := scanPgAccount(tx.QueryRow(ctx, `SELECT `+pgAccountCols+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Account{}, err
	}
	applyUpdate(&a, u)

	_, err = tx.Exec(ctx, `
UPDATE users
SET provider = $1, instance = $2, access_token = $3, access_secret = $4, external_id = $5,
    start_date = $6, current_verse_index = $7, days_posted = $8
WHERE id = $9`,
		a.Link.Provider, a.Link.Instance, a.Link.AccessToken, a.Link.AccessSecret, a.Link.ExternalID,
		a.StartDate, a.Cursor, a.DaysPosted, id)
	if err != nil {
		return model.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

func (p *Postgres) LinkedAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := p.conn.Query(ctx, `
SELECT `+pgAccountCols+`
FROM users
WHERE provider <> '' AND instance <> '' AND access_token <> '' AND external_id <> ''
  AND (provider <> 'x' OR access_secret <> '')
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendPost(ctx context.Context, rec model.PostRecord) (model.PostRecord, error) {
	err := p.conn.QueryRow(ctx, `
INSERT INTO posts (user_id, verse_idx, post_id, posted_at, success, error_message)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		rec.AccountID, rec.VerseIndex, optString(rec.ExternalPostID), rec.PostedAt, rec.Success, optString(rec.Error),
	).Scan(&rec.ID)
	if err != nil {
		return model.PostRecord{}, err
	}
	// Postgres keeps microseconds.
	rec.PostedAt = rec.PostedAt.Truncate(time.Microsecond)
	return rec, nil
}

func (p *Postgres) RecentPosts(ctx context.Context, accountID int64, limit int) ([]model.PostRecord, error) {
	var lim *int
	if limit >= 0 {
		lim = &limit
	}
	rows, err := p.conn.Query(ctx, `
SELECT id, user_id, verse_idx, post_id, posted_at, success, error_message
FROM posts
WHERE user_id = $1
ORDER BY posted_at DESC, id DESC
LIMIT $2`, accountID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PostRecord
	for rows.Next() {
		var (
			rec    model.PostRecord
			postID *string
			errMsg *string
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.VerseIndex, &postID, &rec.PostedAt, &rec.Success, &errMsg); err != nil {
			return nil, err
		}
		if postID != nil {
			rec.ExternalPostID = *postID
		}
		if errMsg != nil {
			rec.Error = *errMsg
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

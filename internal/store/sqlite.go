package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mikequentel/wird/internal/model"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is a durable single-file store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// One writer at a time; also keeps ":memory:" to a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) VerseCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verses`).Scan(&n)
	return n, err
}

func (s *SQLite) VerseByIndex(ctx context.Context, i int) (model.Verse, error) {
	n, err := s.VerseCount(ctx)
	if err != nil {
		return model.Verse{}, err
	}
	if n == 0 {
		return model.Verse{}, ErrNoVerses
	}
	const q = `
SELECT idx, surah_number, surah_name, surah_name_english, verse_number, verse_text, verse_text_english
FROM verses
WHERE idx = ?;
`
	var v model.Verse
	err = s.db.QueryRowContext(ctx, q, wrapIndex(i, n)).Scan(
		&v.Index, &v.Chapter, &v.ChapterName, &v.ChapterNameTranslit, &v.Number, &v.Text, &v.Translation)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Verse{}, fmt.Errorf("verse %d: %w", wrapIndex(i, n), ErrNotFound)
	}
	return v, err
}

func (s *SQLite) AddVerses(ctx context.Context, vs []model.Verse) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM verses`).Scan(&n); err != nil {
		return err
	}
	const q = `
INSERT INTO verses (idx, surah_number, surah_name, surah_name_english, verse_number, verse_text, verse_text_english)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	for i, v := range vs {
		if _, err := tx.ExecContext(ctx, q, n+i, v.Chapter, v.ChapterName, v.ChapterNameTranslit, v.Number, v.Text, v.Translation); err != nil {
			return fmt.Errorf("insert verse %d: %w", n+i, err)
		}
	}
	return tx.Commit()
}

const sqliteAccountCols = `id, username, provider, instance, access_token, access_secret, external_id, start_date, current_verse_index, days_posted`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row scanner) (model.Account, error) {
	var (
		a     model.Account
		start sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Username, &a.Link.Provider, &a.Link.Instance, &a.Link.AccessToken,
		&a.Link.AccessSecret, &a.Link.ExternalID, &start, &a.Cursor, &a.DaysPosted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	if err != nil {
		return model.Account{}, err
	}
	if start.Valid {
		t := time.UnixMilli(start.Int64).UTC()
		a.StartDate = &t
	}
	return a, nil
}

func (s *SQLite) Account(ctx context.Context, id int64) (model.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountCols+` FROM users WHERE id = ?`, id))
}

func (s *SQLite) AccountByUsername(ctx context.Context, username string) (model.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountCols+` FROM users WHERE username = ?`, username))
}

func (s *SQLite) AccountByExternalID(ctx context.Context, provider, instance, externalID string) (model.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountCols+` FROM users WHERE provider = ? AND instance = ? AND external_id = ? ORDER BY id LIMIT 1`,
		provider, instance, externalID))
}

func (s *SQLite) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	const q = `
INSERT INTO users (username, provider, instance, access_token, access_secret, external_id, start_date, current_verse_index, days_posted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, q, a.Username, a.Link.Provider, a.Link.Instance, a.Link.AccessToken,
		a.Link.AccessSecret, a.Link.ExternalID, millis(a.StartDate), a.Cursor, a.DaysPosted)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.Account{}, fmt.Errorf("username %q: %w", a.Username, ErrConflict)
		}
		return model.Account{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Account{}, err
	}
	return s.Account(ctx, id)
}

func (s *SQLite) UpdateAccount(ctx context.Context, id int64, u model.AccountUpdate) (model.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback()

	a, err := scanSQLiteAccount(tx.QueryRowContext(ctx, `SELECT `+sqliteAccountCols+` FROM users WHERE id = ?`, id))
	if err != nil {
		return model.Account{}, err
	}
	applyUpdate(&a, u)

	const q = `
UPDATE users
SET provider = ?, instance = ?, access_token = ?, access_secret = ?, external_id = ?,
    start_date = ?, current_verse_index = ?, days_posted = ?
WHERE id = ?;
`
	if _, err := tx.ExecContext(ctx, q, a.Link.Provider, a.Link.Instance, a.Link.AccessToken, a.Link.AccessSecret,
		a.Link.ExternalID, millis(a.StartDate), a.Cursor, a.DaysPosted, id); err != nil {
		return model.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

func (s *SQLite) LinkedAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteAccountCols+`
FROM users
WHERE provider <> '' AND instance <> '' AND access_token <> '' AND external_id <> ''
  AND (provider <> 'x' OR access_secret <> '')
ORDER BY id;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendPost(ctx context.Context, p model.PostRecord) (model.PostRecord, error) {
	const q = `
INSERT INTO posts (user_id, verse_idx, post_id, posted_at, success, error_message)
VALUES (?, ?, ?, ?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, q, p.AccountID, p.VerseIndex, nullString(p.ExternalPostID),
		p.PostedAt.UnixMilli(), p.Success, nullString(p.Error))
	if err != nil {
		return model.PostRecord{}, err
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return model.PostRecord{}, err
	}
	p.PostedAt = time.UnixMilli(p.PostedAt.UnixMilli()).UTC()
	return p, nil
}

func (s *SQLite) RecentPosts(ctx context.Context, accountID int64, limit int) ([]model.PostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, verse_idx, post_id, posted_at, success, error_message
FROM posts
WHERE user_id = ?
ORDER BY posted_at DESC, id DESC
LIMIT ?;
`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PostRecord
	for rows.Next() {
		var (
			p        model.PostRecord
			postID   sql.NullString
			errMsg   sql.NullString
			postedAt int64
		)
		if err := rows.Scan(&p.ID, &p.AccountID, &p.VerseIndex, &postID, &postedAt, &p.Success, &errMsg); err != nil {
			return nil, err
		}
		p.ExternalPostID = postID.String
		p.Error = errMsg.String
		p.PostedAt = time.UnixMilli(postedAt).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

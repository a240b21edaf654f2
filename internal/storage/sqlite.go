package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"followback/internal/directory"
	logx "followback/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Timestamps are stored as unix milliseconds.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: cfg.Now}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]directory.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, access_key, access_secret FROM accounts ORDER BY id`)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()
	var out []directory.Account
	for rows.Next() {
		var a directory.Account
		if err := rows.Scan(&a.ID, &a.Credential.Token, &a.Credential.Secret); err != nil {
			return nil, wrap("list accounts", err)
		}
		out = append(out, a)
	}
	return out, wrap("list accounts", rows.Err())
}

func (s *sqliteStore) FindAccount(ctx context.Context, id directory.UserID) (directory.Account, error) {
	a := directory.Account{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT access_key, access_secret FROM accounts WHERE id = ?`, id).
		Scan(&a.Credential.Token, &a.Credential.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Account{}, ErrNotFound
	}
	if err != nil {
		return directory.Account{}, wrap("find account", err)
	}
	return a, nil
}

func (s *sqliteStore) SaveAccount(ctx context.Context, acct directory.Account) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, access_key, access_secret, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET access_key=excluded.access_key, access_secret=excluded.access_secret, updated_at=excluded.updated_at`,
		acct.ID, acct.Credential.Token, acct.Credential.Secret, now, now,
	)
	return wrap("save account", err)
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id directory.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return wrap("delete account", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpsertFollowers(ctx context.Context, account directory.UserID, ids []directory.UserID) error {
	return s.upsert(ctx, account, KindFollower, ids)
}

func (s *sqliteStore) UpsertFriends(ctx context.Context, account directory.UserID, ids []directory.UserID) error {
	return s.upsert(ctx, account, KindFriend, ids)
}

func (s *sqliteStore) upsert(ctx context.Context, account directory.UserID, kind Kind, ids []directory.UserID) error {
	if len(ids) == 0 {
		return nil
	}
	op := "upsert " + string(kind) + "s"
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO relationships(source_id, kind, target_id, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(source_id, kind, target_id) DO UPDATE SET updated_at=excluded.updated_at
		 WHERE excluded.updated_at >= relationships.updated_at`)
	if err != nil {
		return wrap(op, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, account, string(kind), id, now); err != nil {
			return wrap(op, err)
		}
	}
	return wrap(op, tx.Commit())
}

func (s *sqliteStore) FindFollowers(ctx context.Context, account directory.UserID) ([]directory.UserID, error) {
	return s.find(ctx, account, KindFollower)
}

func (s *sqliteStore) FindFriends(ctx context.Context, account directory.UserID) ([]directory.UserID, error) {
	return s.find(ctx, account, KindFriend)
}

func (s *sqliteStore) find(ctx context.Context, account directory.UserID, kind Kind) ([]directory.UserID, error) {
	op := "find " + string(kind) + "s"
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id FROM relationships WHERE source_id = ? AND kind = ? ORDER BY target_id`,
		account, string(kind))
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	out := []directory.UserID{}
	for rows.Next() {
		var id directory.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, id)
	}
	return out, wrap(op, rows.Err())
}

func (s *sqliteStore) Stats(ctx context.Context, account directory.UserID) (RelationshipStats, error) {
	var st RelationshipStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN kind = 'follower' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'friend' THEN 1 ELSE 0 END), 0)
		 FROM relationships WHERE source_id = ?`, account).Scan(&st.Followers, &st.Friends)
	return st, wrap("stats", err)
}

func (s *sqliteStore) PruneStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, wrap("prune", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("prune", err)
}

package storage

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"followback/internal/directory"
	logx "followback/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, wrap("parse dsn", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, wrap("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("ping", err)
	}
	st := &postgresStore{pool: pool, log: log, now: cfg.Now}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(postgresSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) ListAccounts(ctx context.Context) ([]directory.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, access_key, access_secret FROM accounts ORDER BY id`)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()
	var out []directory.Account
	for rows.Next() {
		var (
			id  int64
			acc directory.Account
		)
		if err := rows.Scan(&id, &acc.Credential.Token, &acc.Credential.Secret); err != nil {
			return nil, wrap("list accounts", err)
		}
		acc.ID = directory.UserID(id)
		out = append(out, acc)
	}
	return out, wrap("list accounts", rows.Err())
}

func (s *postgresStore) FindAccount(ctx context.Context, id directory.UserID) (directory.Account, error) {
	acc := directory.Account{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT access_key, access_secret FROM accounts WHERE id = $1`, int64(id)).
		Scan(&acc.Credential.Token, &acc.Credential.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.Account{}, ErrNotFound
	}
	if err != nil {
		return directory.Account{}, wrap("find account", err)
	}
	return acc, nil
}

func (s *postgresStore) SaveAccount(ctx context.Context, acct directory.Account) error {
	now := s.now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, access_key, access_secret, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET access_key = EXCLUDED.access_key,
		     access_secret = EXCLUDED.access_secret, updated_at = EXCLUDED.updated_at`,
		int64(acct.ID), acct.Credential.Token, acct.Credential.Secret, now)
	return wrap("save account", err)
}

func (s *postgresStore) DeleteAccount(ctx context.Context, id directory.UserID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, int64(id))
	if err != nil {
		return wrap("delete account", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) UpsertFollowers(ctx context.Context, account directory.UserID, ids []directory.UserID) error {
	return s.upsert(ctx, account, KindFollower, ids)
}

func (s *postgresStore) UpsertFriends(ctx context.Context, account directory.UserID, ids []directory.UserID) error {
	return s.upsert(ctx, account, KindFriend, ids)
}

// upsert writes one page in a single statement. Duplicates are removed first
// because ON CONFLICT cannot touch the same row twice in one command.
func (s *postgresStore) upsert(ctx context.Context, account directory.UserID, kind Kind, ids []directory.UserID) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	targets := make([]int64, len(ids))
	for i, id := range ids {
		targets[i] = int64(id)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relationships (source_id, kind, target_id, updated_at)
		 SELECT $1, $2, t, $3 FROM UNNEST($4::bigint[]) AS t
		 ON CONFLICT (source_id, kind, target_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		 WHERE relationships.updated_at <= EXCLUDED.updated_at`,
		int64(account), string(kind), s.now(), targets)
	return wrap("upsert "+string(kind)+"s", err)
}

func (s *postgresStore) FindFollowers(ctx context.Context, account directory.UserID) ([]directory.UserID, error) {
	return s.find(ctx, account, KindFollower)
}

func (s *postgresStore) FindFriends(ctx context.Context, account directory.UserID) ([]directory.UserID, error) {
	return s.find(ctx, account, KindFriend)
}

func (s *postgresStore) find(ctx context.Context, account directory.UserID, kind Kind) ([]directory.UserID, error) {
	op := "find " + string(kind) + "s"
	rows, err := s.pool.Query(ctx,
		`SELECT target_id FROM relationships WHERE source_id = $1 AND kind = $2 ORDER BY target_id`,
		int64(account), string(kind))
	if err != nil {
		return nil, wrap(op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, wrap(op, err)
	}
	out := make([]directory.UserID, len(ids))
	for i, id := range ids {
		out[i] = directory.UserID(id)
	}
	return out, nil
}

func (s *postgresStore) Stats(ctx context.Context, account directory.UserID) (RelationshipStats, error) {
	var followers, friends int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE kind = 'follower'), count(*) FILTER (WHERE kind = 'friend')
		 FROM relationships WHERE source_id = $1`, int64(account)).Scan(&followers, &friends)
	if err != nil {
		return RelationshipStats{}, wrap("stats", err)
	}
	return RelationshipStats{Followers: int(followers), Friends: int(friends)}, nil
}

func (s *postgresStore) PruneStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM relationships WHERE updated_at < $1`, before)
	if err != nil {
		return 0, wrap("prune", err)
	}
	return tag.RowsAffected(), nil
}

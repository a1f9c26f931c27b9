package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"bastion.dev/internal/tracing"
)

var (
	_ RefreshTokenStore = (*PGStore)(nil)
	_ APIKeyStore       = (*PGStore)(nil)
)

// PGStore implements the credential stores on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Refresh tokens -----------------------------------------------------------

func (s *PGStore) CreateRefreshToken(ctx context.Context, tok *RefreshToken) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "refresh_tokens", tracing.DBOperationInsert)
	defer func() { end(err) }()

	_, err = s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, device_info, created_at, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		tok.ID, tok.UserID, tok.DeviceInfo, tok.CreatedAt, tok.ExpiresAt,
	)
	return err
}

func (s *PGStore) FindRefreshToken(ctx context.Context, id string) (_ *RefreshToken, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "refresh_tokens", tracing.DBOperationQuery)
	defer func() { end(err) }()

	row := s.db.QueryRowContext(ctx,
		`select id, user_id, device_info, created_at, expires_at, revoked, revoked_at
		 from refresh_tokens where id=$1`, id)
	var (
		tok       RefreshToken
		revokedAt sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.DeviceInfo, &tok.CreatedAt, &tok.ExpiresAt, &tok.Revoked, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tok.RevokedAt = timePtr(revokedAt)
	return &tok, nil
}

func (s *PGStore) RevokeRefreshToken(ctx context.Context, id string, at time.Time) (_ bool, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "refresh_tokens", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=$2 where id=$1 and revoked=false`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGStore) RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) (_ int64, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "refresh_tokens", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=$2 where user_id=$1 and revoked=false`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGStore) DeleteExpiredRefreshTokens(ctx context.Context, now, revokedBefore time.Time) (_ int64, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "refresh_tokens", tracing.DBOperationDelete)
	defer func() { end(err) }()

	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1 or (revoked and revoked_at < $2)`, now, revokedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// API keys -----------------------------------------------------------------

const apiKeyColumns = `id, user_id, key_hash, name, permissions, rate_limit, last_used_at, expires_at, created_at, revoked, revoked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		k          APIKey
		rateLimit  sql.NullInt64
		lastUsedAt sql.NullTime
		expiresAt  sql.NullTime
		revokedAt  sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, pq.Array(&k.Permissions), &rateLimit,
		&lastUsedAt, &expiresAt, &k.CreatedAt, &k.Revoked, &revokedAt); err != nil {
		return nil, err
	}
	k.RateLimit = int(rateLimit.Int64)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.ExpiresAt = timePtr(expiresAt)
	k.RevokedAt = timePtr(revokedAt)
	return &k, nil
}

func nullRateLimit(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

func (s *PGStore) CreateAPIKey(ctx context.Context, key *APIKey) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationInsert)
	defer func() { end(err) }()

	_, err = s.db.ExecContext(ctx,
		`insert into api_keys(id, user_id, key_hash, name, permissions, rate_limit, expires_at, created_at, revoked)
		 values($1,$2,$3,$4,$5,$6,$7,$8,false)`,
		key.ID, key.UserID, key.KeyHash, key.Name, pq.Array(key.Permissions),
		nullRateLimit(key.RateLimit), nullTime(key.ExpiresAt), key.CreatedAt,
	)
	return err
}

func (s *PGStore) FindAPIKeyByHash(ctx context.Context, keyHash string) (_ *APIKey, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationQuery)
	defer func() { end(err) }()

	key, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where key_hash=$1`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return key, err
}

func (s *PGStore) ListAPIKeys(ctx context.Context, userID string) (_ []*APIKey, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx,
		`select `+apiKeyColumns+` from api_keys where user_id=$1 order by created_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PGStore) RotateAPIKey(ctx context.Context, id, userID string, next *APIKey, at time.Time) (_ *APIKey, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationTx)
	defer func() { end(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanAPIKey(tx.QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where id=$1 and user_id=$2 for update`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "api_key", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		return nil, &NotFoundError{Kind: "api_key", ID: id}
	}

	if _, err := tx.ExecContext(ctx,
		`update api_keys set revoked=true, revoked_at=$2 where id=$1`, id, at); err != nil {
		return nil, err
	}

	next.UserID = old.UserID
	next.Name = old.Name
	next.Permissions = old.Permissions
	next.RateLimit = old.RateLimit
	next.ExpiresAt = old.ExpiresAt
	if _, err := tx.ExecContext(ctx,
		`insert into api_keys(id, user_id, key_hash, name, permissions, rate_limit, expires_at, created_at, revoked)
		 values($1,$2,$3,$4,$5,$6,$7,$8,false)`,
		next.ID, next.UserID, next.KeyHash, next.Name, pq.Array(next.Permissions),
		nullRateLimit(next.RateLimit), nullTime(next.ExpiresAt), next.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	old.Revoked = true
	old.RevokedAt = &at
	return old, nil
}

func (s *PGStore) RevokeAPIKey(ctx context.Context, id, userID string, at time.Time) (_ *APIKey, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	key, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`update api_keys set revoked=true, revoked_at=$3
		 where id=$1 and user_id=$2 and revoked=false
		 returning `+apiKeyColumns, id, userID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "api_key", ID: id}
	}
	return key, err
}

func (s *PGStore) TouchAPIKey(ctx context.Context, id string, at time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	_, err = s.db.ExecContext(ctx, `update api_keys set last_used_at=$2 where id=$1`, id, at)
	return err
}

func (s *PGStore) DeleteExpiredAPIKeys(ctx context.Context, now, revokedBefore time.Time) (_ int64, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "api_keys", tracing.DBOperationDelete)
	defer func() { end(err) }()

	res, err := s.db.ExecContext(ctx,
		`delete from api_keys where (expires_at is not null and expires_at < $1) or (revoked and revoked_at < $2)`,
		now, revokedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

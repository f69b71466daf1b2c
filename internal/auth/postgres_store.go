package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolationCode は一意制約違反を表すPostgreSQLのエラーコード。
const uniqueViolationCode = "23505"

// postgresSchema はユーザーテーブルの定義。有効なユーザーの間でのみメールアドレスを一意にする。
const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email VARCHAR(255) NOT NULL,
    password VARCHAR(255) NOT NULL,
    first_name VARCHAR(100) NOT NULL,
    last_name VARCHAR(100) NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_active_email
    ON users(email) WHERE is_active;
`

// pgxQuerier はPostgresUserStoreが使用するpgxの操作。*pgxpool.Poolとpgxmockが満たす。
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresUserStore はPostgreSQLにユーザーを保存するUserStore。
type PostgresUserStore struct {
	db pgxQuerier
}

// NewPostgresUserStore はPostgresUserStoreを生成する。
func NewPostgresUserStore(db pgxQuerier) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

// ConnectPostgres はdsnに接続するコネクションプールを生成し、疎通を確認する。
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("PostgreSQLの接続設定に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQLへの接続に失敗: %w", err)
	}
	return pool, nil
}

// EnsureSchema はユーザーテーブルが存在しなければ作成する。
func (s *PostgresUserStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}

// Ping はデータベースへの疎通を確認する。
func (s *PostgresUserStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// FindActiveByEmail は有効なユーザーをメールアドレスで検索する。
func (s *PostgresUserStore) FindActiveByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND is_active = true`,
		NormalizeEmail(email))
	return scanPostgresUser(row)
}

// FindActiveByID は有効なユーザーをIDで検索する。
func (s *PostgresUserStore) FindActiveByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND is_active = true`, id)
	return scanPostgresUser(row)
}

// Create はユーザーを保存する。
func (s *PostgresUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		var pe *pgconn.PgError
		if errors.As(err, &pe) && pe.Code == uniqueViolationCode {
			return ErrAlreadyExists
		}
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

func scanPostgresUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return &u, nil
}

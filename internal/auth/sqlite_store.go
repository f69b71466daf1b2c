package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/plant-analytics/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const userColumns = `id, email, password, first_name, last_name, is_active, created_at, updated_at`

// SQLiteUserStore はSQLiteにユーザーを保存するUserStore。
type SQLiteUserStore struct {
	db *sql.DB
}

// OpenSQLiteUserStore はpathのSQLiteデータベースを開き、マイグレーションを適用する。
func OpenSQLiteUserStore(ctx context.Context, path string) (*SQLiteUserStore, error) {
	db, err := migration.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteUserStore{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteUserStore) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *SQLiteUserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindActiveByEmail は有効なユーザーをメールアドレスで検索する。
func (s *SQLiteUserStore) FindActiveByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? AND is_active = 1`,
		NormalizeEmail(email))
	return scanSQLiteUser(row)
}

// FindActiveByID は有効なユーザーをIDで検索する。
func (s *SQLiteUserStore) FindActiveByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ? AND is_active = 1`, id)
	return scanSQLiteUser(row)
}

// Create はユーザーを保存する。
func (s *SQLiteUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive,
		u.CreatedAt.Format(time.RFC3339Nano), u.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && isUniqueViolation(se.Code()) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// isUniqueViolation は拡張リザルトコードが無効な接続でも一意制約違反を判定する。
func isUniqueViolation(code int) bool {
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
}

func scanSQLiteUser(row *sql.Row) (*User, error) {
	var (
		u                    User
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &u, nil
}

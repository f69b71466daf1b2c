package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User は認証サービスが管理するユーザー。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewUser は新しい有効なユーザーを生成する。メールアドレスは正規化される。
func NewUser(email, passwordHash, firstName, lastName string, now time.Time) *User {
	return &User{
		ID:           uuid.NewString(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		FirstName:    firstName,
		LastName:     lastName,
		IsActive:     true,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// NormalizeEmail は前後の空白を除去し小文字に変換する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UserStore はユーザーの永続化を行う。
type UserStore interface {
	// FindActiveByEmail は有効なユーザーをメールアドレスで検索する。
	// 見つからない場合はErrUserNotFoundを返す。
	FindActiveByEmail(ctx context.Context, email string) (*User, error)
	// FindActiveByID は有効なユーザーをIDで検索する。
	// 見つからない場合はErrUserNotFoundを返す。
	FindActiveByID(ctx context.Context, id string) (*User, error)
	// Create はユーザーを保存する。メールアドレスが重複する場合はErrAlreadyExistsを返す。
	Create(ctx context.Context, u *User) error
	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/plant-analytics/pkg/identity"
)

// MinBcryptCost はパスワードハッシュに使用するbcryptコストの下限。
const MinBcryptCost = 12

// dummyHash はユーザーが存在しない場合の比較に使うハッシュ。
// 応答時間からユーザーの有無を推測されないようにする。
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("plant-analytics-dummy-password"), MinBcryptCost)
	if err != nil {
		panic(fmt.Sprintf("ダミーハッシュの生成に失敗: %v", err))
	}
	return h
})

// UserView はレスポンスに含めるユーザー情報。
type UserView struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// AuthResult はログイン・登録の結果。
type AuthResult struct {
	AccessToken string   `json:"accessToken"`
	User        UserView `json:"user"`
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Service はログイン・ユーザー登録・トークン検証を行うトークンサービス。
type Service struct {
	store  UserStore
	tokens *TokenIssuer
	cost   int
	now    func() time.Time
	logger *slog.Logger
}

// NewService はServiceを生成する。bcryptCostはMinBcryptCost未満の場合MinBcryptCostに切り上げる。
func NewService(store UserStore, tokens *TokenIssuer, bcryptCost int, logger *slog.Logger) *Service {
	if bcryptCost < MinBcryptCost {
		bcryptCost = MinBcryptCost
	}
	if bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.MaxCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		tokens: tokens,
		cost:   bcryptCost,
		now:    time.Now,
		logger: logger,
	}
}

// Login はメールアドレスとパスワードを検証し、アクセストークンを発行する。
// ユーザーが存在しない・無効・パスワード不一致のいずれもErrInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	u, err := s.store.FindActiveByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(u)
}

// Register はユーザーを登録し、アクセストークンを発行する。
// 同じメールアドレスの有効なユーザーが存在する場合はErrAlreadyExistsを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	email := NormalizeEmail(in.Email)

	_, err := s.store.FindActiveByEmail(ctx, email)
	if err == nil {
		return nil, ErrAlreadyExists
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	u := NewUser(email, string(hash), in.FirstName, in.LastName, s.now())
	// 検索と保存の間に同じメールアドレスが登録された場合もストアがErrAlreadyExistsを返す
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "ユーザーを登録しました", slog.String("user_id", u.ID))
	return s.issue(u)
}

// VerifyToken はトークンを検証し、結果を返す。エラーは返さない。
// 署名と有効期限の検証後、ユーザーが現在も有効であることを確認する。
func (s *Service) VerifyToken(ctx context.Context, token string) identity.VerificationResult {
	claims, err := s.tokens.Parse(token)
	if errors.Is(err, ErrTokenExpired) {
		return identity.Invalid(identity.ErrKindTokenExpired)
	}
	if err != nil {
		return identity.Invalid(identity.ErrKindInvalidToken)
	}

	u, err := s.store.FindActiveByID(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return identity.Invalid(identity.ErrKindUserNotFoundOrInactive)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "トークン検証中のユーザー検索に失敗しました",
			slog.String("user_id", claims.Subject),
			slog.Any("error", err),
		)
		return identity.Invalid(identity.ErrKindVerificationFailed)
	}

	return identity.Valid(identity.Subject{ID: u.ID, Email: u.Email})
}

// Ping はユーザーストアへの疎通を確認する。
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) issue(u *User) (*AuthResult, error) {
	token, err := s.tokens.Issue(u.ID, u.Email)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken: token,
		User: UserView{
			ID:        u.ID,
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
		},
	}, nil
}

// Package identity はサービス間で共有する認証済みユーザーの表現を提供する。
//
// Gatewayが検証結果として受け取り、転送先のバックエンドにヘッダーとして
// 伝播するユーザー情報と、そのためのヘッダー名・エラー種別を定義する。
package identity

import "context"

const (
	// HeaderGatewaySource はリクエストがGatewayを経由したことを示すヘッダー。
	HeaderGatewaySource = "X-Gateway-Source"
	// HeaderUserID は認証済みユーザーのIDを伝播するヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderUserEmail は認証済みユーザーのメールアドレスを伝播するヘッダー。
	HeaderUserEmail = "X-User-Email"
)

// 検証失敗の理由。VerificationResult.Error に設定される。
const (
	ErrKindInvalidToken            = "invalid_token"
	ErrKindTokenExpired            = "token_expired"
	ErrKindUserNotFoundOrInactive  = "user_not_found_or_inactive"
	ErrKindVerificationFailed      = "verification_failed"
	ErrKindVerificationUnavailable = "verification_unavailable"
	ErrKindMalformedResponse       = "malformed_response"
)

// Subject はトークンが表すユーザー。
type Subject struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// VerificationResult はトークン検証の結果。永続化されない。
type VerificationResult struct {
	// Valid はトークンが有効かどうか。
	Valid bool `json:"valid"`
	// User は検証に成功した場合のユーザー。
	User *Subject `json:"user,omitempty"`
	// Error は検証に失敗した理由。
	Error string `json:"error,omitempty"`
}

// Invalid は指定した理由で失敗した検証結果を返す。
func Invalid(reason string) VerificationResult {
	return VerificationResult{Valid: false, Error: reason}
}

// Valid は検証に成功した結果を返す。
func Valid(s Subject) VerificationResult {
	return VerificationResult{Valid: true, User: &s}
}

type contextKey struct{}

// WithSubject はコンテキストに認証済みユーザーを設定する。
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext はコンテキストから認証済みユーザーを取り出す。
// 設定されていない場合は false を返す。
func FromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(contextKey{}).(Subject)
	return s, ok
}

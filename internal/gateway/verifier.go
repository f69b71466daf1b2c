package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nao1215/plant-analytics/pkg/httpclient"
	"github.com/nao1215/plant-analytics/pkg/identity"
)

// Verifier はアクセストークンを検証する。
// 実装はエラーを返さず、検証できない場合は無効な結果を返す。
type Verifier interface {
	Verify(ctx context.Context, token string) identity.VerificationResult
}

// AuthClient は認証サービスの/auth/verifyを呼び出すVerifier。
// 通信エラーや不正な応答はすべて無効な結果として扱う。
type AuthClient struct {
	client  *httpclient.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewAuthClient はAuthClientを生成する。timeoutは1回の検証にかける最大時間。
func NewAuthClient(baseURL string, timeout time.Duration, logger *slog.Logger) *AuthClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthClient{
		client:  httpclient.New(baseURL, timeout),
		timeout: timeout,
		logger:  logger,
	}
}

// Verify はトークンを認証サービスで検証する。
func (a *AuthClient) Verify(ctx context.Context, token string) identity.VerificationResult {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var result identity.VerificationResult
	err := a.client.PostJSON(ctx, "/auth/verify", map[string]string{"token": token}, &result)
	var (
		se        *httpclient.StatusError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &se):
		a.logger.WarnContext(ctx, "認証サービスがエラーを返しました", slog.Int("status", se.StatusCode))
		return identity.Invalid(identity.ErrKindVerificationUnavailable)
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		a.logger.WarnContext(ctx, "認証サービスの応答が不正です", slog.Any("error", err))
		return identity.Invalid(identity.ErrKindMalformedResponse)
	case err != nil:
		a.logger.WarnContext(ctx, "認証サービスに接続できません", slog.Any("error", err))
		return identity.Invalid(identity.ErrKindVerificationUnavailable)
	}
	if !result.Valid {
		if result.Error == "" {
			result.Error = identity.ErrKindInvalidToken
		}
		result.User = nil
		return result
	}
	if result.User == nil || result.User.ID == "" {
		return identity.Invalid(identity.ErrKindMalformedResponse)
	}
	return result
}

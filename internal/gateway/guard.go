package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/identity"
	"github.com/nao1215/plant-analytics/pkg/middleware"
)

// Verdict は1つの判定の結果。
type Verdict struct {
	// Allowed は次の判定へ進めるかどうか。
	Allowed bool
	// Status は拒否時に返すステータスコード。
	Status int
	// Message は拒否時に返すエラーメッセージ。
	Message string
	// RetryAfter は流量制限で拒否した場合の待ち時間。
	RetryAfter time.Duration
	// Subject は許可時に付与する認証済みユーザー。nilの場合は付与しない。
	Subject *identity.Subject
}

// Allow は許可の判定を返す。
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// AllowAs はユーザーを付与して許可する判定を返す。
func AllowAs(s identity.Subject) Verdict {
	return Verdict{Allowed: true, Subject: &s}
}

// Reject は拒否の判定を返す。
func Reject(status int, message string) Verdict {
	return Verdict{Status: status, Message: message}
}

// Predicate はリクエストを判定する。
type Predicate func(c *gin.Context) Verdict

// Chain は判定を左から順に実行するGinミドルウェアを返す。
// 最初に拒否した判定でリクエストを中断し、許可時のユーザーはコンテキストに付与する。
func Chain(preds ...Predicate) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, pred := range preds {
			v := pred(c)
			if !v.Allowed {
				if v.Status == http.StatusTooManyRequests {
					middleware.AbortTooManyRequests(c, v.RetryAfter)
					return
				}
				c.AbortWithStatusJSON(v.Status, gin.H{"error": v.Message})
				return
			}
			if v.Subject != nil {
				c.Request = c.Request.WithContext(identity.WithSubject(c.Request.Context(), *v.Subject))
			}
		}
		c.Next()
	}
}

// SubjectFrom はコンテキストに付与された認証済みユーザーを返す。
func SubjectFrom(c *gin.Context) (identity.Subject, bool) {
	return identity.FromContext(c.Request.Context())
}

// credential はAuthorizationヘッダーの状態。
type credential int

const (
	credentialMissing credential = iota
	credentialMalformed
	credentialPresent
)

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(header string) (string, credential) {
	if header == "" {
		return "", credentialMissing
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", credentialMalformed
	}
	return token, credentialPresent
}

// RequiredAuth は有効なトークンを必須とする判定を返す。
// ヘッダーが無い・形式が不正・検証に失敗した場合は401で拒否する。
func RequiredAuth(v Verifier) Predicate {
	return func(c *gin.Context) Verdict {
		token, state := bearerToken(c.GetHeader("Authorization"))
		switch state {
		case credentialMissing:
			return Reject(http.StatusUnauthorized, "Authorizationヘッダーが必要です")
		case credentialMalformed:
			return Reject(http.StatusUnauthorized, "Bearer トークン形式が不正です")
		}

		res := v.Verify(c.Request.Context(), token)
		if !res.Valid || res.User == nil {
			return Reject(http.StatusUnauthorized, "トークンが無効です")
		}
		return AllowAs(*res.User)
	}
}

// OptionalAuth はトークンが有効な場合のみユーザーを付与する判定を返す。拒否はしない。
func OptionalAuth(v Verifier) Predicate {
	return func(c *gin.Context) Verdict {
		token, state := bearerToken(c.GetHeader("Authorization"))
		if state != credentialPresent {
			return Allow()
		}
		res := v.Verify(c.Request.Context(), token)
		if !res.Valid || res.User == nil {
			return Allow()
		}
		return AllowAs(*res.User)
	}
}

// Admission はクライアント単位の流量制限を行う判定を返す。
func Admission(rl *middleware.RateLimiter) Predicate {
	return func(c *gin.Context) Verdict {
		ok, wait := rl.Allow(c.ClientIP())
		if !ok {
			return Verdict{Status: http.StatusTooManyRequests, RetryAfter: wait}
		}
		return Allow()
	}
}

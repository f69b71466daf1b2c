package middleware

import (
	"crypto/rand"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
)

// HeaderRequestID はリクエストIDを運ぶヘッダー名。
const HeaderRequestID = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID はリクエストごとにIDを付与するGinミドルウェアを返す。
// 受信したX-Request-IDがあればそれを引き継ぎ、無ければULIDを生成する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = ulid.MustNew(ulid.Now(), rand.Reader).String()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はコンテキストに設定されたリクエストIDを返す。未設定の場合は空文字列。
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

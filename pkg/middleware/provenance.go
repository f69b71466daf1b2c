package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/identity"
)

// RequireGatewaySource はX-Gateway-Sourceヘッダーがsourceと一致しないリクエストを403で拒否する。
// enforceがfalseの場合（開発環境）は検証せずに通過させる。
// exemptに含まれるパス（ヘルスチェックなど）は常に通過させる。
func RequireGatewaySource(source string, enforce bool, exempt ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if !enforce {
			c.Next()
			return
		}
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		if c.GetHeader(identity.HeaderGatewaySource) != source {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "API Gateway経由でアクセスしてください",
			})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// フロントエンドからのAPIアクセスを許可するために使用する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := OriginChecker(allowedOrigins)

	return func(c *gin.Context) {
		if c.GetHeader("Origin") != "" && allowed(c.Request) {
			c.Header("Access-Control-Allow-Origin", c.GetHeader("Origin"))
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// OriginChecker はOriginヘッダーを許可リストと照合する関数を返す。
// 許可リストが空の場合は全てのオリジンを許可する。Originヘッダーが無いリクエスト
// （同一オリジンやブラウザ以外のクライアント）も許可する。
// WebSocketのハンドシェイクでも同じ判定を使用する。
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		if len(originsSet) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := originsSet[origin]
		return ok
	}
}

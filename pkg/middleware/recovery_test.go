package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	panicValues := []struct {
		name  string
		value any
	}{
		{name: "文字列のパニック値", value: "テスト用パニック"},
		{name: "数値のパニック値", value: 42},
		{name: "error型のパニック値", value: http.ErrAbortHandler},
	}

	for _, pv := range panicValues {
		t.Run(pv.name+"で500が返りログが出力されること", func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.ErrorLevel)
			router := gin.New()
			router.Use(Recovery(zap.New(core)))
			router.GET("/panic", func(_ *gin.Context) {
				panic(pv.value)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != "内部サーバーエラーが発生しました" {
				t.Errorf("error = %q, want %q", body["error"], "内部サーバーエラーが発生しました")
			}
			if logs.Len() != 1 {
				t.Errorf("ログ件数 = %d, want 1", logs.Len())
			}
		})
	}

	t.Run("パニック後もサーバーが次のリクエストを処理できること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(zap.NewNop()))
		router.GET("/panic", func(_ *gin.Context) {
			panic("パニック発生")
		})
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "recovered"})
		})

		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/panic", nil))
		if w1.Code != http.StatusInternalServerError {
			t.Errorf("1回目のステータスコード = %d, want %d", w1.Code, http.StatusInternalServerError)
		}

		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))
		if w2.Code != http.StatusOK {
			t.Errorf("2回目のステータスコード = %d, want %d", w2.Code, http.StatusOK)
		}
	})
}

// TestRequestLogger はステータスコードに応じたログレベルで出力されることを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantLevel zapcore.Level
	}{
		{name: "成功はInfo", status: http.StatusOK, wantLevel: zapcore.InfoLevel},
		{name: "クライアントエラーはWarn", status: http.StatusNotFound, wantLevel: zapcore.WarnLevel},
		{name: "サーバーエラーはError", status: http.StatusServiceUnavailable, wantLevel: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.DebugLevel)
			router := gin.New()
			router.Use(func(c *gin.Context) {
				SetIdentity(c, &Identity{UserID: 9})
				c.Next()
			})
			router.Use(RequestLogger(zap.New(core)))
			router.GET("/status", func(c *gin.Context) {
				c.Status(tt.status)
			})

			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("ログ件数 = %d, want 1", len(entries))
			}
			if entries[0].Level != tt.wantLevel {
				t.Errorf("ログレベル = %v, want %v", entries[0].Level, tt.wantLevel)
			}
			if got := entries[0].ContextMap()["user_id"]; got != int64(9) {
				t.Errorf("user_id = %v, want 9", got)
			}
		})
	}
}

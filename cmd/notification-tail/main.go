// 通知サービスに接続し、ログイン中ユーザーの通知を表示し続ける開発用ツール。
//
// 環境変数:
//
//	NOTIFICATION_URL   通知サービスのURL（既定: http://localhost:8086）
//	NOTIFICATION_TOKEN ログイン中ユーザーのJWT（必須）
//	NOTIFICATION_USER  ユーザーID（必須）
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/pkg/event"
	"github.com/nao1215/volunteerhub/pkg/inbox"
	"github.com/nao1215/volunteerhub/pkg/logger"
)

func main() {
	baseURL := os.Getenv("NOTIFICATION_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8086"
	}
	token := os.Getenv("NOTIFICATION_TOKEN")
	userID, err := strconv.ParseInt(os.Getenv("NOTIFICATION_USER"), 10, 64)
	if token == "" || err != nil || userID <= 0 {
		log.Fatal("NOTIFICATION_TOKEN と NOTIFICATION_USER を指定してください")
	}

	zl, err := logger.New("info", "console")
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := inbox.NewSession(inbox.NewHTTPStore(baseURL, token, 10*time.Second), inbox.DefaultPageSize, zl)
	if err := session.Bootstrap(ctx); err != nil {
		zl.Fatal("通知一覧の取得に失敗しました", zap.Error(err))
	}
	fmt.Printf("未読 %d 件\n", session.Unread())
	for _, it := range session.Items() {
		printItem(it)
	}

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	listener, err := inbox.Dial(ctx, wsURL, token, userID, zl)
	if err != nil {
		zl.Fatal("通知サービスへの接続に失敗しました", zap.Error(err))
	}
	defer listener.Close()

	err = listener.Listen(ctx, session, func(env *event.Envelope) {
		switch env.Type {
		case event.TypeNewNotification:
			printItem(session.Items()[0])
			fmt.Printf("未読 %d 件\n", session.Unread())
		default:
			fmt.Printf("[%s] %s\n", env.Type, env.Data)
		}
	})
	if err != nil {
		zl.Error("受信を終了しました", zap.Error(err))
	}
}

func printItem(it inbox.Item) {
	mark := " "
	if !it.IsRead {
		mark = "*"
	}
	fmt.Printf("%s %s [%s] %s: %s\n", mark, it.CreatedAt.Local().Format(time.DateTime), it.Category, it.Title, it.Message)
}

package inbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/pkg/event"
)

// Listener は通知サービスへのWebSocket接続。
type Listener struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial は通知サービスに接続し、user_connected を送って本人として登録する。
// wsURL は "ws://host:port/ws" の形式。
func Dial(ctx context.Context, wsURL, token string, userID int64, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket接続に失敗: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket接続に失敗: %w", err)
	}

	l := &Listener{conn: conn, logger: logger.Named("listener")}
	if err := l.Send(event.TypeUserConnected, event.UserConnectedData{UserID: userID}); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Send はメッセージを1件送信する。
func (l *Listener) Send(msgType event.MessageType, data any) error {
	env, err := event.NewEnvelope(msgType, data)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%sの送信に失敗: %w", msgType, err)
	}
	return nil
}

// Listen は受信ループ。new_notification と new_announcement はセッションに追加する。
// 受信したメッセージはすべてonEnvelopeに渡す。
// onEnvelopeはnilでもよい。ctxのキャンセルまたはサーバーからの切断で終了し、
// その場合はnilを返す。
func (l *Listener) Listen(ctx context.Context, s *Session, onEnvelope func(*event.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("WebSocketの受信に失敗: %w", err)
		}

		env, err := event.ParseEnvelope(raw)
		if err != nil {
			l.logger.Warn("解釈できないメッセージを破棄しました", zap.Error(err))
			continue
		}

		switch env.Type {
		case event.TypeNewNotification:
			data, err := event.DecodePayload[event.NewNotificationData](env)
			if err != nil {
				l.logger.Warn("new_notificationの形式が不正です", zap.Error(err))
				continue
			}
			s.Apply(*data)
		case event.TypeNewAnnouncement:
			data, err := event.DecodePayload[event.AnnouncementData](env)
			if err != nil {
				l.logger.Warn("new_announcementの形式が不正です", zap.Error(err))
				continue
			}
			s.ApplyAnnouncement(*data)
		case event.TypeError:
			if data, err := event.DecodePayload[event.ErrorData](env); err == nil {
				l.logger.Info("サーバーがメッセージを拒否しました", zap.String("message", data.Message))
			}
		}
		if onEnvelope != nil {
			onEnvelope(env)
		}
	}
}

// Close はクローズフレームを送って接続を閉じる。
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

package notification

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/internal/presence"
	"github.com/nao1215/volunteerhub/pkg/middleware"
)

// HubConfig はWebSocket接続の設定。
type HubConfig struct {
	// SendBuffer は接続ごとの送信キュー長。
	SendBuffer int
	// WriteWait は1回の書き込みの上限時間。
	WriteWait time.Duration
	// PongWait はpongを待つ上限時間。pingはこの9割の間隔で送る。
	PongWait time.Duration
	// MaxMessageSize は受信メッセージの最大バイト数。
	MaxMessageSize int64
	// AllowedOrigins はハンドシェイクを許可するオリジン。空なら全て許可する。
	AllowedOrigins []string
}

// client はハブが管理するWebSocket接続1本。
type client struct {
	// id はレジストリ上の接続ID。
	id presence.ConnID
	// identity はハンドシェイク時に検証したユーザー。
	identity middleware.Identity
	// conn はWebSocket接続。読み込みはreadPump、書き込みはwritePumpだけが行う。
	conn *websocket.Conn
	// send は送信待ちメッセージのキュー。閉じない。
	send chan []byte
	// done は接続の終了時に閉じる。
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub はWebSocket接続を受け付け、接続ごとの送受信ループを管理する。
// 送信は Pusher として Router から呼ばれる。
type Hub struct {
	registry *presence.Registry
	verifier middleware.Verifier
	upgrader websocket.Upgrader
	cfg      HubConfig
	metrics  *Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[presence.ConnID]*client
	wg      sync.WaitGroup
}

var _ Pusher = (*Hub)(nil)

// NewHub は新しいHubを生成する。metricsはnilでもよい。
func NewHub(registry *presence.Registry, verifier middleware.Verifier, cfg HubConfig, metrics *Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	return &Hub{
		registry: registry,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginChecker(cfg.AllowedOrigins),
		},
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("hub"),
		clients: make(map[presence.ConnID]*client),
	}
}

// Push はメッセージを接続の送信キューに積む。ブロックしない。
// 接続が存在しないか閉じていれば PushGone、送信キューが満杯なら PushDropped を返す。
func (h *Hub) Push(id presence.ConnID, msg []byte) PushResult {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return PushGone
	}

	select {
	case <-c.done:
		return PushGone
	default:
	}
	select {
	case c.send <- msg:
		return PushQueued
	default:
		return PushDropped
	}
}

// HandleWS はWebSocketのハンドシェイクを処理するハンドラ。
// 認証に失敗した場合はアップグレードせずに401を返す。
// 受信ループはこのハンドラのゴルーチンで実行し、接続に関するレジストリ操作はすべてここから行う。
func (h *Hub) HandleWS(router *Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := middleware.BearerToken(c.Request)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証トークンが必要です"})
			return
		}
		identity, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Info("WebSocket認証に失敗", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": middleware.ErrInvalidToken.Error()})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("WebSocketへのアップグレードに失敗", zap.Error(err))
			return
		}

		cl := &client{
			id:       presence.ConnID(uuid.New().String()),
			identity: *identity,
			conn:     conn,
			send:     make(chan []byte, h.cfg.SendBuffer),
			done:     make(chan struct{}),
		}
		h.add(cl)

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.writePump(cl)
		}()
		h.readPump(c.Request.Context(), cl, router)
	}
}

// ConnectionCount は現在の接続数を返す。
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全接続にクローズフレームを送って切断し、送信ループの終了を待つ。
func (h *Hub) Close(ctx context.Context) error {
	h.mu.RLock()
	for _, c := range h.clients {
		c.close()
	}
	h.mu.RUnlock()

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.registry.Register(c.id)
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
	h.logger.Info("クライアントが接続しました",
		zap.String("conn_id", string(c.id)),
		zap.Int64("user_id", c.identity.UserID),
	)
}

func (h *Hub) remove(c *client) {
	member, _ := h.registry.Disconnect(c.id)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.close()
	if h.metrics != nil {
		h.metrics.Connections.Dec()
	}
	h.logger.Info("クライアントが切断しました",
		zap.String("conn_id", string(c.id)),
		zap.Int64("user_id", member.UserID),
	)
}

// readPump は受信ループ。終了時に接続をレジストリから取り除く。
func (h *Hub) readPump(ctx context.Context, c *client, router *Router) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	if h.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	handler := &inboundHandler{hub: h, router: router, client: c}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("WebSocketの読み込みを終了", zap.String("conn_id", string(c.id)), zap.Error(err))
			}
			return
		}
		handler.handle(ctx, raw)
	}
}

// writePump は送信ループ。送信キューの内容とpingを書き込む。
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocketへの書き込みに失敗", zap.String("conn_id", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

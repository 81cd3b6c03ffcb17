package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/internal/presence"
	"github.com/nao1215/volunteerhub/pkg/event"
	"github.com/nao1215/volunteerhub/pkg/middleware"
)

// ServerConfig は通知サーバーの設定。
type ServerConfig struct {
	// Port はサーバーのリッスンポート。
	Port string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// StoreTimeout はストア呼び出し1回あたりの上限時間。
	StoreTimeout time.Duration
	// PageSize は一覧の既定件数。
	PageSize int
	// MaxPageSize は一覧の最大件数。
	MaxPageSize int
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// Deps はサーバーが使用するコンポーネント。
type Deps struct {
	Store      Store
	Reconciler *Reconciler
	Router     *Router
	Hub        *Hub
	Registry   *presence.Registry
	Verifier   middleware.Verifier
	// Gatherer は /metrics で公開するメトリクスの取得元。nilなら /metrics を公開しない。
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg ServerConfig
	// store は通知ストア。
	store Store
	// reconciler はリアルタイム配信を伴わない通知の作成に使う。
	reconciler *Reconciler
	// events はイベントのルーティングを担う。
	events *Router
	// hub はWebSocket接続を管理する。
	hub *Hub
	// registry は接続状況の参照に使う。
	registry *presence.Registry
	// verifier はJWTの検証に使う。
	verifier middleware.Verifier
	// gatherer は /metrics の取得元。
	gatherer prometheus.Gatherer
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.MaxPageSize < cfg.PageSize {
		cfg.MaxPageSize = cfg.PageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		events:     deps.Router,
		hub:        deps.Hub,
		registry:   deps.Registry,
		verifier:   deps.Verifier,
		gatherer:   deps.Gatherer,
		logger:     logger.Named("server"),
	}
	s.setupRoutes()

	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとWebSocket接続を閉じてから停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("通知サービスを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("通知サービスの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("通知サービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.hub.Close(shutdownCtx); err != nil {
		s.logger.Warn("WebSocket接続の終了待ちがタイムアウトしました", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.verifier))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読件数取得
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 通知を削除する
			notifications.DELETE("/:id", s.handleDelete())
		}

		// 他のサービスのハンドラから呼び出される内部API
		internal := api.Group("/internal")
		internal.Use(requireAnnouncer())
		{
			internal.POST("/events", s.handleRouteEvent())
			internal.POST("/notifications", s.handleCreate())
			internal.POST("/publish", s.handlePublish())
		}
	}

	// リアルタイム接続
	s.router.GET("/ws", s.hub.HandleWS(s.events))

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// requireAnnouncer は通知を発行できる権限区分のユーザーに限定するミドルウェア。
func requireAnnouncer() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok || !identity.CanAnnounce() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "この操作を行う権限がありません"})
			return
		}
		c.Next()
	}
}

// storeContext はストア呼び出し用の上限時間付きコンテキストを返す。
func (s *Server) storeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.StoreTimeout)
}

// respondStoreError はストアのエラーをHTTPレスポンスに変換する。
func (s *Server) respondStoreError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
	default:
		s.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// parseNotificationID はパスパラメータの通知IDを取り出す。
func parseNotificationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
		return 0, false
	}
	return id, true
}

// parseListQuery はクエリパラメータから一覧の取得条件を組み立てる。
// page_size は上限を超えた場合に上限に丸める。limit は page_size の別名。
func (s *Server) parseListQuery(c *gin.Context) (ListQuery, error) {
	q := ListQuery{Page: 1, PageSize: s.cfg.PageSize}

	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return q, fmt.Errorf("pageが不正です: %q", raw)
		}
		q.Page = page
	}

	raw := c.Query("page_size")
	if raw == "" {
		raw = c.Query("limit")
	}
	if raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			return q, fmt.Errorf("page_sizeが不正です: %q", raw)
		}
		q.PageSize = min(size, s.cfg.MaxPageSize)
	}

	if raw := c.Query("unread_only"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("unread_onlyが不正です: %q", raw)
		}
		q.UnreadOnly = unread
	}
	return q, nil
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		q, err := s.parseListQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := s.storeContext(c)
		defer cancel()

		page, err := s.store.List(ctx, userID, q)
		if err != nil {
			s.respondStoreError(c, err, "通知一覧の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, page)
	}
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := s.storeContext(c)
		defer cancel()

		count, err := s.store.CountUnread(ctx, middleware.GetUserID(c))
		if err != nil {
			s.respondStoreError(c, err, "未読件数の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 他のユーザーの通知は存在しないものとして404を返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseNotificationID(c)
		if !ok {
			return
		}

		ctx, cancel := s.storeContext(c)
		defer cancel()

		if err := s.store.MarkRead(ctx, middleware.GetUserID(c), id); err != nil {
			s.respondStoreError(c, err, "通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := s.storeContext(c)
		defer cancel()

		updated, err := s.store.MarkAllRead(ctx, middleware.GetUserID(c))
		if err != nil {
			s.respondStoreError(c, err, "全通知の既読処理に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// handleDelete は指定された通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseNotificationID(c)
		if !ok {
			return
		}

		ctx, cancel := s.storeContext(c)
		defer cancel()

		if err := s.store.Delete(ctx, middleware.GetUserID(c), id); err != nil {
			s.respondStoreError(c, err, "通知の削除に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました"})
	}
}

// routeEventRequest はイベントルーティングリクエストのJSON構造。
type routeEventRequest struct {
	// Room は宛先ルーム（"user:1"、"district:5"、"broadcast"）。
	Room presence.Room `json:"room"`
	// Category は通知の種別。
	Category event.Category `json:"category"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Related は関連エンティティ。
	Related *event.Related `json:"related"`
	// ActionURL は通知から遷移する画面のURL。
	ActionURL string `json:"action_url"`
	// SuppressSelf がtrueなら呼び出したユーザー自身を除外する。
	SuppressSelf bool `json:"suppress_self"`
	// Recipients は地区・全体宛てのときに永続化する受信者。
	Recipients []int64 `json:"recipients"`
}

// handleRouteEvent はドメインイベントを受け取り、即時配信と永続化を行うハンドラ。
// 永続化に失敗した場合も配信結果を含めて503を返す。
func (s *Server) handleRouteEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req routeEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		report, err := s.events.Route(c.Request.Context(), Event{
			Room:         req.Room,
			Category:     req.Category,
			Title:        req.Title,
			Message:      req.Message,
			Related:      req.Related,
			ActionURL:    req.ActionURL,
			ActorID:      middleware.GetUserID(c),
			SuppressSelf: req.SuppressSelf,
			Recipients:   req.Recipients,
		})
		switch {
		case errors.Is(err, ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ErrPersistence):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrPersistence.Error(), "report": report})
		case err != nil:
			s.logger.Error("イベントのルーティングに失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントのルーティングに失敗しました"})
		default:
			c.JSON(http.StatusCreated, report)
		}
	}
}

// createRequest は通知作成リクエストのJSON構造。
type createRequest struct {
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id" binding:"required"`
	// Category は通知の種別。
	Category event.Category `json:"category"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Related は関連エンティティ。
	Related *event.Related `json:"related"`
	// ActionURL は通知から遷移する画面のURL。
	ActionURL string `json:"action_url"`
}

// handleCreate はリアルタイム配信を伴わずに通知を作成するハンドラ。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := s.reconciler.Persist(c.Request.Context(), NewNotification{
			UserID:    req.UserID,
			Category:  req.Category,
			Title:     req.Title,
			Message:   req.Message,
			Related:   req.Related,
			ActionURL: req.ActionURL,
		})
		switch {
		case errors.Is(err, ErrInvalidNotification):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrPersistence.Error()})
		default:
			c.JSON(http.StatusCreated, n)
		}
	}
}

// publishRequest は永続化しないプッシュのリクエストのJSON構造。
type publishRequest struct {
	// Room は宛先ルーム。
	Room presence.Room `json:"room"`
	// Type はプッシュするメッセージの種類。
	Type event.MessageType `json:"type" binding:"required"`
	// Data はTypeに対応するペイロード。
	Data json.RawMessage `json:"data" binding:"required"`
}

// publishPayload はリクエストのペイロードをTypeに対応する型に変換する。
// 時刻と送信者が省略されていれば補う。
func publishPayload(msgType event.MessageType, raw json.RawMessage, actorID int64) (any, error) {
	now := time.Now().UTC()
	switch msgType {
	case event.TypeTaskProgressUpdate:
		var d event.TaskProgressData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		if d.UpdatedBy == 0 {
			d.UpdatedBy = actorID
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		return d, nil
	case event.TypeAttendanceUpdated:
		var d event.AttendanceUpdatedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		return d, nil
	case event.TypeNewAnnouncement:
		var d event.AnnouncementData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		if d.Message == "" {
			return nil, errors.New("messageは必須です")
		}
		if d.SentBy == 0 {
			d.SentBy = actorID
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		return d, nil
	default:
		return nil, fmt.Errorf("プッシュできない種類です: %q", msgType)
	}
}

// handlePublish は永続化しないメッセージをルームの接続中メンバーにプッシュするハンドラ。
func (s *Server) handlePublish() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		data, err := publishPayload(req.Type, req.Data, middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		delivered, err := s.events.Publish(req.Room, req.Type, data)
		switch {
		case errors.Is(err, ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			s.logger.Error("メッセージのプッシュに失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "メッセージのプッシュに失敗しました"})
		default:
			c.JSON(http.StatusOK, gin.H{"delivered": delivered})
		}
	}
}

// handleHealth は接続状況を含むヘルスチェックのハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "notification",
			"presence": s.registry.Stats(),
		})
	}
}

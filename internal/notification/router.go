package notification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/internal/presence"
	"github.com/nao1215/volunteerhub/pkg/event"
)

// ErrInvalidEvent はルーティングできないイベントであることを表す。
var ErrInvalidEvent = errors.New("イベントの内容が不正です")

// PushResult は Pusher.Push の結果。
type PushResult int

const (
	// PushQueued は送信キューに積んだことを表す。
	PushQueued PushResult = iota
	// PushDropped は送信キューが満杯で破棄したことを表す。
	PushDropped
	// PushGone は接続がすでに閉じているか登録されていないことを表す。
	PushGone
)

// Pusher は接続中のクライアントにメッセージを送る。
// Push はブロックしない。
type Pusher interface {
	Push(id presence.ConnID, msg []byte) PushResult
}

// Persister は通知を1件永続化する。
type Persister interface {
	Persist(ctx context.Context, in NewNotification) (*Notification, error)
}

// Event はルーティング対象の通知イベント。
type Event struct {
	// Room は宛先ルーム。
	Room presence.Room `json:"room"`
	// Category は通知の種別。
	Category event.Category `json:"category"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Related は関連エンティティ。
	Related *event.Related `json:"related,omitempty"`
	// ActionURL は通知から遷移する画面のURL。
	ActionURL string `json:"action_url,omitempty"`
	// ActorID はイベントを発生させたユーザー。0なら不明。
	ActorID int64 `json:"actor_id,omitempty"`
	// SuppressSelf がtrueならActor自身には配信も永続化もしない。
	SuppressSelf bool `json:"suppress_self,omitempty"`
	// Recipients は地区・全体宛てのときに永続化する受信者。
	// nilなら接続中のメンバーのうちユーザーが確定しているものを受信者とする。
	Recipients []int64 `json:"recipients,omitempty"`
}

// Report はルーティング結果。
type Report struct {
	// Delivered はメッセージを送信キューに積めた接続数。
	Delivered int `json:"delivered"`
	// Dropped は送信キューが溢れて配信できなかった接続数。
	Dropped int `json:"dropped"`
	// Recipients は永続化の対象になった受信者。
	Recipients []int64 `json:"recipients"`
	// Persisted は永続化された通知のID。
	Persisted []int64 `json:"persisted"`
	// Failed は永続化に失敗した受信者。
	Failed []int64 `json:"failed,omitempty"`
}

// Router はイベントを宛先ルームに解決し、即時配信と永続化を行う。
type Router struct {
	registry  *presence.Registry
	pusher    Pusher
	persister Persister
	metrics   *Metrics
	logger    *zap.Logger
}

// NewRouter は新しいRouterを生成する。metricsはnilでもよい。
func NewRouter(registry *presence.Registry, pusher Pusher, persister Persister, metrics *Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:  registry,
		pusher:    pusher,
		persister: persister,
		metrics:   metrics,
		logger:    logger.Named("router"),
	}
}

// Route はイベントを配信し、受信者ごとに通知を永続化する。
//
// 接続中のメンバーへの new_notification は永続化より先に、接続ごとに1回だけ送る。
// 永続化は接続ではなく受信者ごとに1件行う。永続化に失敗した受信者があっても配信は取り消さず、
// ErrPersistence を含むエラーと途中までのReportを返す。
func (r *Router) Route(ctx context.Context, ev Event) (*Report, error) {
	category, err := r.validate(ev)
	if err != nil {
		return nil, err
	}
	ev.Category = category

	members := r.registry.ResolveRoom(ev.Room)
	report := &Report{
		Recipients: r.recipients(ev, members),
		Persisted:  []int64{},
	}
	if r.metrics != nil {
		r.metrics.Routed.WithLabelValues(ev.Room.Kind().String()).Inc()
	}

	msg, err := encode(event.TypeNewNotification, event.NewNotificationData{
		Title:     ev.Title,
		Message:   ev.Message,
		Category:  ev.Category,
		Related:   ev.Related,
		ActionURL: ev.ActionURL,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if ev.suppresses(m.UserID) {
			continue
		}
		r.push(m.ConnID, event.TypeNewNotification, msg, report)
	}

	var errs []error
	for _, userID := range report.Recipients {
		n, err := r.persister.Persist(ctx, NewNotification{
			UserID:    userID,
			Category:  ev.Category,
			Title:     ev.Title,
			Message:   ev.Message,
			Related:   ev.Related,
			ActionURL: ev.ActionURL,
		})
		if err != nil {
			report.Failed = append(report.Failed, userID)
			errs = append(errs, err)
			continue
		}
		report.Persisted = append(report.Persisted, n.ID)
	}

	r.logger.Debug("イベントをルーティングしました",
		zap.Stringer("room", ev.Room),
		zap.Int("delivered", report.Delivered),
		zap.Int("dropped", report.Dropped),
		zap.Int("recipients", len(report.Recipients)),
		zap.Int("failed", len(report.Failed)),
	)

	if len(errs) > 0 {
		return report, fmt.Errorf("%d件中%d件の永続化に失敗: %w", len(report.Recipients), len(errs), errors.Join(errs...))
	}
	return report, nil
}

// Publish は永続化しないメッセージをルームの接続中メンバーに配信し、送信キューに積めた接続数を返す。
func (r *Router) Publish(room presence.Room, msgType event.MessageType, data any) (int, error) {
	if !room.IsValid() {
		return 0, fmt.Errorf("%w: %w", ErrInvalidEvent, presence.ErrInvalidRoom)
	}
	msg, err := encode(msgType, data)
	if err != nil {
		return 0, err
	}

	report := &Report{}
	for _, m := range r.registry.ResolveRoom(room) {
		r.push(m.ConnID, msgType, msg, report)
	}
	return report.Delivered, nil
}

// SendTo は1つの接続にだけメッセージを送る。
func (r *Router) SendTo(id presence.ConnID, msgType event.MessageType, data any) error {
	msg, err := encode(msgType, data)
	if err != nil {
		return err
	}
	r.push(id, msgType, msg, &Report{})
	return nil
}

func (r *Router) push(id presence.ConnID, msgType event.MessageType, msg []byte, report *Report) {
	switch r.pusher.Push(id, msg) {
	case PushQueued:
		report.Delivered++
		if r.metrics != nil {
			r.metrics.Pushed.WithLabelValues(string(msgType)).Inc()
		}
	case PushDropped:
		report.Dropped++
		if r.metrics != nil {
			r.metrics.PushDropped.Inc()
		}
		r.logger.Warn("送信キューが溢れたためメッセージを破棄しました",
			zap.String("conn_id", string(id)),
			zap.String("type", string(msgType)),
		)
	case PushGone:
		// スナップショット取得後に切断された接続
		r.logger.Debug("切断済みの接続への送信をスキップしました",
			zap.String("conn_id", string(id)),
			zap.String("type", string(msgType)),
		)
	}
}

func (r *Router) validate(ev Event) (event.Category, error) {
	if !ev.Room.IsValid() {
		return "", fmt.Errorf("%w: %w", ErrInvalidEvent, presence.ErrInvalidRoom)
	}
	if ev.Title == "" || ev.Message == "" {
		return "", fmt.Errorf("%w: titleとmessageは必須です", ErrInvalidEvent)
	}
	category, err := event.ParseCategory(string(ev.Category))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	for _, id := range ev.Recipients {
		if id <= 0 {
			return "", fmt.Errorf("%w: 受信者IDは正の値が必要です: %d", ErrInvalidEvent, id)
		}
	}
	return category, nil
}

// recipients は永続化の対象となる受信者を重複なしで返す。
func (r *Router) recipients(ev Event, members []presence.Member) []int64 {
	var candidates []int64
	switch {
	case ev.Room.Kind() == presence.KindUser:
		candidates = []int64{ev.Room.ID()}
	case ev.Recipients != nil:
		candidates = ev.Recipients
	default:
		for _, m := range members {
			if m.UserID != 0 {
				candidates = append(candidates, m.UserID)
			}
		}
	}

	seen := make(map[int64]struct{}, len(candidates))
	out := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if ev.suppresses(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (ev Event) suppresses(userID int64) bool {
	return ev.SuppressSelf && ev.ActorID != 0 && userID == ev.ActorID
}

func encode(msgType event.MessageType, data any) ([]byte, error) {
	env, err := event.NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// defaultStoreTimeout はストア呼び出し1回あたりの既定の上限時間。
const defaultStoreTimeout = 5 * time.Second

// AuditSink は永続化済みの通知を外部に記録する。
type AuditSink interface {
	NotificationSent(ctx context.Context, n *Notification) error
}

// Reconciler は配信済みの通知を受信者ごとに永続化する。
// ストア呼び出しは上限時間付きで実行し、失敗とタイムアウトはどちらも ErrPersistence として扱う。
type Reconciler struct {
	store   Store
	timeout time.Duration
	audit   AuditSink
	metrics *Metrics
	logger  *zap.Logger
}

// ReconcilerOption はReconcilerの設定を変更する。
type ReconcilerOption func(*Reconciler)

// WithAuditSink は永続化成功後に監査イベントを送る先を設定する。
func WithAuditSink(sink AuditSink) ReconcilerOption {
	return func(r *Reconciler) { r.audit = sink }
}

// WithReconcilerMetrics はメトリクスの記録先を設定する。
func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler は新しいReconcilerを生成する。
func NewReconciler(store Store, timeout time.Duration, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	r := &Reconciler{
		store:   store,
		timeout: timeout,
		logger:  logger.Named("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Persist は通知を1件永続化する。
// 監査イベントの送信は永続化の成否に影響しない。
func (r *Reconciler) Persist(ctx context.Context, in NewNotification) (*Notification, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	n, err := r.store.Create(storeCtx, in)
	r.observe(start, err)
	if err != nil {
		r.logger.Error("通知の永続化に失敗",
			zap.Int64("user_id", in.UserID),
			zap.String("category", string(in.Category)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: user_id=%d: %w", ErrPersistence, in.UserID, err)
	}

	if r.audit != nil {
		if err := r.audit.NotificationSent(ctx, n); err != nil {
			r.logger.Warn("NotificationSentイベントの送信に失敗",
				zap.Int64("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}
	return n, nil
}

func (r *Reconciler) observe(start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.metrics.Persisted.WithLabelValues(result).Inc()
}

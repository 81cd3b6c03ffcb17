package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は通知サービスのPrometheusメトリクス。
type Metrics struct {
	// Connections は接続中のWebSocket数。
	Connections prometheus.Gauge
	// Routed はルーティングしたイベント数（ルーム種別ごと）。
	Routed *prometheus.CounterVec
	// Pushed は即時配信したメッセージ数（メッセージ種別ごと）。
	Pushed *prometheus.CounterVec
	// PushDropped は送信バッファが溢れて破棄したメッセージ数。
	PushDropped prometheus.Counter
	// Persisted は永続化の結果（success / failure）ごとの件数。
	Persisted *prometheus.CounterVec
	// PersistDuration は永続化1件あたりの所要時間。
	PersistDuration prometheus.Histogram
	// InboundRejected は受信メッセージを処理しなかった件数（理由ごと）。
	InboundRejected *prometheus.CounterVec
}

// NewMetrics はregに登録したメトリクスを生成する。regがnilなら登録しない。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notification_ws_connections",
			Help: "Number of open websocket connections",
		}),
		Routed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_events_routed_total",
			Help: "Total number of events routed, by target room kind",
		}, []string{"room"}),
		Pushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_messages_pushed_total",
			Help: "Total number of messages queued to live connections, by message type",
		}, []string{"type"}),
		PushDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "notification_messages_dropped_total",
			Help: "Total number of messages dropped because a connection send buffer was full",
		}),
		Persisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_persist_total",
			Help: "Total number of notification persistence attempts, by result",
		}, []string{"result"}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notification_persist_duration_seconds",
			Help:    "Duration of a single notification persistence in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		InboundRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_inbound_rejected_total",
			Help: "Total number of inbound websocket messages rejected, by reason",
		}, []string{"reason"}),
	}
}

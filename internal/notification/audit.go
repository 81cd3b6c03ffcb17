package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nao1215/volunteerhub/pkg/event"
	"github.com/nao1215/volunteerhub/pkg/httpclient"
)

// appendEventRequest はEvent Storeへのイベント追記リクエストのJSON構造。
type appendEventRequest struct {
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType string `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
}

// EventStoreSink はNotificationSentイベントをEvent StoreのHTTP APIに追記する AuditSink。
type EventStoreSink struct {
	client *httpclient.Client
}

var _ AuditSink = (*EventStoreSink)(nil)

// NewEventStoreSink は新しいEventStoreSinkを生成する。
func NewEventStoreSink(client *httpclient.Client) *EventStoreSink {
	return &EventStoreSink{client: client}
}

// NotificationSent はNotificationSentイベントを追記する。
func (s *EventStoreSink) NotificationSent(ctx context.Context, n *Notification) error {
	ev, err := event.New(
		fmt.Sprintf("notification-%d", n.ID),
		event.AggregateTypeNotification,
		event.TypeNotificationSent,
		1,
		event.NotificationSentData{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Category:       n.Category,
			Title:          n.Title,
			Message:        n.Message,
		},
	)
	if err != nil {
		return err
	}

	req := appendEventRequest{
		AggregateID:   ev.AggregateID,
		AggregateType: string(ev.AggregateType),
		EventType:     string(ev.EventType),
		Data:          ev.Data,
	}
	ctx = httpclient.WithUserID(ctx, strconv.FormatInt(n.UserID, 10))
	if err := s.client.PostJSON(ctx, "/api/v1/events", req, nil); err != nil {
		return fmt.Errorf("Event Storeへの追記に失敗: %w", err)
	}
	return nil
}

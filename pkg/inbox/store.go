package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/volunteerhub/pkg/event"
	"github.com/nao1215/volunteerhub/pkg/httpclient"
)

// ErrNotFound は通知ストアに該当する通知が無いことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// Store はログイン中ユーザーの通知ストア。
type Store interface {
	// List は最新の通知を新しい順に最大limit件返す。
	List(ctx context.Context, limit int) ([]Item, error)
	// CountUnread は未読件数を返す。
	CountUnread(ctx context.Context) (int64, error)
	// MarkRead は通知を既読にする。
	MarkRead(ctx context.Context, id int64) error
	// MarkAllRead は全通知を既読にする。
	MarkAllRead(ctx context.Context) error
	// Delete は通知を削除する。
	Delete(ctx context.Context, id int64) error
}

const notificationsPath = "/api/v1/notifications"

// HTTPStore は通知サービスのREST APIを呼び出す Store。
type HTTPStore struct {
	client *httpclient.Client
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore は新しいHTTPStoreを生成する。tokenはログイン中ユーザーのJWT。
func NewHTTPStore(baseURL, token string, timeout time.Duration) *HTTPStore {
	opts := []httpclient.Option{httpclient.WithBearerToken(token)}
	if timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(timeout))
	}
	return &HTTPStore{client: httpclient.New(baseURL, opts...)}
}

// remoteNotification は通知APIが返す通知のJSON構造。
type remoteNotification struct {
	ID          int64          `json:"id"`
	Category    event.Category `json:"category"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	IsRead      bool           `json:"is_read"`
	RelatedID   *int64         `json:"related_id"`
	RelatedType *string        `json:"related_type"`
	ActionURL   *string        `json:"action_url"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (n remoteNotification) item() Item {
	it := Item{
		ID:        PersistedID(n.ID),
		Category:  n.Category,
		Title:     n.Title,
		Message:   n.Message,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
	if n.RelatedID != nil && n.RelatedType != nil {
		it.Related = &event.Related{ID: *n.RelatedID, Type: *n.RelatedType}
	}
	if n.ActionURL != nil {
		it.ActionURL = *n.ActionURL
	}
	return it
}

// List は1ページ目をlimit件で取得する。
func (s *HTTPStore) List(ctx context.Context, limit int) ([]Item, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("page_size", strconv.Itoa(limit))

	var page struct {
		Data []remoteNotification `json:"data"`
	}
	if err := s.client.GetJSON(ctx, notificationsPath+"?"+q.Encode(), &page); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	items := make([]Item, 0, len(page.Data))
	for _, n := range page.Data {
		items = append(items, n.item())
	}
	return items, nil
}

// CountUnread は未読件数を取得する。
func (s *HTTPStore) CountUnread(ctx context.Context) (int64, error) {
	var body struct {
		Count int64 `json:"count"`
	}
	if err := s.client.GetJSON(ctx, notificationsPath+"/unread-count", &body); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return body.Count, nil
}

// MarkRead は通知を既読にする。
func (s *HTTPStore) MarkRead(ctx context.Context, id int64) error {
	path := fmt.Sprintf("%s/%d/read", notificationsPath, id)
	if err := s.client.PutJSON(ctx, path, nil, nil); err != nil {
		return wrapNotFound(fmt.Errorf("通知の既読化に失敗: %w", err))
	}
	return nil
}

// MarkAllRead は全通知を既読にする。
func (s *HTTPStore) MarkAllRead(ctx context.Context) error {
	if err := s.client.PutJSON(ctx, notificationsPath+"/read-all", nil, nil); err != nil {
		return fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return nil
}

// Delete は通知を削除する。
func (s *HTTPStore) Delete(ctx context.Context, id int64) error {
	path := fmt.Sprintf("%s/%d", notificationsPath, id)
	if err := s.client.DeleteJSON(ctx, path, nil); err != nil {
		return wrapNotFound(fmt.Errorf("通知の削除に失敗: %w", err))
	}
	return nil
}

func wrapNotFound(err error) error {
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

package inbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/pkg/event"
)

// DefaultPageSize は Bootstrap で取得する件数の既定値。
const DefaultPageSize = 20

// Session はログイン中ユーザー1人分の通知一覧と未読件数を保持する。
// 全メソッドは複数のゴルーチンから呼び出してよい。
type Session struct {
	store    Store
	pageSize int
	logger   *zap.Logger

	mu     sync.Mutex
	items  []Item
	unread int64
}

// NewSession は空のセッションを生成する。pageSizeが0以下なら DefaultPageSize を使う。
func NewSession(store Store, pageSize int, logger *zap.Logger) *Session {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		store:    store,
		pageSize: pageSize,
		logger:   logger.Named("inbox"),
	}
}

// Bootstrap は通知ストアから最新ページと未読件数を取得し、ローカル状態を置き換える。
// 失敗した場合はローカル状態を変更しない。
func (s *Session) Bootstrap(ctx context.Context) error {
	items, err := s.store.List(ctx, s.pageSize)
	if err != nil {
		return fmt.Errorf("通知一覧の同期に失敗: %w", err)
	}
	unread, err := s.store.CountUnread(ctx)
	if err != nil {
		return fmt.Errorf("未読件数の同期に失敗: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	s.unread = max(unread, 0)
	return nil
}

// Apply はプッシュで届いた通知を仮IDで一覧の先頭に追加し、未読件数を1増やす。
func (s *Session) Apply(n event.NewNotificationData) Item {
	createdAt := n.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	it := Item{
		ID:        LocalID(),
		Category:  n.Category,
		Title:     n.Title,
		Message:   n.Message,
		Related:   n.Related,
		ActionURL: n.ActionURL,
		CreatedAt: createdAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = slices.Insert(s.items, 0, it)
	s.unread++
	return it
}

// AnnouncementTitle はプッシュで届いたお知らせの項目に付けるタイトル。
const AnnouncementTitle = "システムからのお知らせ"

// ApplyAnnouncement はプッシュで届いたお知らせを仮IDで一覧の先頭に追加し、未読件数を1増やす。
func (s *Session) ApplyAnnouncement(a event.AnnouncementData) Item {
	return s.Apply(event.NewNotificationData{
		Category:  event.CategoryAnnouncement,
		Title:     AnnouncementTitle,
		Message:   a.Message,
		Timestamp: a.Timestamp,
	})
}

// MarkRead は通知を既読にする。
// ストアのIDを持つ項目は先にストアを呼び出し、仮IDの項目はローカル状態だけを更新する。
// ストア呼び出しが失敗してもローカル状態は既読にする。
func (s *Session) MarkRead(ctx context.Context, id ItemID) error {
	if _, ok := s.find(id); !ok {
		return ErrUnknownItem
	}
	if persisted, ok := id.Persisted(); ok {
		if err := s.store.MarkRead(ctx, persisted); err != nil {
			s.logStoreFailure("既読化", id, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return nil
	}
	if !s.items[i].IsRead {
		s.items[i].IsRead = true
		s.decrementLocked()
	}
	return nil
}

// MarkAllRead はストアを1回呼び出し、全項目を既読にして未読件数を0にする。
func (s *Session) MarkAllRead(ctx context.Context) error {
	if err := s.store.MarkAllRead(ctx); err != nil {
		s.logStoreFailure("全既読化", ItemID{}, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		s.items[i].IsRead = true
	}
	s.unread = 0
	return nil
}

// Delete は項目を一覧から取り除く。ストアの呼び出しはストアのIDを持つ項目に限る。
// 未読件数は削除した項目が未読だった場合だけ減らす。
func (s *Session) Delete(ctx context.Context, id ItemID) error {
	if _, ok := s.find(id); !ok {
		return ErrUnknownItem
	}
	if persisted, ok := id.Persisted(); ok {
		if err := s.store.Delete(ctx, persisted); err != nil {
			s.logStoreFailure("削除", id, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return nil
	}
	if !s.items[i].IsRead {
		s.decrementLocked()
	}
	s.items = slices.Delete(s.items, i, i+1)
	return nil
}

// Items は一覧のコピーを新しい順で返す。
func (s *Session) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Unread は未読件数を返す。
func (s *Session) Unread() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *Session) find(id ItemID) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Item{}, false
	}
	return s.items[i], true
}

func (s *Session) indexLocked(id ItemID) int {
	if id == (ItemID{}) {
		return -1
	}
	return slices.IndexFunc(s.items, func(it Item) bool { return it.ID == id })
}

// decrementLocked は未読件数を1減らす。0未満にはしない。
func (s *Session) decrementLocked() {
	if s.unread > 0 {
		s.unread--
	}
}

func (s *Session) logStoreFailure(op string, id ItemID, err error) {
	s.logger.Warn("通知ストアの更新に失敗しました。次回の同期で補正されます",
		zap.String("operation", op),
		zap.Stringer("item_id", id),
		zap.Error(err),
	)
}

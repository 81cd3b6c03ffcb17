package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/volunteerhub/pkg/event"
)

// Notification は永続化された通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID int64 `db:"id" json:"id"`
	// UserID は通知先のユーザーID。
	UserID int64 `db:"user_id" json:"user_id"`
	// Category は通知の種別。
	Category event.Category `db:"category" json:"category"`
	// Title は通知のタイトル。
	Title string `db:"title" json:"title"`
	// Message は通知メッセージ。
	Message string `db:"message" json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `db:"is_read" json:"is_read"`
	// RelatedID は関連エンティティのID。
	RelatedID *int64 `db:"related_id" json:"related_id,omitempty"`
	// RelatedType は関連エンティティの種類。
	RelatedType *string `db:"related_type" json:"related_type,omitempty"`
	// ActionURL は通知から遷移する画面のURL。
	ActionURL *string `db:"action_url" json:"action_url,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Related は関連エンティティを返す。設定されていなければnil。
func (n *Notification) Related() *event.Related {
	if n.RelatedID == nil || n.RelatedType == nil {
		return nil
	}
	return &event.Related{ID: *n.RelatedID, Type: *n.RelatedType}
}

// NewNotification は通知の作成内容。
type NewNotification struct {
	UserID    int64
	Category  event.Category
	Title     string
	Message   string
	Related   *event.Related
	ActionURL string
}

// Validate は作成内容を検証する。
func (n NewNotification) Validate() error {
	switch {
	case n.UserID <= 0:
		return fmt.Errorf("%w: user_idは正の値が必要です", ErrInvalidNotification)
	case strings.TrimSpace(n.Title) == "":
		return fmt.Errorf("%w: titleが空です", ErrInvalidNotification)
	case strings.TrimSpace(n.Message) == "":
		return fmt.Errorf("%w: messageが空です", ErrInvalidNotification)
	}
	if _, err := event.ParseCategory(string(n.Category)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	return nil
}

// ListQuery は通知一覧の取得条件。
type ListQuery struct {
	// Page は1始まりのページ番号。
	Page int
	// PageSize は1ページあたりの件数。
	PageSize int
	// UnreadOnly がtrueなら未読のみを返す。
	UnreadOnly bool
}

// Pagination は一覧のページ情報。
type Pagination struct {
	CurrentPage  int   `json:"current_page"`
	TotalPages   int   `json:"total_pages"`
	TotalItems   int64 `json:"total_items"`
	ItemsPerPage int   `json:"items_per_page"`
}

// Page は通知一覧の1ページ分。新しい順に並ぶ。
type Page struct {
	Data       []Notification `json:"data"`
	Pagination Pagination     `json:"pagination"`
}

// NewPagination は総件数からページ情報を組み立てる。
func NewPagination(page, pageSize int, total int64) Pagination {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return Pagination{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalItems:   total,
		ItemsPerPage: pageSize,
	}
}

// Store は通知の永続化を担う。
// 読み書きはすべて所有者のユーザーIDで絞り込まれる。
type Store interface {
	// Create は通知を保存し、採番されたIDと作成日時を含む通知を返す。
	Create(ctx context.Context, in NewNotification) (*Notification, error)
	// Get は所有者の通知を1件返す。無ければ ErrNotFound。
	Get(ctx context.Context, userID, id int64) (*Notification, error)
	// List は所有者の通知を新しい順にページ単位で返す。
	List(ctx context.Context, userID int64, q ListQuery) (*Page, error)
	// CountUnread は所有者の未読件数を返す。
	CountUnread(ctx context.Context, userID int64) (int64, error)
	// MarkRead は所有者の通知を既読にする。無ければ ErrNotFound。既読済みでも成功する。
	MarkRead(ctx context.Context, userID, id int64) error
	// MarkAllRead は所有者の未読通知をすべて既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	// Delete は所有者の通知を削除する。無ければ ErrNotFound。
	Delete(ctx context.Context, userID, id int64) error
}

const notificationColumns = `id, user_id, category, title, message, is_read, related_id, related_type, action_url, created_at`

// SQLStore はsqlxで実装した Store。SQLiteとPostgreSQLで動作する。
type SQLStore struct {
	// db はデータベース接続。
	db *sqlx.DB
	// now は作成日時の取得に使う。
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore は新しいSQLStoreを生成する。スキーマは InitSchema で事前に作成しておくこと。
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create は通知を保存する。
func (s *SQLStore) Create(ctx context.Context, in NewNotification) (*Notification, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	category, _ := event.ParseCategory(string(in.Category))

	n := &Notification{
		UserID:    in.UserID,
		Category:  category,
		Title:     in.Title,
		Message:   in.Message,
		CreatedAt: s.now(),
	}
	if in.Related != nil {
		relatedID, relatedType := in.Related.ID, in.Related.Type
		n.RelatedID = &relatedID
		n.RelatedType = &relatedType
	}
	if in.ActionURL != "" {
		n.ActionURL = &in.ActionURL
	}

	query := s.db.Rebind(`INSERT INTO notifications
		(user_id, category, title, message, is_read, related_id, related_type, action_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		n.UserID, string(n.Category), n.Title, n.Message, false,
		n.RelatedID, n.RelatedType, n.ActionURL, n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	return n, nil
}

// Get は所有者の通知を1件返す。
func (s *SQLStore) Get(ctx context.Context, userID, id int64) (*Notification, error) {
	var n Notification
	query := s.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE id = ? AND user_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return &n, nil
}

// List は所有者の通知を新しい順にページ単位で返す。
func (s *SQLStore) List(ctx context.Context, userID int64, q ListQuery) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		return nil, fmt.Errorf("page_sizeは正の値が必要です: %d", q.PageSize)
	}

	where := `WHERE user_id = ?`
	args := []any{userID}
	if q.UnreadOnly {
		where += ` AND is_read = ?`
		args = append(args, false)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM notifications `+where), args...); err != nil {
		return nil, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	items := make([]Notification, 0, q.PageSize)
	query := s.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications ` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	return &Page{Data: items, Pagination: NewPagination(q.Page, q.PageSize, total)}, nil
}

// CountUnread は所有者の未読件数を返す。
func (s *SQLStore) CountUnread(ctx context.Context, userID int64) (int64, error) {
	var count int64
	query := s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = ?`)
	if err := s.db.GetContext(ctx, &count, query, userID, false); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// MarkRead は所有者の通知を既読にする。
func (s *SQLStore) MarkRead(ctx context.Context, userID, id int64) error {
	query := s.db.Rebind(`UPDATE notifications SET is_read = ? WHERE id = ? AND user_id = ?`)
	res, err := s.db.ExecContext(ctx, query, true, id, userID)
	if err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return requireAffected(res)
}

// MarkAllRead は所有者の未読通知をすべて既読にする。
func (s *SQLStore) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	query := s.db.Rebind(`UPDATE notifications SET is_read = ? WHERE user_id = ? AND is_read = ?`)
	res, err := s.db.ExecContext(ctx, query, true, userID, false)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Delete は所有者の通知を削除する。
func (s *SQLStore) Delete(ctx context.Context, userID, id int64) error {
	query := s.db.Rebind(`DELETE FROM notifications WHERE id = ? AND user_id = ?`)
	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	return requireAffected(res)
}

// requireAffected は1件も更新されなかった場合に ErrNotFound を返す。
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

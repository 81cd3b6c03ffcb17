package inbox

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/volunteerhub/pkg/event"
)

// ErrUnknownItem はセッションに存在しない項目を指定したことを表す。
var ErrUnknownItem = errors.New("通知が一覧にありません")

// ItemID は通知一覧の項目ID。
// プッシュで届いた直後の項目はサーバーのIDを持たないため、クライアントで生成した仮IDを使う。
// ゼロ値は無効なIDで、どの項目とも一致しない。
type ItemID struct {
	local     uuid.UUID
	persisted int64
}

// LocalID は新しい仮IDを生成する。
func LocalID() ItemID {
	return ItemID{local: uuid.New()}
}

// PersistedID は通知ストアが採番したIDを返す。
func PersistedID(id int64) ItemID {
	return ItemID{persisted: id}
}

// IsLocal は仮IDであればtrueを返す。
func (id ItemID) IsLocal() bool {
	return id.local != uuid.Nil
}

// Persisted は通知ストアのIDを返す。仮IDの場合はfalse。
func (id ItemID) Persisted() (int64, bool) {
	return id.persisted, !id.IsLocal() && id.persisted > 0
}

// String は "local:<uuid>" または "<id>" を返す。
func (id ItemID) String() string {
	if id.IsLocal() {
		return "local:" + id.local.String()
	}
	return strconv.FormatInt(id.persisted, 10)
}

// Item は通知一覧の1項目。
type Item struct {
	ID        ItemID
	Category  event.Category
	Title     string
	Message   string
	Related   *event.Related
	ActionURL string
	IsRead    bool
	CreatedAt time.Time
}

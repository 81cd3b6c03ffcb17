package notification

import (
	"context"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/volunteerhub/internal/presence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestStore はインメモリSQLiteにスキーマを適用したストアを返す。
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// インメモリDBは接続ごとに別物になるため1本に固定する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, InitSchema(context.Background(), db, zap.NewNop()))
	return NewSQLStore(db)
}

// recordingPusher は送信されたメッセージを接続ごとに記録する Pusher。
// reject の接続は送信キューが満杯、gone の接続は切断済みとして扱う。
type recordingPusher struct {
	mu     sync.Mutex
	sent   map[presence.ConnID][][]byte
	reject map[presence.ConnID]bool
	gone   map[presence.ConnID]bool
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{
		sent:   make(map[presence.ConnID][][]byte),
		reject: make(map[presence.ConnID]bool),
		gone:   make(map[presence.ConnID]bool),
	}
}

func (p *recordingPusher) Push(id presence.ConnID, msg []byte) PushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[id] {
		return PushGone
	}
	if p.reject[id] {
		return PushDropped
	}
	p.sent[id] = append(p.sent[id], msg)
	return PushQueued
}

func (p *recordingPusher) count(id presence.ConnID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent[id])
}

// stubPersister は受信者ごとの永続化を記録し、failに含まれる受信者では失敗する Persister。
type stubPersister struct {
	mu     sync.Mutex
	nextID int64
	calls  []NewNotification
	fail   map[int64]bool
}

func (p *stubPersister) Persist(_ context.Context, in NewNotification) (*Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, in)
	if p.fail[in.UserID] {
		return nil, ErrPersistence
	}
	p.nextID++
	return &Notification{ID: p.nextID, UserID: in.UserID, Title: in.Title, Message: in.Message}, nil
}

func (p *stubPersister) userIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.calls))
	for _, c := range p.calls {
		ids = append(ids, c.UserID)
	}
	return ids
}

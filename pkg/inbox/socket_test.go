package inbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/volunteerhub/pkg/event"
)

// pushServer は接続してきたクライアントの最初のメッセージを受け取り、
// frames を順に書き込んでから、クライアントが閉じるまで待つ。
func pushServer(t *testing.T, frames ...string) (string, <-chan *event.Envelope) {
	t.Helper()

	first := make(chan *event.Envelope, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, _ := event.ParseEnvelope(raw)
		first <- env

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), first
}

func TestListener(t *testing.T) {
	url, first := pushServer(t,
		`{"type":"new_notification","data":{"title":"a","message":"m","category":"system","timestamp":"2026-03-01T09:00:00Z"}}`,
		`not json`,
		`{"type":"task_progress_update","data":{"task_id":1,"progress":50,"updated_by":2,"timestamp":"2026-03-01T09:00:00Z"}}`,
		`{"type":"new_notification","data":{"title":"b","message":"m","category":"event_reminder","timestamp":"2026-03-01T09:01:00Z"}}`,
		`{"type":"new_announcement","data":{"message":"停電のお知らせ","sent_by":4,"timestamp":"2026-03-01T09:02:00Z"}}`,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := Dial(ctx, url, "token", 11, nil)
	require.NoError(t, err)

	select {
	case env := <-first:
		require.NotNil(t, env)
		assert.Equal(t, event.TypeUserConnected, env.Type)
		data, err := event.DecodePayload[event.UserConnectedData](env)
		require.NoError(t, err)
		assert.Equal(t, int64(11), data.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("user_connectedが送信されない")
	}

	s := NewSession(&fakeStore{}, 5, nil)
	seen := make(chan event.MessageType, 8)
	done := make(chan error, 1)
	go func() {
		done <- l.Listen(ctx, s, func(env *event.Envelope) { seen <- env.Type })
	}()

	require.Eventually(t, func() bool { return len(s.Items()) == 3 }, 2*time.Second, 10*time.Millisecond)
	items := s.Items()
	assert.Equal(t, AnnouncementTitle, items[0].Title)
	assert.Equal(t, "停電のお知らせ", items[0].Message)
	assert.Equal(t, event.CategoryAnnouncement, items[0].Category)
	assert.Equal(t, "b", items[1].Title)
	assert.Equal(t, "a", items[2].Title)
	assert.True(t, items[0].ID.IsLocal())
	assert.Equal(t, int64(3), s.Unread())

	assert.Equal(t, event.TypeNewNotification, <-seen)
	assert.Equal(t, event.TypeTaskProgressUpdate, <-seen)
	assert.Equal(t, event.TypeNewNotification, <-seen)
	assert.Equal(t, event.TypeNewAnnouncement, <-seen)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後もListenが終了しない")
	}
}

func TestDial_Unauthorized(t *testing.T) {
	url, _ := pushServer(t)

	_, err := Dial(context.Background(), url, "wrong", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

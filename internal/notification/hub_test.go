package notification

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

	"github.com/nao1215/volunteerhub/internal/presence"
	"github.com/nao1215/volunteerhub/pkg/event"
	"github.com/nao1215/volunteerhub/pkg/middleware"
)

const wsWait = 2 * time.Second

// wsEnv は実際のHTTPサーバー上で動く通知サービス。
type wsEnv struct {
	*testEnv
	ts *httptest.Server
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	env := setupTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsWait)
		defer cancel()
		_ = env.hub.Close(ctx)
		ts.Close()
	})
	return &wsEnv{testEnv: env, ts: ts}
}

func (e *wsEnv) url(token string) string {
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dial はユーザーとして接続する。まだ user_connected は送らない。
func (e *wsEnv) dial(t *testing.T, identity middleware.Identity) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.url(tokenFor(t, identity)), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect は接続して user_connected を送り、所属地区のルームに参加するまで待つ。
func (e *wsEnv) connect(t *testing.T, identity middleware.Identity) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, identity)
	send(t, conn, event.TypeUserConnected, event.UserConnectedData{UserID: identity.UserID})

	room := presence.UserRoom(identity.UserID)
	if identity.DistrictID > 0 {
		room = presence.DistrictRoom(identity.DistrictID)
	}
	e.waitMember(t, room, identity.UserID)
	return conn
}

func (e *wsEnv) waitMember(t *testing.T, room presence.Room, userID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range e.registry.ResolveRoom(room) {
			if m.UserID == userID {
				return true
			}
		}
		return false
	}, wsWait, 10*time.Millisecond, "user %d did not join %s", userID, room)
}

func send(t *testing.T, conn *websocket.Conn, msgType event.MessageType, data any) {
	t.Helper()
	env, err := event.NewEnvelope(msgType, data)
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func receive(t *testing.T, conn *websocket.Conn) *event.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wsWait)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := event.ParseEnvelope(raw)
	require.NoError(t, err)
	return env
}

func receivePayload[T any](t *testing.T, conn *websocket.Conn, want event.MessageType) *T {
	t.Helper()
	env := receive(t, conn)
	require.Equal(t, want, env.Type, "data=%s", env.Data)
	data, err := event.DecodePayload[T](env)
	require.NoError(t, err)
	return data
}

func TestHub_HandshakeRequiresToken(t *testing.T) {
	e := newWSEnv(t)

	tests := map[string]string{
		"トークン無し":  "",
		"不正なトークン": "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(e.url(token), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Zero(t, e.hub.ConnectionCount())
}

func TestHub_UserConnected(t *testing.T) {
	e := newWSEnv(t)

	t.Run("認証済みユーザーをバインドし所属地区に参加させること", func(t *testing.T) {
		e.connect(t, volunteer)

		id, ok := e.registry.ConnectionOf(volunteer.UserID)
		require.True(t, ok)
		userID, ok := e.registry.UserOf(id)
		require.True(t, ok)
		assert.Equal(t, volunteer.UserID, userID)
	})

	t.Run("トークンと異なるユーザーIDは拒否されること", func(t *testing.T) {
		conn := e.dial(t, otherVolunteer)
		send(t, conn, event.TypeUserConnected, event.UserConnectedData{UserID: admin.UserID})

		data := receivePayload[event.ErrorData](t, conn, event.TypeError)
		assert.NotEmpty(t, data.Message)
		_, bound := e.registry.ConnectionOf(admin.UserID)
		assert.False(t, bound)
		_, bound = e.registry.ConnectionOf(otherVolunteer.UserID)
		assert.False(t, bound)
	})
}

func TestHub_RejectedMessagesKeepConnectionOpen(t *testing.T) {
	e := newWSEnv(t)
	conn := e.dial(t, volunteer)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	receivePayload[event.ErrorData](t, conn, event.TypeError)

	send(t, conn, event.MessageType("drop_table"), event.ErrorData{Message: "x"})
	receivePayload[event.ErrorData](t, conn, event.TypeError)

	// 本人確認前の操作は拒否される
	send(t, conn, event.TypeJoinDistrictRoom, event.JoinDistrictRoomData{DistrictID: 10})
	receivePayload[event.ErrorData](t, conn, event.TypeError)

	send(t, conn, event.TypeUserConnected, event.UserConnectedData{UserID: volunteer.UserID})
	e.waitMember(t, presence.DistrictRoom(volunteer.DistrictID), volunteer.UserID)
}

func TestHub_JoinDistrictRoom(t *testing.T) {
	e := newWSEnv(t)

	t.Run("ボランティアは他地区に参加できないこと", func(t *testing.T) {
		conn := e.connect(t, volunteer)
		send(t, conn, event.TypeJoinDistrictRoom, event.JoinDistrictRoomData{DistrictID: 99})

		receivePayload[event.ErrorData](t, conn, event.TypeError)
		assert.Empty(t, e.registry.ResolveRoom(presence.DistrictRoom(99)))
	})

	t.Run("全地区を管轄する権限は任意の地区に参加できること", func(t *testing.T) {
		conn := e.connect(t, admin)
		send(t, conn, event.TypeJoinDistrictRoom, event.JoinDistrictRoomData{DistrictID: 99})

		e.waitMember(t, presence.DistrictRoom(99), admin.UserID)
	})
}

func TestHub_SendNotification(t *testing.T) {
	e := newWSEnv(t)
	sender := e.connect(t, volunteer)
	target := e.connect(t, otherVolunteer)

	send(t, sender, event.TypeSendNotification, event.SendNotificationData{
		UserID:  otherVolunteer.UserID,
		Title:   "交代のお願い",
		Message: "明日の受付を代わってもらえますか",
		Type:    event.CategoryTaskAssigned,
	})

	got := receivePayload[event.NewNotificationData](t, target, event.TypeNewNotification)
	assert.Equal(t, "交代のお願い", got.Title)
	assert.Equal(t, event.CategoryTaskAssigned, got.Category)

	require.Eventually(t, func() bool {
		n, err := e.store.CountUnread(context.Background(), otherVolunteer.UserID)
		return err == nil && n == 1
	}, wsWait, 10*time.Millisecond)

	n, err := e.store.CountUnread(context.Background(), volunteer.UserID)
	require.NoError(t, err)
	assert.Zero(t, n, "送信者には保存しない")

	t.Run("オフラインのユーザー宛ては永続化のみ行うこと", func(t *testing.T) {
		send(t, sender, event.TypeSendNotification, event.SendNotificationData{
			UserID: 500, Title: "t", Message: "m",
		})
		require.Eventually(t, func() bool {
			n, err := e.store.CountUnread(context.Background(), 500)
			return err == nil && n == 1
		}, wsWait, 10*time.Millisecond)
	})

	t.Run("未知の種別は拒否されること", func(t *testing.T) {
		require.NoError(t, sender.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"send_notification","data":{"user_id":2,"title":"t","message":"m","type":"sms"}}`)))
		receivePayload[event.ErrorData](t, sender, event.TypeError)
	})
}

func TestHub_TaskUpdatedAndAttendance(t *testing.T) {
	e := newWSEnv(t)
	chair := e.connect(t, districtChair)
	member := e.connect(t, volunteer)
	outsider := e.connect(t, middleware.Identity{UserID: 7, Role: middleware.RoleVolunteer, DistrictID: 20})

	send(t, member, event.TypeTaskUpdated, event.TaskUpdatedData{TaskID: 5, Progress: 60, Status: "in_progress", DistrictID: 10})

	for _, conn := range []*websocket.Conn{chair, member} {
		got := receivePayload[event.TaskProgressData](t, conn, event.TypeTaskProgressUpdate)
		assert.Equal(t, int64(5), got.TaskID)
		assert.Equal(t, 60, got.Progress)
		assert.Equal(t, volunteer.UserID, got.UpdatedBy)
	}

	send(t, member, event.TypeEventAttendance, event.EventAttendanceData{EventID: 3, Status: "attending"})

	// 地区外の接続はタスク更新を受け取らず、出欠更新だけを受け取る
	for _, conn := range []*websocket.Conn{chair, member, outsider} {
		got := receivePayload[event.AttendanceUpdatedData](t, conn, event.TypeAttendanceUpdated)
		assert.Equal(t, int64(3), got.EventID)
		assert.Equal(t, volunteer.UserID, got.UserID)
	}

	send(t, member, event.TypeTaskUpdated, event.TaskUpdatedData{TaskID: 5, Progress: 10, DistrictID: 20})
	receivePayload[event.ErrorData](t, member, event.TypeError)
}

func TestHub_SendAnnouncement(t *testing.T) {
	e := newWSEnv(t)
	chair := e.connect(t, districtChair)
	member := e.connect(t, volunteer)
	outsider := e.connect(t, middleware.Identity{UserID: 7, Role: middleware.RoleVolunteer, DistrictID: 20})
	root := e.connect(t, admin)

	t.Run("ボランティアはアナウンスできないこと", func(t *testing.T) {
		send(t, member, event.TypeSendAnnouncement, event.SendAnnouncementData{DistrictID: 10, Message: "m"})
		receivePayload[event.ErrorData](t, member, event.TypeError)
	})

	t.Run("地区代表は全体にアナウンスできないこと", func(t *testing.T) {
		send(t, chair, event.TypeSendAnnouncement, event.SendAnnouncementData{Message: "全体へ"})
		receivePayload[event.ErrorData](t, chair, event.TypeError)
	})

	t.Run("地区代表は所属地区にアナウンスできること", func(t *testing.T) {
		send(t, chair, event.TypeSendAnnouncement, event.SendAnnouncementData{DistrictID: 10, Message: "集合場所が変わりました"})
		for _, conn := range []*websocket.Conn{chair, member} {
			got := receivePayload[event.AnnouncementData](t, conn, event.TypeNewAnnouncement)
			assert.Equal(t, "集合場所が変わりました", got.Message)
			assert.Equal(t, districtChair.UserID, got.SentBy)
		}
	})

	t.Run("管理者は全体にアナウンスできること", func(t *testing.T) {
		send(t, root, event.TypeSendAnnouncement, event.SendAnnouncementData{Message: "全体連絡"})
		// outsider の最初のメッセージがこれであれば地区アナウンスは届いていない
		for _, conn := range []*websocket.Conn{chair, member, outsider, root} {
			got := receivePayload[event.AnnouncementData](t, conn, event.TypeNewAnnouncement)
			assert.Equal(t, "全体連絡", got.Message)
		}
	})

	count, err := e.store.CountUnread(context.Background(), volunteer.UserID)
	require.NoError(t, err)
	assert.Zero(t, count, "アナウンスは永続化しない")
}

func TestHub_Disconnect(t *testing.T) {
	e := newWSEnv(t)
	conn := e.connect(t, volunteer)
	require.Equal(t, 1, e.hub.ConnectionCount())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return e.hub.ConnectionCount() == 0 && e.registry.Stats().Connections == 0
	}, wsWait, 10*time.Millisecond)
	_, ok := e.registry.ConnectionOf(volunteer.UserID)
	assert.False(t, ok)

	report, err := e.server.events.Route(context.Background(), Event{
		Room: presence.UserRoom(volunteer.UserID), Title: "t", Message: "m",
	})
	require.NoError(t, err)
	assert.Zero(t, report.Delivered)
	assert.Len(t, report.Persisted, 1)
}

func TestHub_Close(t *testing.T) {
	e := newWSEnv(t)
	conn := e.connect(t, volunteer)

	ctx, cancel := context.WithTimeout(context.Background(), wsWait)
	defer cancel()
	require.NoError(t, e.hub.Close(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wsWait)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)

	require.Eventually(t, func() bool { return e.registry.Stats().Connections == 0 }, wsWait, 10*time.Millisecond)
}

func TestHub_PushResult(t *testing.T) {
	t.Parallel()

	h := NewHub(presence.NewRegistry(nil), nil, HubConfig{SendBuffer: 1}, nil, nil)
	c := &client{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}
	h.clients[c.id] = c

	t.Run("未登録の接続にはPushGoneを返すこと", func(t *testing.T) {
		assert.Equal(t, PushGone, h.Push("missing", []byte("x")))
	})

	t.Run("送信キューに空きがあればPushQueuedを返すこと", func(t *testing.T) {
		assert.Equal(t, PushQueued, h.Push(c.id, []byte("x")))
	})

	t.Run("送信キューが満杯ならPushDroppedを返すこと", func(t *testing.T) {
		assert.Equal(t, PushDropped, h.Push(c.id, []byte("y")))
	})

	t.Run("終了した接続にはPushGoneを返すこと", func(t *testing.T) {
		c.close()
		assert.Equal(t, PushGone, h.Push(c.id, []byte("z")))
	})
}

func TestHub_InternalPublish(t *testing.T) {
	e := newWSEnv(t)
	chair := e.connect(t, districtChair)
	member := e.connect(t, volunteer)
	outsider := e.connect(t, middleware.Identity{UserID: 7, Role: middleware.RoleVolunteer, DistrictID: 20})

	t.Run("地区宛ての進捗更新は地区の接続だけに届くこと", func(t *testing.T) {
		w := doRequest(e.router, http.MethodPost, "/api/v1/internal/publish", tokenFor(t, districtChair), map[string]any{
			"room": "district:10",
			"type": "task_progress_update",
			"data": map[string]any{"task_id": 5, "progress": 80, "status": "in_progress"},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := parseJSON[map[string]int](t, w)
		assert.Equal(t, 2, got["delivered"])

		for _, conn := range []*websocket.Conn{chair, member} {
			p := receivePayload[event.TaskProgressData](t, conn, event.TypeTaskProgressUpdate)
			assert.Equal(t, int64(5), p.TaskID)
			assert.Equal(t, 80, p.Progress)
			assert.Equal(t, districtChair.UserID, p.UpdatedBy, "省略した更新者は呼び出し元で補う")
			assert.False(t, p.Timestamp.IsZero())
		}
	})

	t.Run("全体宛てのお知らせは全接続に届くこと", func(t *testing.T) {
		w := doRequest(e.router, http.MethodPost, "/api/v1/internal/publish", tokenFor(t, admin), map[string]any{
			"room": "broadcast",
			"type": "new_announcement",
			"data": map[string]any{"message": "システムメンテナンスのお知らせ"},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, 3, parseJSON[map[string]int](t, w)["delivered"])

		// 地区外の接続は直前の進捗更新を受け取っていない
		for _, conn := range []*websocket.Conn{chair, member, outsider} {
			p := receivePayload[event.AnnouncementData](t, conn, event.TypeNewAnnouncement)
			assert.Equal(t, "システムメンテナンスのお知らせ", p.Message)
			assert.Equal(t, admin.UserID, p.SentBy)
		}
	})

	badBodies := []struct {
		name string
		body map[string]any
	}{
		{"永続化が必要な種類の", map[string]any{"room": "broadcast", "type": "new_notification", "data": map[string]any{"title": "t"}}},
		{"未知の種類の", map[string]any{"room": "broadcast", "type": "drop_tables", "data": map[string]any{}}},
		{"ルームが無い", map[string]any{"type": "attendance_updated", "data": map[string]any{"event_id": 1}}},
		{"本文の無いお知らせの", map[string]any{"room": "broadcast", "type": "new_announcement", "data": map[string]any{}}},
	}
	for _, tc := range badBodies {
		t.Run(tc.name+"場合は400を返すこと", func(t *testing.T) {
			w := doRequest(e.router, http.MethodPost, "/api/v1/internal/publish", tokenFor(t, admin), tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	t.Run("ボランティアはプッシュできないこと", func(t *testing.T) {
		w := doRequest(e.router, http.MethodPost, "/api/v1/internal/publish", tokenFor(t, volunteer), map[string]any{
			"room": "broadcast", "type": "new_announcement", "data": map[string]any{"message": "m"},
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

package notification

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/volunteerhub/internal/presence"
	"github.com/nao1215/volunteerhub/pkg/event"
)

// 受信メッセージを処理しなかった理由。メトリクスのラベルにも使う。
const (
	reasonMalformed   = "malformed"
	reasonUnknownType = "unknown_type"
	reasonMismatch    = "identity_mismatch"
	reasonUnbound     = "unbound"
	reasonForbidden   = "forbidden"
	reasonInvalid     = "invalid"
)

// inboundHandler は1本の接続の受信メッセージを処理する。
// readPumpのゴルーチンからのみ呼ばれる。
type inboundHandler struct {
	hub    *Hub
	router *Router
	client *client
}

func (h *inboundHandler) handle(ctx context.Context, raw []byte) {
	env, err := event.ParseEnvelope(raw)
	if err != nil {
		h.reject(reasonMalformed, "メッセージの形式が不正です", err)
		return
	}

	switch env.Type {
	case event.TypeUserConnected:
		h.userConnected(env)
	case event.TypeJoinDistrictRoom:
		h.joinDistrictRoom(env)
	case event.TypeSendNotification:
		h.sendNotification(ctx, env)
	case event.TypeTaskUpdated:
		h.taskUpdated(env)
	case event.TypeEventAttendance:
		h.eventAttendance(env)
	case event.TypeSendAnnouncement:
		h.sendAnnouncement(env)
	default:
		h.reject(reasonUnknownType, "未対応のメッセージです: "+string(env.Type), nil)
	}
}

// userConnected は名乗られたユーザーIDをハンドシェイク時の認証結果と照合してから接続にバインドし、
// 所属地区のルームに参加させる。
func (h *inboundHandler) userConnected(env *event.Envelope) {
	data, err := event.DecodePayload[event.UserConnectedData](env)
	if err != nil {
		h.reject(reasonMalformed, "user_connectedの形式が不正です", err)
		return
	}
	identity := h.client.identity
	if data.UserID != identity.UserID {
		h.hub.logger.Warn("認証済みユーザーと異なるユーザーIDが名乗られました",
			zap.String("conn_id", string(h.client.id)),
			zap.Int64("claimed_user_id", data.UserID),
			zap.Int64("user_id", identity.UserID),
		)
		h.reject(reasonMismatch, "ユーザーIDが認証情報と一致しません", nil)
		return
	}

	registry := h.hub.registry
	if !registry.BindUser(h.client.id, identity.UserID) {
		return
	}
	if identity.DistrictID > 0 {
		registry.JoinRoom(h.client.id, presence.DistrictRoom(identity.DistrictID))
	}
}

func (h *inboundHandler) joinDistrictRoom(env *event.Envelope) {
	if _, ok := h.boundUser(); !ok {
		return
	}
	data, err := event.DecodePayload[event.JoinDistrictRoomData](env)
	if err != nil || data.DistrictID <= 0 {
		h.reject(reasonMalformed, "join_district_roomの形式が不正です", err)
		return
	}
	if !h.client.identity.CanAccessDistrict(data.DistrictID) {
		h.reject(reasonForbidden, "この地区のルームには参加できません", nil)
		return
	}
	h.hub.registry.JoinRoom(h.client.id, presence.DistrictRoom(data.DistrictID))
}

func (h *inboundHandler) sendNotification(ctx context.Context, env *event.Envelope) {
	userID, ok := h.boundUser()
	if !ok {
		return
	}
	data, err := event.DecodePayload[event.SendNotificationData](env)
	if err != nil {
		h.reject(reasonMalformed, "send_notificationの形式が不正です", err)
		return
	}

	_, err = h.router.Route(ctx, Event{
		Room:         presence.UserRoom(data.UserID),
		Category:     data.Type,
		Title:        data.Title,
		Message:      data.Message,
		ActorID:      userID,
		SuppressSelf: true,
	})
	switch {
	case errors.Is(err, ErrInvalidEvent):
		h.reject(reasonInvalid, "通知の内容が不正です", err)
	case err != nil:
		h.hub.logger.Error("send_notificationの処理に失敗",
			zap.String("conn_id", string(h.client.id)),
			zap.Int64("target_user_id", data.UserID),
			zap.Error(err),
		)
	}
}

func (h *inboundHandler) taskUpdated(env *event.Envelope) {
	userID, ok := h.boundUser()
	if !ok {
		return
	}
	data, err := event.DecodePayload[event.TaskUpdatedData](env)
	if err != nil || data.TaskID <= 0 || data.DistrictID <= 0 {
		h.reject(reasonMalformed, "task_updatedの形式が不正です", err)
		return
	}
	if !h.client.identity.CanAccessDistrict(data.DistrictID) {
		h.reject(reasonForbidden, "この地区のタスクは更新できません", nil)
		return
	}

	h.publish(presence.DistrictRoom(data.DistrictID), event.TypeTaskProgressUpdate, event.TaskProgressData{
		TaskID:    data.TaskID,
		Progress:  data.Progress,
		Status:    data.Status,
		UpdatedBy: userID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *inboundHandler) eventAttendance(env *event.Envelope) {
	userID, ok := h.boundUser()
	if !ok {
		return
	}
	data, err := event.DecodePayload[event.EventAttendanceData](env)
	if err != nil || data.EventID <= 0 || data.Status == "" {
		h.reject(reasonMalformed, "event_attendanceの形式が不正です", err)
		return
	}

	h.publish(presence.BroadcastRoom(), event.TypeAttendanceUpdated, event.AttendanceUpdatedData{
		EventID:   data.EventID,
		UserID:    userID,
		Status:    data.Status,
		Timestamp: time.Now().UTC(),
	})
}

// sendAnnouncement はアナウンスを地区または全体に配信する。
// 全体へのアナウンスは全地区を管轄する権限が必要。
func (h *inboundHandler) sendAnnouncement(env *event.Envelope) {
	userID, ok := h.boundUser()
	if !ok {
		return
	}
	data, err := event.DecodePayload[event.SendAnnouncementData](env)
	if err != nil || data.Message == "" || data.DistrictID < 0 {
		h.reject(reasonMalformed, "send_announcementの形式が不正です", err)
		return
	}

	identity := h.client.identity
	room := presence.BroadcastRoom()
	allowed := identity.CanAnnounce() && identity.CanAccessAllDistricts()
	if data.DistrictID > 0 {
		room = presence.DistrictRoom(data.DistrictID)
		allowed = identity.CanAnnounce() && identity.CanAccessDistrict(data.DistrictID)
	}
	if !allowed {
		h.reject(reasonForbidden, "アナウンスを送信する権限がありません", nil)
		return
	}

	h.publish(room, event.TypeNewAnnouncement, event.AnnouncementData{
		Message:    data.Message,
		DistrictID: data.DistrictID,
		SentBy:     userID,
		Timestamp:  time.Now().UTC(),
	})
}

// boundUser は接続にバインドされたユーザーIDを返す。未バインドなら拒否を通知してfalseを返す。
func (h *inboundHandler) boundUser() (int64, bool) {
	userID, ok := h.hub.registry.UserOf(h.client.id)
	if !ok {
		h.reject(reasonUnbound, "先にuser_connectedを送信してください", nil)
		return 0, false
	}
	return userID, true
}

func (h *inboundHandler) publish(room presence.Room, msgType event.MessageType, data any) {
	if _, err := h.router.Publish(room, msgType, data); err != nil {
		h.hub.logger.Error("メッセージの配信に失敗",
			zap.Stringer("room", room),
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
	}
}

// reject は受信メッセージを破棄し、送信元の接続にだけerrorメッセージを返す。接続は維持する。
func (h *inboundHandler) reject(reason, message string, cause error) {
	if h.hub.metrics != nil {
		h.hub.metrics.InboundRejected.WithLabelValues(reason).Inc()
	}
	h.hub.logger.Info("受信メッセージを破棄しました",
		zap.String("conn_id", string(h.client.id)),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	if err := h.router.SendTo(h.client.id, event.TypeError, event.ErrorData{Message: message}); err != nil {
		h.hub.logger.Error("errorメッセージの生成に失敗", zap.Error(err))
	}
}

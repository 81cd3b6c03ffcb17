package event

import (
	"encoding/json"
	"time"
)

// MessageType はWebSocketメッセージの種類。
type MessageType string

// クライアントからサーバーへのメッセージ。
const (
	// TypeUserConnected はクライアントが自身のユーザーIDを名乗るメッセージ。
	TypeUserConnected MessageType = "user_connected"
	// TypeJoinDistrictRoom は地区ルームへの参加要求。
	TypeJoinDistrictRoom MessageType = "join_district_room"
	// TypeSendNotification は特定ユーザーへの通知送信要求。
	TypeSendNotification MessageType = "send_notification"
	// TypeTaskUpdated はタスク進捗の更新。
	TypeTaskUpdated MessageType = "task_updated"
	// TypeEventAttendance はイベント参加状況の更新。
	TypeEventAttendance MessageType = "event_attendance"
	// TypeSendAnnouncement はアナウンスの送信要求。
	TypeSendAnnouncement MessageType = "send_announcement"
)

// サーバーからクライアントへのメッセージ。
const (
	// TypeNewNotification は新着通知。
	TypeNewNotification MessageType = "new_notification"
	// TypeTaskProgressUpdate はタスク進捗の配信。
	TypeTaskProgressUpdate MessageType = "task_progress_update"
	// TypeAttendanceUpdated は参加状況の配信。
	TypeAttendanceUpdated MessageType = "attendance_updated"
	// TypeNewAnnouncement はアナウンスの配信。
	TypeNewAnnouncement MessageType = "new_announcement"
	// TypeError は受信メッセージを処理できなかったことを送信元にだけ伝える。
	TypeError MessageType = "error"
)

// Envelope はWebSocketで送受信するメッセージの共通形式。
// 受信メッセージは Timestamp を持たない。
type Envelope struct {
	// Type はメッセージの種類。
	Type MessageType `json:"type"`
	// Data はメッセージ固有のペイロード。
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp はサーバーが送信メッセージを生成した日時。
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// UserConnectedData は user_connected のペイロード。
type UserConnectedData struct {
	UserID int64 `json:"user_id"`
}

// JoinDistrictRoomData は join_district_room のペイロード。
type JoinDistrictRoomData struct {
	DistrictID int64 `json:"district_id"`
}

// SendNotificationData は send_notification のペイロード。
type SendNotificationData struct {
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Type は通知種別。空なら system。
	Type Category `json:"type"`
}

// TaskUpdatedData は task_updated のペイロード。
type TaskUpdatedData struct {
	TaskID     int64  `json:"task_id"`
	Progress   int    `json:"progress"`
	Status     string `json:"status,omitempty"`
	DistrictID int64  `json:"district_id"`
}

// EventAttendanceData は event_attendance のペイロード。
type EventAttendanceData struct {
	EventID int64  `json:"event_id"`
	Status  string `json:"status"`
}

// SendAnnouncementData は send_announcement のペイロード。
// DistrictID が0なら全体へのアナウンスになる。
type SendAnnouncementData struct {
	DistrictID int64  `json:"district_id,omitempty"`
	Message    string `json:"message"`
}

// Related は通知に関連するエンティティ。
type Related struct {
	// ID は関連エンティティのID。
	ID int64 `json:"id"`
	// Type は関連エンティティの種類（"task"、"event" など）。
	Type string `json:"type"`
}

// NewNotificationData は new_notification のペイロード。
// 永続化前に配信されるため通知IDを含まない。
type NewNotificationData struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Category  Category  `json:"category"`
	Related   *Related  `json:"related,omitempty"`
	ActionURL string    `json:"action_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskProgressData は task_progress_update のペイロード。
type TaskProgressData struct {
	TaskID    int64     `json:"task_id"`
	Progress  int       `json:"progress"`
	Status    string    `json:"status,omitempty"`
	UpdatedBy int64     `json:"updated_by"`
	Timestamp time.Time `json:"timestamp"`
}

// AttendanceUpdatedData は attendance_updated のペイロード。
type AttendanceUpdatedData struct {
	EventID   int64     `json:"event_id"`
	UserID    int64     `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// AnnouncementData は new_announcement のペイロード。
type AnnouncementData struct {
	Message    string    `json:"message"`
	DistrictID int64     `json:"district_id,omitempty"`
	SentBy     int64     `json:"sent_by"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorData は error のペイロード。
type ErrorData struct {
	Message string `json:"message"`
}

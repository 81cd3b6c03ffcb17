package notification

import "errors"

var (
	// ErrNotFound は通知が存在しないか、要求したユーザーの通知ではないことを表す。
	// 他人の通知の存在を漏らさないため、両者を区別しない。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrPersistence は通知の永続化に失敗したことを表す。タイムアウトも含む。
	ErrPersistence = errors.New("通知の永続化に失敗しました")
	// ErrInvalidNotification は通知の内容が不正であることを表す。
	ErrInvalidNotification = errors.New("通知の内容が不正です")
)

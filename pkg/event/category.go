package event

import (
	"errors"
	"fmt"
)

// ErrUnknownCategory は未知の通知種別が指定されたことを表す。
var ErrUnknownCategory = errors.New("未知の通知種別です")

// Category は通知の種別。
type Category string

const (
	// CategoryTaskAssigned はタスクの割り当て通知。
	CategoryTaskAssigned Category = "task_assigned"
	// CategoryEventReminder はイベントのリマインダー。
	CategoryEventReminder Category = "event_reminder"
	// CategorySystem はシステム通知。種別未指定の通知もここに分類する。
	CategorySystem Category = "system"
	// CategoryAnnouncement はアナウンス。
	CategoryAnnouncement Category = "announcement"
)

// ParseCategory は文字列を通知種別に変換する。
// 空文字列と "generic" はシステム通知として扱う。
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryTaskAssigned, CategoryEventReminder, CategorySystem, CategoryAnnouncement:
		return c, nil
	case "", "generic":
		return CategorySystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

// UnmarshalText は ParseCategory と同じ規則で種別を読み込む。
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

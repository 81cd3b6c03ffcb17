package presence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RoomKind はルームの種類を表す。
type RoomKind uint8

const (
	// KindUser は特定ユーザー1人宛てのルーム。
	KindUser RoomKind = iota + 1
	// KindDistrict は地区に所属する接続全体のルーム。
	KindDistrict
	// KindBroadcast は全接続を対象とするルーム。
	KindBroadcast
)

// String はメトリクスのラベルやログに使う種類名を返す。
func (k RoomKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindDistrict:
		return "district"
	case KindBroadcast:
		return "broadcast"
	default:
		return "invalid"
	}
}

// ErrInvalidRoom はルーム表記を解釈できなかったことを表す。
var ErrInvalidRoom = errors.New("ルームの指定が不正です")

// Room は配信先アドレスを表す値型。
// ゼロ値は無効なルームで、どの接続も所属しない。
type Room struct {
	kind RoomKind
	id   int64
}

// UserRoom はユーザー宛てのルームを返す。
func UserRoom(userID int64) Room {
	return Room{kind: KindUser, id: userID}
}

// DistrictRoom は地区宛てのルームを返す。
func DistrictRoom(districtID int64) Room {
	return Room{kind: KindDistrict, id: districtID}
}

// BroadcastRoom は全体ブロードキャスト用のルームを返す。
func BroadcastRoom() Room {
	return Room{kind: KindBroadcast}
}

// Kind はルームの種類を返す。
func (r Room) Kind() RoomKind { return r.kind }

// ID はユーザーIDまたは地区IDを返す。ブロードキャストの場合は0。
func (r Room) ID() int64 { return r.id }

// IsValid はルームが3種類のいずれかであればtrueを返す。
func (r Room) IsValid() bool {
	switch r.kind {
	case KindUser, KindDistrict:
		return r.id > 0
	case KindBroadcast:
		return true
	default:
		return false
	}
}

// String は "user:1", "district:5", "broadcast" の形式でルームを表す。
func (r Room) String() string {
	switch r.kind {
	case KindUser:
		return "user:" + strconv.FormatInt(r.id, 10)
	case KindDistrict:
		return "district:" + strconv.FormatInt(r.id, 10)
	case KindBroadcast:
		return "broadcast"
	default:
		return "invalid"
	}
}

// ParseRoom は String の出力形式からルームを復元する。
// 内部APIのリクエストボディやログ出力との相互変換に使用する。
func ParseRoom(s string) (Room, error) {
	if s == "broadcast" {
		return BroadcastRoom(), nil
	}

	prefix, rawID, found := strings.Cut(s, ":")
	if !found {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}

	switch prefix {
	case "user":
		return UserRoom(id), nil
	case "district":
		return DistrictRoom(id), nil
	default:
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
}

// MarshalText は encoding.TextMarshaler を実装する。
func (r Room) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRoom
	}
	return []byte(r.String()), nil
}

// UnmarshalText は encoding.TextUnmarshaler を実装する。
func (r *Room) UnmarshalText(text []byte) error {
	parsed, err := ParseRoom(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedMessage は受信メッセージを解釈できないことを表す。
var ErrMalformedMessage = errors.New("メッセージの形式が不正です")

// New は新しい監査イベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NewEnvelope は送信メッセージを生成する。Timestampには現在時刻が入る。
func NewEnvelope(msgType MessageType, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("メッセージデータのシリアライズに失敗: %w", err)
	}
	return &Envelope{
		Type:      msgType,
		Data:      jsonData,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode はメッセージを送信用のJSONにする。
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// ParseEnvelope は受信したJSONをメッセージとして解釈する。
// typeが空のメッセージは ErrMalformedMessage を返す。
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: typeがありません", ErrMalformedMessage)
	}
	return &env, nil
}

// DecodePayload はメッセージのDataを指定された型にデシリアライズする。
func DecodePayload[T any](e *Envelope) (*T, error) {
	var data T
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("%w: dataがありません", ErrMalformedMessage)
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return &data, nil
}

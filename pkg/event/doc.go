// Package event はリアルタイム通知で交換するメッセージと監査イベントの型を定義する。
//
// WebSocket上のメッセージはすべて Envelope に包まれ、type フィールドで種類を判別する。
// 監査イベント Event は外部のEvent Storeへ追記するためのレコード。
package event

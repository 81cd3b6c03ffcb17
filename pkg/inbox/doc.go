// Package inbox はクライアント側の通知一覧を管理する。
//
// 接続直後に通知ストアから最新ページと未読件数を取得し（Bootstrap）、
// 以降はWebSocketで届いた通知を仮IDで先頭に追加する。既読化や削除は
// ローカル状態に楽観的に適用し、ストア呼び出しの失敗はログに残すだけにする。
// ずれは次回の Bootstrap でのみ解消される。
package inbox

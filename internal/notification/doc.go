// Package notification は通知サービスの内部実装を提供する。
//
// ドメインイベントを宛先ルームに解決し、接続中のクライアントへWebSocketで即時配信したうえで、
// 受信者ごとに通知を永続化する。通知の一覧取得、未読件数、既読管理、削除のREST APIも提供する。
//
// 即時配信は永続化より先に行う。永続化に失敗しても配信済みのメッセージは取り消さず、
// ErrPersistence として呼び出し元に返す。
package notification

// Package presence は接続中のクライアントとルームの対応を管理する。
//
// Registry はサーバープロセスごとに1つだけ生成し、Router やHTTPサーバーに
// 明示的に注入する。パッケージレベルの状態は持たない。
// ルームはユーザー単位・地区単位・全体ブロードキャストの3種類で、
// 文字列連結ではなく Room 型で表現する。
package presence

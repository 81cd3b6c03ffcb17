// Package httpclient はJSON APIを呼び出すHTTPクライアントを提供する。
//
// 通知サービスからEvent Storeへの監査イベント送信と、
// クライアント側の受信箱（pkg/inbox）から通知APIを呼び出す際に使用する。
package httpclient

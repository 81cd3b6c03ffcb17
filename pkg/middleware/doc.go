// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWTによる本人確認（Verifier）、アクセスログ、パニックリカバリ、
// CORS設定を含む。Verifier はWebSocketのハンドシェイクでも使用する。
package middleware

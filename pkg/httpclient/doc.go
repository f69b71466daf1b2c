// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// GatewayからAuth Serviceへのトークン検証（JSON API）と、
// バックエンドへのリクエスト転送（任意のメソッド・ボディの中継）の両方で使用する。
// すべてのリクエストはタイムアウト付きで実行され、
// 冪等なメソッド（GET/HEAD）のみ通信エラー時に再試行する。
package httpclient

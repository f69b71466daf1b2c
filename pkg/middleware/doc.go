// Package middleware はGinベースのHTTPサービスで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、CORS、IP単位のレート制限、リクエストIDの付与、
// 構造化リクエストログ、Prometheusメトリクス、Gateway経由であることの検証など、
// Gateway・認証サービス・データAPIで共通して使用するミドルウェアを含む。
package middleware

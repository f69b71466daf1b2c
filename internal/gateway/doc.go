// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// 流量制限と認証ガードを通過したリクエストを、認証済みユーザーのヘッダーを付与して
// 認証サービスまたはデータAPIへ転送する。発電所データの読み取りエンドポイントは
// Redisのキャッシュを経由する。
package gateway

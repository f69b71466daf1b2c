// Package cache はRedisを使ったキャッシュアサイド方式の読み取りキャッシュを提供する。
//
// キャッシュは性能のためだけに存在し、正しさには影響しない。
// Redisの障害やクライアント未設定の場合はすべての操作がミス/何もしないとして扱われ、
// 呼び出し側にエラーは伝播しない。
package cache

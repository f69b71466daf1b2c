// Package plants はデータAPI（発電所データの読み取りサービス）の内部実装を提供する。
//
// eGRIDの発電機データをSQLiteから読み出し、正味発電量の上位・州の一覧・年の一覧を返す。
// 本番環境ではAPI Gateway経由（X-Gateway-Sourceヘッダー付き）のリクエストのみを受け付ける。
package plants

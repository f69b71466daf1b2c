// Package auth は認証サービス（トークンサービス）の内部実装を提供する。
//
// メールアドレスとパスワードによるログイン・ユーザー登録と、
// HS256署名のアクセストークンの発行・検証を担当する。
// トークン検証は失敗理由を結果として返し、エラーを返さない。
// Gatewayは検証結果を信頼してリクエストにユーザー情報を付与する。
package auth

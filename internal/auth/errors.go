package auth

import "errors"

var (
	// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しないことを表す。
	// ユーザーが存在しない場合も同じエラーを返す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
	// ErrAlreadyExists は同じメールアドレスの有効なユーザーが既に存在することを表す。
	ErrAlreadyExists = errors.New("このメールアドレスのユーザーは既に存在します")
	// ErrUserNotFound はユーザーが存在しない、または無効化されていることを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrTokenExpired はトークンの有効期限が切れていることを表す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
	// ErrTokenInvalid はトークンの形式・署名・クレームが不正であることを表す。
	ErrTokenInvalid = errors.New("トークンが不正です")
)

// Package validate はvalidateタグによる構造体の入力検証を提供する。
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v はパッケージ全体で共有するバリデータ。フィールド名はjsonタグの名前で報告する。
var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			name, _, _ = strings.Cut(f.Tag.Get("form"), ",")
		}
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return val
}

// Struct はsをvalidateタグに従って検証する。
// 失敗した場合はフィールドごとのメッセージを連結したエラーを返す。
func Struct(s any) error {
	msgs := Messages(s)
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// Messages はsを検証し、失敗したフィールドごとのメッセージを返す。検証に成功した場合はnil。
func Messages(s any) []string {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, message(fe))
	}
	return msgs
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s は必須です", fe.Field())
	case "email":
		return fmt.Sprintf("%s はメールアドレスの形式である必要があります", fe.Field())
	case "min":
		return fmt.Sprintf("%s は%s以上である必要があります", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s は%s以下である必要があります", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s の長さは%sである必要があります", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s が '%s' の検証に失敗しました", fe.Field(), fe.Tag())
	}
}

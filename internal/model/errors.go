// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, subscription, rate_limit, auth, system
	Action   string // ユーザー向け対処方法

	// RetryAfter はレート制限時に再試行可能になるまでの推定時間。0の場合はヘッダーを付与しない。
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeMissingField       = "MISSING_FIELD"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeFieldTooLong       = "FIELD_TOO_LONG"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	ErrCodeDuplicateEmail     = "DUPLICATE_EMAIL"
	ErrCodeSubscriberNotFound = "SUBSCRIBER_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "Request body could not be parsed.",
		Category: "validation",
		Action:   "Send a valid JSON request body.",
	}
}

// NewMissingFieldError は必須項目が未入力の場合のエラーを生成する。
func NewMissingFieldError(fields ...string) *APIError {
	msg := "Email, source, and page are required"
	if len(fields) == 1 && fields[0] != "" {
		msg = strings.ToUpper(fields[0][:1]) + fields[0][1:] + " is required"
	}
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  msg,
		Category: "validation",
		Action:   fmt.Sprintf("Provide the missing fields: %v", fields),
	}
}

// NewInvalidEmailError はメールアドレス形式が不正な場合のエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "Invalid email format",
		Category: "validation",
		Action:   "Enter an address of the form name@example.com.",
	}
}

// NewFieldTooLongError は入力値が上限長を超えた場合のエラーを生成する。
func NewFieldTooLongError(field string, max string) *APIError {
	return &APIError{
		Code:     ErrCodeFieldTooLong,
		Message:  fmt.Sprintf("Field %s is too long", field),
		Category: "validation",
		Action:   fmt.Sprintf("Keep %s within %s characters.", field, max),
	}
}

// NewRateLimitedError は購読試行回数の上限を超えた場合のエラーを生成する。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many subscription attempts. Please try again later.",
		Category:   "rate_limit",
		Action:     "Please wait and retry after the specified time.",
		RetryAfter: retryAfter,
	}
}

// NewTooManyRequestsError はAPI全般のリクエスト数上限を超えた場合のエラーを生成する。
func NewTooManyRequestsError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many requests. Please try again later.",
		Category:   "rate_limit",
		Action:     "Please wait and retry after the specified time.",
		RetryAfter: retryAfter,
	}
}

// NewAlreadySubscribedError は確認済みの購読者が再度購読しようとした場合のエラーを生成する。
func NewAlreadySubscribedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadySubscribed,
		Message:  "Email already subscribed",
		Category: "subscription",
		Action:   "This address already receives the newsletter.",
	}
}

// NewDuplicateEmailError は同時作成の競合で購読者を確定できなかった場合のエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "Email already registered",
		Category: "subscription",
		Action:   "Please retry in a moment.",
	}
}

// NewSubscriberNotFoundError は購読者が見つからない場合のエラーを生成する。
func NewSubscriberNotFoundError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriberNotFound,
		Message:  message,
		Category: "subscription",
		Action:   "Check the link or the address and try again.",
	}
}

// NewUnauthorizedError は管理APIの認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Send a valid bearer token.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal error occurred.",
		Category: "system",
		Action:   "Please try again later.",
	}
}

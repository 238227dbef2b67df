// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Subscriber はニュースレター購読者を表す。
// emailは正規化済み（前後空白除去・小文字化）で、全ステータスを通じて一意。
type Subscriber struct {
	ID                 string
	Email              string
	Name               string
	Source             string
	SubscribedFromPage string
	Status             SubscriberStatus
	IPAddress          string
	UserAgent          string
	ConfirmedAt        *time.Time
	UnsubscribedAt     *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SubscriberStatus は購読者のライフサイクル状態を表す。
type SubscriberStatus string

const (
	// StatusPending は確認待ちの状態。
	StatusPending SubscriberStatus = "pending"
	// StatusConfirmed は購読確認済みの状態。
	StatusConfirmed SubscriberStatus = "confirmed"
	// StatusUnsubscribed は購読解除済みの状態。
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
)

// Valid は定義済みのステータスかどうかを返す。
func (s SubscriberStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusUnsubscribed:
		return true
	}
	return false
}

// NormalizeEmail はメールアドレスを前後空白除去・小文字化して返す。
// 大文字小文字や空白のみが異なるアドレスは同一購読者として扱う。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SubscriberExport はエクスポート用の購読者情報。
type SubscriberExport struct {
	Email              string
	Name               string
	Source             string
	SubscribedFromPage string
}

// SubscriberStats は購読者の集計値。
type SubscriberStats struct {
	Total          int
	Confirmed      int
	Pending        int
	Unsubscribed   int
	ConversionRate float64
}

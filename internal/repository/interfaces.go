// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/newsletter/internal/model"
)

var (
	// ErrDuplicateEmail は同一emailの購読者が既に存在するためCreateが失敗したことを示す。
	// ストレージ層の一意制約違反から変換される。
	ErrDuplicateEmail = errors.New("repository: subscriber email already exists")

	// ErrNotFound は更新対象のレコードが存在しないことを示す。
	ErrNotFound = errors.New("repository: subscriber not found")
)

// SubscriberFilter は購読者の検索条件。ゼロ値のフィールドは条件に含めない。
type SubscriberFilter struct {
	Status model.SubscriberStatus
	Source string
}

// SubscriberRepository は購読者データの永続化インターフェース。
// 実装はemailの一意性をストレージ層で保証しなければならない。
type SubscriberRepository interface {
	// FindByID は指定IDの購読者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscriber, error)

	// FindByEmail は正規化済みemailで購読者を検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Subscriber, error)

	// Create は購読者を作成する。IDとタイムスタンプは呼び出し側で設定済みであること。
	// email重複時はErrDuplicateEmailを返す。
	Create(ctx context.Context, sub *model.Subscriber) error

	// Update はIDで指定した購読者の可変フィールドをすべて書き換える。
	// 対象が存在しない場合はErrNotFoundを返す。
	Update(ctx context.Context, sub *model.Subscriber) error

	// Count は条件に一致する購読者数を返す。
	Count(ctx context.Context, filter SubscriberFilter) (int, error)

	// List は条件に一致する購読者を作成日時の降順で返す。
	List(ctx context.Context, filter SubscriberFilter) ([]*model.Subscriber, error)
}

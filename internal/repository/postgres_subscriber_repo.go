package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/newsletter/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const subscriberColumns = `id, email, COALESCE(name, ''), source, subscribed_from_page, status,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), confirmed_at, unsubscribed_at, created_at, updated_at`

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*model.Subscriber, error) {
	sub := &model.Subscriber{}
	var status string
	var confirmedAt, unsubscribedAt sql.NullTime
	if err := row.Scan(
		&sub.ID, &sub.Email, &sub.Name, &sub.Source, &sub.SubscribedFromPage, &status,
		&sub.IPAddress, &sub.UserAgent, &confirmedAt, &unsubscribedAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Status = model.SubscriberStatus(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		sub.ConfirmedAt = &t
	}
	if unsubscribedAt.Valid {
		t := unsubscribedAt.Time
		sub.UnsubscribedAt = &t
	}
	return sub, nil
}

// FindByID は指定IDの購読者を取得する。見つからない場合はnilを返す。
// UUIDとして解釈できないIDは存在しないものとして扱う。
func (r *PostgresSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	sub, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM newsletter_subscribers WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// FindByEmail は正規化済みemailで購読者を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	sub, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM newsletter_subscribers WHERE email = $1 LIMIT 1`,
		email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("emailによる購読者の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// Create は購読者を作成する。
// email一意制約違反の場合はErrDuplicateEmailを返す。
func (r *PostgresSubscriberRepo) Create(ctx context.Context, sub *model.Subscriber) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO newsletter_subscribers
		   (id, email, name, source, subscribed_from_page, status, ip_address, user_agent,
		    confirmed_at, unsubscribed_at, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)`,
		sub.ID, sub.Email, sub.Name, sub.Source, sub.SubscribedFromPage, string(sub.Status),
		sub.IPAddress, sub.UserAgent, nullTime(sub.ConfirmedAt), nullTime(sub.UnsubscribedAt),
		sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}
	return nil
}

// Update はIDで指定した購読者の可変フィールドを書き換える。
func (r *PostgresSubscriberRepo) Update(ctx context.Context, sub *model.Subscriber) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE newsletter_subscribers SET
		   name = NULLIF($2, ''), source = $3, subscribed_from_page = $4, status = $5,
		   ip_address = NULLIF($6, ''), user_agent = NULLIF($7, ''),
		   confirmed_at = $8, unsubscribed_at = $9, updated_at = $10
		 WHERE id = $1`,
		sub.ID, sub.Name, sub.Source, sub.SubscribedFromPage, string(sub.Status),
		sub.IPAddress, sub.UserAgent, nullTime(sub.ConfirmedAt), nullTime(sub.UnsubscribedAt),
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読者の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sub.ID)
	}
	return nil
}

// Count は条件に一致する購読者数を返す。
func (r *PostgresSubscriberRepo) Count(ctx context.Context, filter SubscriberFilter) (int, error) {
	where, args := buildWhere(filter)
	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM newsletter_subscribers`+where, args...,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("購読者数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// List は条件に一致する購読者を作成日時の降順で返す。
func (r *PostgresSubscriberRepo) List(ctx context.Context, filter SubscriberFilter) ([]*model.Subscriber, error) {
	where, args := buildWhere(filter)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM newsletter_subscribers`+where+` ORDER BY created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// buildWhere はフィルタからWHERE句とプレースホルダ引数を組み立てる。
func buildWhere(filter SubscriberFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// isUniqueViolation はエラーがPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)

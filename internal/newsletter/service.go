// Package newsletter はニュースレター購読のライフサイクル管理を提供する。
//
// 購読者は pending → confirmed / unsubscribed の状態を遷移する。
// 購読リクエストは ハニーポット判定 → 入力検証 → レート制限 → email重複確認
// の順に処理され、いずれかで打ち切られた場合はストレージを変更しない。
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsletter/internal/metrics"
	"github.com/hitoshi/newsletter/internal/model"
	"github.com/hitoshi/newsletter/internal/ratelimit"
	"github.com/hitoshi/newsletter/internal/repository"
	"github.com/hitoshi/newsletter/internal/security"
)

// 利用者向けメッセージ
const (
	MsgSubscribed       = "Successfully subscribed! Check your email to confirm."
	MsgResubscribed     = "Successfully resubscribed! Welcome back."
	MsgConfirmed        = "Email confirmed successfully! You're all set."
	MsgAlreadyConfirmed = "Email already confirmed"
	MsgUnsubscribed     = "Successfully unsubscribed. Sorry to see you go!"

	msgSubscriberNotFound = "Subscriber not found"
	msgEmailNotFound      = "Email not found in our system"
)

// ClientInfo はリクエスト元クライアントの情報。
type ClientInfo struct {
	IP        string
	UserAgent string
}

// SubscriberSummary は購読レスポンスに含める購読者情報。
type SubscriberSummary struct {
	Email  string
	Source string
}

// SubscribeResult は購読リクエストの結果。
// ハニーポットによる偽装成功も新規購読と同じ形で返す。
type SubscribeResult struct {
	Message              string
	RequiresConfirmation bool
	Data                 *SubscriberSummary
}

// ConfirmResult は購読確認の結果。
type ConfirmResult struct {
	Message          string
	AlreadyConfirmed bool
}

// UnsubscribeResult は購読解除の結果。
type UnsubscribeResult struct {
	Message string
}

// Service は購読ライフサイクルのサービス層。
// 購読、確認、購読解除、および管理用の集計・一覧・エクスポートを提供する。
type Service struct {
	repo      repository.SubscriberRepository
	limiter   ratelimit.Limiter
	validator *Validator
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsCollectorはnilでもよい。
func NewService(
	repo repository.SubscriberRepository,
	limiter ratelimit.Limiter,
	validator *Validator,
	sanitizer security.TextSanitizer,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		limiter:   limiter,
		validator: validator,
		sanitizer: sanitizer,
		metrics:   metricsCollector,
		logger:    logger,
		now:       time.Now,
	}
}

// Subscribe は購読リクエストを処理する。
//
// honeypotが空でなければ、検証・レート制限・ストレージのいずれにも触れずに偽装成功を返す。
// 既存購読者がいる場合は状態により分岐する:
// confirmedは ALREADY_SUBSCRIBED、unsubscribedは再購読（pendingに戻す）、
// pendingは何も変更せず新規購読と同じ結果を返す。
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest, client ClientInfo) (*SubscribeResult, error) {
	if strings.TrimSpace(req.Honeypot) != "" {
		s.logger.Warn("ハニーポットに値が入った購読リクエストを破棄しました",
			slog.String("client_ip", client.IP),
			slog.String("user_agent", client.UserAgent),
		)
		s.record(metrics.OutcomeHoneypot)
		return &SubscribeResult{
			Message:              MsgSubscribed,
			RequiresConfirmation: true,
			Data: &SubscriberSummary{
				Email:  model.NormalizeEmail(req.Email),
				Source: strings.TrimSpace(req.Source),
			},
		}, nil
	}

	req.Name = s.sanitizer.Sanitize(req.Name)
	req.Source = s.sanitizer.Sanitize(req.Source)
	req.Page = s.sanitizer.Sanitize(req.Page)

	req, err := s.validator.ValidateSubscribe(req)
	if err != nil {
		s.record(metrics.OutcomeInvalid)
		return nil, err
	}

	decision, err := s.limiter.Allow(ctx, client.IP)
	if err != nil {
		// 共有ストアの障害時は購読を止めない
		s.logger.Warn("レート制限の判定に失敗したため許可します",
			slog.String("client_ip", client.IP),
			slog.String("error", err.Error()),
		)
	} else if !decision.Allowed {
		s.record(metrics.OutcomeRateLimited)
		if s.metrics != nil {
			s.metrics.RecordRateLimited("subscribe")
		}
		s.logger.Warn("購読リクエストがレート制限を超えました",
			slog.String("client_ip", client.IP),
			slog.Duration("retry_after", decision.RetryAfter),
		)
		return nil, model.NewRateLimitedError(decision.RetryAfter)
	}

	email := model.NormalizeEmail(req.Email)

	existing, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		s.record(metrics.OutcomeError)
		return nil, fmt.Errorf("購読者の検索に失敗しました: %w", err)
	}
	if existing != nil {
		return s.applyExisting(ctx, existing, req, client)
	}

	now := s.now()
	sub := &model.Subscriber{
		ID:                 uuid.NewString(),
		Email:              email,
		Name:               req.Name,
		Source:             req.Source,
		SubscribedFromPage: req.Page,
		Status:             model.StatusPending,
		IPAddress:          client.IP,
		UserAgent:          client.UserAgent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		if !errors.Is(err, repository.ErrDuplicateEmail) {
			s.record(metrics.OutcomeError)
			return nil, fmt.Errorf("購読者の作成に失敗しました: %w", err)
		}

		// 同一emailの同時作成に負けた。勝った側のレコードに対して分岐をやり直す
		existing, err := s.repo.FindByEmail(ctx, email)
		if err != nil {
			s.record(metrics.OutcomeError)
			return nil, fmt.Errorf("購読者の再取得に失敗しました: %w", err)
		}
		if existing == nil {
			s.record(metrics.OutcomeDuplicateEmail)
			return nil, model.NewDuplicateEmailError()
		}
		return s.applyExisting(ctx, existing, req, client)
	}

	s.logger.Info("新規購読者を登録しました",
		slog.String("subscriber_id", sub.ID),
		slog.String("email", sub.Email),
		slog.String("source", sub.Source),
		slog.String("page", sub.SubscribedFromPage),
	)
	s.record(metrics.OutcomeCreated)

	return &SubscribeResult{
		Message:              MsgSubscribed,
		RequiresConfirmation: true,
		Data:                 &SubscriberSummary{Email: sub.Email, Source: sub.Source},
	}, nil
}

// applyExisting は既存購読者の状態に応じた購読処理を行う。
func (s *Service) applyExisting(ctx context.Context, sub *model.Subscriber, req SubscribeRequest, client ClientInfo) (*SubscribeResult, error) {
	switch sub.Status {
	case model.StatusConfirmed:
		s.record(metrics.OutcomeAlreadySubscribed)
		return nil, model.NewAlreadySubscribedError()

	case model.StatusUnsubscribed:
		sub.Status = model.StatusPending
		sub.Source = req.Source
		sub.SubscribedFromPage = req.Page
		if req.Name != "" {
			sub.Name = req.Name
		}
		sub.IPAddress = client.IP
		sub.UserAgent = client.UserAgent
		sub.ConfirmedAt = nil
		sub.UnsubscribedAt = nil
		sub.UpdatedAt = s.now()

		if err := s.repo.Update(ctx, sub); err != nil {
			s.record(metrics.OutcomeError)
			return nil, fmt.Errorf("再購読の更新に失敗しました: %w", err)
		}

		s.logger.Info("購読者が再購読しました",
			slog.String("subscriber_id", sub.ID),
			slog.String("email", sub.Email),
			slog.String("source", sub.Source),
			slog.String("page", sub.SubscribedFromPage),
		)
		s.record(metrics.OutcomeReactivated)

		return &SubscribeResult{
			Message:              MsgResubscribed,
			RequiresConfirmation: true,
		}, nil

	default:
		// pending: 確認待ちのまま何も変更しない
		s.logger.Info("確認待ちの購読者から再度購読リクエストがありました",
			slog.String("subscriber_id", sub.ID),
			slog.String("email", sub.Email),
		)
		s.record(metrics.OutcomeAlreadyPending)

		return &SubscribeResult{
			Message:              MsgSubscribed,
			RequiresConfirmation: true,
			Data:                 &SubscriberSummary{Email: sub.Email, Source: sub.Source},
		}, nil
	}
}

// Confirm は購読を確認済みにする。既に確認済みの場合は何も変更せず成功を返す。
func (s *Service) Confirm(ctx context.Context, id string) (*ConfirmResult, error) {
	sub, err := s.repo.FindByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	if sub == nil {
		if s.metrics != nil {
			s.metrics.RecordConfirm(false)
		}
		return nil, model.NewSubscriberNotFoundError(msgSubscriberNotFound)
	}

	if sub.Status == model.StatusConfirmed {
		return &ConfirmResult{Message: MsgAlreadyConfirmed, AlreadyConfirmed: true}, nil
	}

	now := s.now()
	sub.Status = model.StatusConfirmed
	sub.ConfirmedAt = &now
	sub.UpdatedAt = now

	if err := s.repo.Update(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewSubscriberNotFoundError(msgSubscriberNotFound)
		}
		return nil, fmt.Errorf("購読確認の更新に失敗しました: %w", err)
	}

	s.logger.Info("購読が確認されました",
		slog.String("subscriber_id", sub.ID),
		slog.String("email", sub.Email),
	)
	if s.metrics != nil {
		s.metrics.RecordConfirm(true)
	}

	return &ConfirmResult{Message: MsgConfirmed}, nil
}

// Unsubscribe はemailで指定した購読者を購読解除する。
// 既に購読解除済みの場合は何も変更せず成功を返す。
func (s *Service) Unsubscribe(ctx context.Context, req UnsubscribeRequest) (*UnsubscribeResult, error) {
	req, err := s.validator.ValidateUnsubscribe(req)
	if err != nil {
		return nil, err
	}

	email := model.NormalizeEmail(req.Email)

	sub, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("購読者の検索に失敗しました: %w", err)
	}
	if sub == nil {
		if s.metrics != nil {
			s.metrics.RecordUnsubscribe(false)
		}
		return nil, model.NewSubscriberNotFoundError(msgEmailNotFound)
	}

	if sub.Status == model.StatusUnsubscribed {
		return &UnsubscribeResult{Message: MsgUnsubscribed}, nil
	}

	now := s.now()
	sub.Status = model.StatusUnsubscribed
	sub.UnsubscribedAt = &now
	sub.UpdatedAt = now

	if err := s.repo.Update(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewSubscriberNotFoundError(msgEmailNotFound)
		}
		return nil, fmt.Errorf("購読解除の更新に失敗しました: %w", err)
	}

	s.logger.Info("購読が解除されました",
		slog.String("subscriber_id", sub.ID),
		slog.String("email", sub.Email),
	)
	if s.metrics != nil {
		s.metrics.RecordUnsubscribe(true)
	}

	return &UnsubscribeResult{Message: MsgUnsubscribed}, nil
}

// Stats は状態別の購読者数と確認率（confirmed / total × 100、小数第2位まで）を返す。
func (s *Service) Stats(ctx context.Context) (*model.SubscriberStats, error) {
	total, err := s.repo.Count(ctx, repository.SubscriberFilter{})
	if err != nil {
		return nil, fmt.Errorf("購読者総数の取得に失敗しました: %w", err)
	}

	stats := &model.SubscriberStats{Total: total}
	counts := []struct {
		status model.SubscriberStatus
		dst    *int
	}{
		{model.StatusConfirmed, &stats.Confirmed},
		{model.StatusPending, &stats.Pending},
		{model.StatusUnsubscribed, &stats.Unsubscribed},
	}
	for _, c := range counts {
		n, err := s.repo.Count(ctx, repository.SubscriberFilter{Status: c.status})
		if err != nil {
			return nil, fmt.Errorf("%s の購読者数の取得に失敗しました: %w", c.status, err)
		}
		*c.dst = n
	}

	if total > 0 {
		stats.ConversionRate = math.Round(float64(stats.Confirmed)/float64(total)*100*100) / 100
	}
	return stats, nil
}

// ListBySource は指定した流入元の購読者を新しい順に返す。
func (s *Service) ListBySource(ctx context.Context, source string) ([]*model.Subscriber, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, model.NewMissingFieldError("source")
	}

	subs, err := s.repo.List(ctx, repository.SubscriberFilter{Source: source})
	if err != nil {
		return nil, fmt.Errorf("流入元別の購読者一覧の取得に失敗しました: %w", err)
	}
	return subs, nil
}

// ExportConfirmed は確認済み購読者の配信用情報を新しい順に返す。
func (s *Service) ExportConfirmed(ctx context.Context) ([]model.SubscriberExport, error) {
	subs, err := s.repo.List(ctx, repository.SubscriberFilter{Status: model.StatusConfirmed})
	if err != nil {
		return nil, fmt.Errorf("確認済み購読者の取得に失敗しました: %w", err)
	}

	out := make([]model.SubscriberExport, len(subs))
	for i, sub := range subs {
		out[i] = model.SubscriberExport{
			Email:              sub.Email,
			Name:               sub.Name,
			Source:             sub.Source,
			SubscribedFromPage: sub.SubscribedFromPage,
		}
	}
	return out, nil
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSubscribe(outcome)
	}
}

package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsletter/internal/middleware"
	"github.com/hitoshi/newsletter/internal/model"
	"github.com/hitoshi/newsletter/internal/newsletter"
)

// NewsletterServiceInterface はニュースレターハンドラーが必要とするサービスインターフェース。
type NewsletterServiceInterface interface {
	// Subscribe は購読リクエストを処理する。
	Subscribe(ctx context.Context, req newsletter.SubscribeRequest, client newsletter.ClientInfo) (*newsletter.SubscribeResult, error)
	// Confirm は購読を確認済みにする。
	Confirm(ctx context.Context, id string) (*newsletter.ConfirmResult, error)
	// Unsubscribe はemailで指定した購読者を購読解除する。
	Unsubscribe(ctx context.Context, req newsletter.UnsubscribeRequest) (*newsletter.UnsubscribeResult, error)
	// Stats は状態別の購読者数と確認率を返す。
	Stats(ctx context.Context) (*model.SubscriberStats, error)
	// ListBySource は流入元別の購読者一覧を返す。
	ListBySource(ctx context.Context, source string) ([]*model.Subscriber, error)
	// ExportConfirmed は確認済み購読者の配信用情報を返す。
	ExportConfirmed(ctx context.Context) ([]model.SubscriberExport, error)
}

// NewsletterHandler はニュースレター購読のHTTPハンドラー。
type NewsletterHandler struct {
	service NewsletterServiceInterface
}

// NewNewsletterHandler はNewsletterHandlerを生成する。
func NewNewsletterHandler(service NewsletterServiceInterface) *NewsletterHandler {
	return &NewsletterHandler{
		service: service,
	}
}

// subscriberSummaryResponse は購読レスポンスのdata部。
type subscriberSummaryResponse struct {
	Email  string `json:"email"`
	Source string `json:"source"`
}

// subscribeResponse は購読APIのレスポンス。
type subscribeResponse struct {
	Success              bool                       `json:"success"`
	Message              string                     `json:"message"`
	RequiresConfirmation bool                       `json:"requiresConfirmation"`
	Data                 *subscriberSummaryResponse `json:"data,omitempty"`
}

// messageResponse は確認・購読解除APIのレスポンス。
type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// statsResponse は購読者統計のレスポンス。
type statsResponse struct {
	Total          int     `json:"total"`
	Confirmed      int     `json:"confirmed"`
	Pending        int     `json:"pending"`
	Unsubscribed   int     `json:"unsubscribed"`
	ConversionRate float64 `json:"conversionRate"`
}

// subscriberResponse は管理用一覧の購読者情報。
type subscriberResponse struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Source             string     `json:"source"`
	SubscribedFromPage string     `json:"subscribedFromPage"`
	Status             string     `json:"status"`
	ConfirmedAt        *time.Time `json:"confirmedAt"`
	UnsubscribedAt     *time.Time `json:"unsubscribedAt"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// exportRow はエクスポートの1行。
type exportRow struct {
	Email              string `json:"email"`
	Name               string `json:"name"`
	Source             string `json:"source"`
	SubscribedFromPage string `json:"subscribedFromPage"`
}

// Subscribe はニュースレター購読を受け付ける。
// POST /api/newsletter-subscribers/subscribe
func (h *NewsletterHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req newsletter.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	client := newsletter.ClientInfo{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}

	result, err := h.service.Subscribe(r.Context(), req, client)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := subscribeResponse{
		Success:              true,
		Message:              result.Message,
		RequiresConfirmation: result.RequiresConfirmation,
	}
	if result.Data != nil {
		resp.Data = &subscriberSummaryResponse{
			Email:  result.Data.Email,
			Source: result.Data.Source,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// maxHoneypotPeekBytes はハニーポット判定のために先読みするボディの上限。
const maxHoneypotPeekBytes = 64 << 10

// isHoneypotSubmission はハニーポット欄が埋まった購読リクエストかどうかを判定する。
// 一般レート制限の対象外にするために使い、読んだボディは後続のハンドラー用に戻す。
func isHoneypotSubmission(r *http.Request) bool {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/subscribe") || r.Body == nil {
		return false
	}

	peeked, err := io.ReadAll(io.LimitReader(r.Body, maxHoneypotPeekBytes+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peeked), r.Body), r.Body}
	if err != nil || len(peeked) > maxHoneypotPeekBytes {
		return false
	}

	var form struct {
		Honeypot string `json:"honeypot"`
	}
	if err := json.Unmarshal(peeked, &form); err != nil {
		return false
	}
	return strings.TrimSpace(form.Honeypot) != ""
}

// Confirm は購読確認リンクを処理する。
// GET /api/newsletter-subscribers/confirm/{id}
func (h *NewsletterHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.Confirm(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: result.Message})
}

// Unsubscribe はemailを指定して購読を解除する。
// POST /api/newsletter-subscribers/unsubscribe
func (h *NewsletterHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req newsletter.UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	result, err := h.service.Unsubscribe(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: result.Message})
}

// Stats は購読者統計を返す。
// GET /api/newsletter-subscribers/stats
func (h *NewsletterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		Confirmed:      stats.Confirmed,
		Pending:        stats.Pending,
		Unsubscribed:   stats.Unsubscribed,
		ConversionRate: stats.ConversionRate,
	})
}

// ListBySource は流入元別の購読者一覧を返す。
// GET /api/newsletter-subscribers?source=...
func (h *NewsletterHandler) ListBySource(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.ListBySource(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]subscriberResponse, len(subs))
	for i, sub := range subs {
		resp[i] = subscriberResponse{
			ID:                 sub.ID,
			Email:              sub.Email,
			Name:               sub.Name,
			Source:             sub.Source,
			SubscribedFromPage: sub.SubscribedFromPage,
			Status:             string(sub.Status),
			ConfirmedAt:        sub.ConfirmedAt,
			UnsubscribedAt:     sub.UnsubscribedAt,
			CreatedAt:          sub.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Export は確認済み購読者をエクスポートする。
// GET /api/newsletter-subscribers/export（?format=csv でCSV）
func (h *NewsletterHandler) Export(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.ExportConfirmed(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		writeExportCSV(w, rows)
		return
	}

	resp := make([]exportRow, len(rows))
	for i, row := range rows {
		resp[i] = exportRow{
			Email:              row.Email,
			Name:               row.Name,
			Source:             row.Source,
			SubscribedFromPage: row.SubscribedFromPage,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeExportCSV はエクスポート結果をヘッダー行付きのCSVで書き込む。
func writeExportCSV(w http.ResponseWriter, rows []model.SubscriberExport) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="newsletter-subscribers.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write([]string{"email", "name", "source", "subscribedFromPage"})
	for _, row := range rows {
		cw.Write([]string{row.Email, row.Name, row.Source, row.SubscribedFromPage})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		// ヘッダー送信後のためステータスは変更できない
		slog.Error("failed to write export csv", slog.String("error", err.Error()))
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は指定名のメトリクスファミリーを返す。見つからなければnil。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// counterByLabel はラベル値ごとのカウンタ値を返す。
func counterByLabel(mf *dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		label := ""
		if len(m.GetLabel()) > 0 {
			label = m.GetLabel()[0].GetValue()
		}
		out[label] = m.GetCounter().GetValue()
	}
	return out
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSubscribe_IncrementsCounterWithOutcome は購読結果カウンタが結果ラベル別に増加することを検証する。
func TestRecordSubscribe_IncrementsCounterWithOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSubscribe(OutcomeCreated)
	c.RecordSubscribe(OutcomeCreated)
	c.RecordSubscribe(OutcomeHoneypot)

	mf := findMetricFamily(t, reg, "newsletter_subscribe_total")
	if mf == nil {
		t.Fatal("newsletter_subscribe_total metric not found")
	}

	got := counterByLabel(mf)
	if got[OutcomeCreated] != 2 {
		t.Errorf("created = %v, want 2", got[OutcomeCreated])
	}
	if got[OutcomeHoneypot] != 1 {
		t.Errorf("honeypot = %v, want 1", got[OutcomeHoneypot])
	}
}

// TestRecordConfirmAndUnsubscribe_LabelsResult は確認・解除カウンタが成否ラベル付きで記録されることを検証する。
func TestRecordConfirmAndUnsubscribe_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConfirm(true)
	c.RecordConfirm(false)
	c.RecordConfirm(false)
	c.RecordUnsubscribe(true)

	confirm := findMetricFamily(t, reg, "newsletter_confirm_total")
	if confirm == nil {
		t.Fatal("newsletter_confirm_total metric not found")
	}
	got := counterByLabel(confirm)
	if got["success"] != 1 || got["failure"] != 2 {
		t.Errorf("confirm = %v, want success=1 failure=2", got)
	}

	unsub := findMetricFamily(t, reg, "newsletter_unsubscribe_total")
	if unsub == nil {
		t.Fatal("newsletter_unsubscribe_total metric not found")
	}
	if got := counterByLabel(unsub); got["success"] != 1 {
		t.Errorf("unsubscribe success = %v, want 1", got["success"])
	}
}

// TestRecordRateLimited_IncrementsCounterWithScope はレート制限カウンタがスコープ別に増加することを検証する。
func TestRecordRateLimited_IncrementsCounterWithScope(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimited("subscribe")
	c.RecordRateLimited("general")
	c.RecordRateLimited("general")

	mf := findMetricFamily(t, reg, "newsletter_rate_limited_total")
	if mf == nil {
		t.Fatal("newsletter_rate_limited_total metric not found")
	}
	got := counterByLabel(mf)
	if got["subscribe"] != 1 || got["general"] != 2 {
		t.Errorf("rate_limited = %v, want subscribe=1 general=2", got)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)

	mf := findMetricFamily(t, reg, "newsletter_http_status_total")
	if mf == nil {
		t.Fatal("newsletter_http_status_total metric not found")
	}
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	got := counterByLabel(mf)
	if got["200"] != 2 {
		t.Errorf("status 200 count = %v, want 2", got["200"])
	}
	if got["429"] != 1 {
		t.Errorf("status 429 count = %v, want 1", got["429"])
	}
}

// TestRecordRequestLatency_ObservesHistogram はレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordRequestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequestLatency(100 * time.Millisecond)
	c.RecordRequestLatency(2 * time.Second)

	mf := findMetricFamily(t, reg, "newsletter_request_latency_seconds")
	if mf == nil {
		t.Fatal("newsletter_request_latency_seconds metric not found")
	}
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestRecordPurged_AddsCount はパージ件数が加算されることを検証する。
func TestRecordPurged_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPurged(10)
	c.RecordPurged(5)

	mf := findMetricFamily(t, reg, "newsletter_pending_purged_total")
	if mf == nil {
		t.Fatal("newsletter_pending_purged_total metric not found")
	}
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 15 {
		t.Errorf("pending_purged_total = %v, want 15", val)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSubscribe(OutcomeCreated)
	c.RecordConfirm(true)
	c.RecordHTTPStatus(200)
	c.RecordRequestLatency(500 * time.Millisecond)
	c.RecordPurged(3)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"newsletter_subscribe_total",
		"newsletter_confirm_total",
		"newsletter_http_status_total",
		"newsletter_request_latency_seconds",
		"newsletter_pending_purged_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordPurged(1)
	c2.RecordPurged(2)

	v1 := findMetricFamily(t, reg1, "newsletter_pending_purged_total").GetMetric()[0].GetCounter().GetValue()
	v2 := findMetricFamily(t, reg2, "newsletter_pending_purged_total").GetMetric()[0].GetCounter().GetValue()

	if v1 != 1 {
		t.Errorf("reg1 purged = %v, want 1", v1)
	}
	if v2 != 2 {
		t.Errorf("reg2 purged = %v, want 2", v2)
	}
}

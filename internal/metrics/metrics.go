// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証コーディネーター、ハンドラー、APIクライアント、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthTransition(state, reason string)
	RecordBridgeMessage(messageType, result string)
	RecordAPIRequest(operation string, statusCode int, duration time.Duration)
	RecordClientStorageCleanup(deleted int64)
}

// ブリッジメッセージの処理結果ラベル
const (
	BridgeResultHandled   = "handled"
	BridgeResultUntrusted = "untrusted_origin"
	BridgeResultUnknown   = "unknown_type"
	BridgeResultInvalid   = "invalid"
	BridgeResultError     = "error"
	BridgeResultLimited   = "rate_limited"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authTransitions *prometheus.CounterVec
	bridgeMessages  *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
	storageDeleted  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskdesk_auth_transitions_total",
			Help: "認証状態の遷移数（遷移先と理由別）",
		}, []string{"state", "reason"}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskdesk_bridge_messages_total",
			Help: "Identity Bridgeから中継されたメッセージ数（種別と結果別）",
		}, []string{"type", "result"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskdesk_api_requests_total",
			Help: "ローカルREST APIの呼び出し数（操作とステータスコード別）",
		}, []string{"operation", "status_code"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskdesk_api_request_duration_seconds",
			Help:    "ローカルREST API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		storageDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskdesk_client_storage_deleted_total",
			Help: "クリーンアップで削除されたクライアントストレージの行数",
		}),
	}

	reg.MustRegister(
		c.authTransitions,
		c.bridgeMessages,
		c.apiRequests,
		c.apiLatency,
		c.storageDeleted,
	)

	return c
}

// RecordAuthTransition は認証状態の遷移を記録する。
func (c *Collector) RecordAuthTransition(state, reason string) {
	c.authTransitions.WithLabelValues(state, reason).Inc()
}

// RecordBridgeMessage はブリッジメッセージの処理結果を記録する。
func (c *Collector) RecordBridgeMessage(messageType, result string) {
	if messageType == "" {
		messageType = "unknown"
	}
	c.bridgeMessages.WithLabelValues(messageType, result).Inc()
}

// RecordAPIRequest はAPI呼び出しを記録する。通信エラーはステータスコード0として記録する。
func (c *Collector) RecordAPIRequest(operation string, statusCode int, duration time.Duration) {
	c.apiRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.apiLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordClientStorageCleanup はクリーンアップで削除された行数を記録する。
func (c *Collector) RecordClientStorageCleanup(deleted int64) {
	c.storageDeleted.Add(float64(deleted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

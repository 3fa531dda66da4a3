// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market"

var (
	// HTTPRequestsTotal считает HTTP-запросы по методу, шаблону пути и классу статуса.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration измеряет длительность HTTP-запросов.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PurchasesTotal считает покупки по результату.
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Total purchase attempts by result.",
		},
		[]string{"result"},
	)

	// CompensationsTotal считает откаты покупок.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_compensations_total",
			Help:      "Total purchase compensations by result.",
		},
		[]string{"result"},
	)

	// LedgerAdjustmentsTotal считает изменения баланса по причине и результату.
	LedgerAdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_adjustments_total",
			Help:      "Total balance adjustments by entry kind and result.",
		},
		[]string{"kind", "result"},
	)

	// TopUpsTotal считает созданные пополнения по результату.
	TopUpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topups_total",
			Help:      "Total top-up creations by result.",
		},
		[]string{"result"},
	)

	// CallbacksTotal считает callback платёжного шлюза по исходу.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callbacks_total",
			Help:      "Total payment gateway callbacks by outcome.",
		},
		[]string{"outcome"},
	)

	// SyncSettlementsTotal считает пополнения, закрытые фоновой синхронизацией.
	SyncSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topup_sync_settlements_total",
			Help:      "Total pending top-ups settled by the background sync by status.",
		},
		[]string{"status"},
	)

	// ClaimsTotal считает операции с гарантийными заявками.
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total warranty claim operations by action and result.",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PurchasesTotal,
		CompensationsTotal,
		LedgerAdjustmentsTotal,
		TopUpsTotal,
		CallbacksTotal,
		SyncSettlementsTotal,
		ClaimsTotal,
	)
}

// Middleware записывает метрики HTTP-запросов. Путь берётся из шаблона маршрута chi.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler возвращает обработчик /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result переводит ошибку в метку результата.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

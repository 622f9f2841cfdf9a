// metrics.go — Prometheus HTTP метрики EDU-DESK backend.
// Регистрирует метрики: edudesk_http_requests_total, edudesk_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики EDU-DESK
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edudesk_http_requests_total",
			Help: "Общее количество HTTP-запросов к EDU-DESK backend",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edudesk_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к EDU-DESK backend в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем UUID на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// uuidLen — длина текстового представления UUID.
const uuidLen = 36

// normalizePath заменяет UUID-сегменты пути на {id} для предотвращения
// взрывного роста кардинальности метрик.
// /api/v1/notes/a1b2c3d4-... → /api/v1/notes/{id}
// /api/v1/notes/a1b2c3d4-.../download → /api/v1/notes/{id}/download
func normalizePath(path string) string {
	// Статические пути — возвращаем как есть
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/notes", "/api/v1/notes/search",
		"/api/v1/subjects", "/api/v1/departments",
		"/api/v1/stats/usage", "/api/v1/stats/platform", "/api/v1/stats/popular",
		"/api/v1/stats/trending", "/api/v1/stats/top-uploaders",
		"/api/v1/favorites", "/api/v1/collections",
		"/api/v1/admin/flags", "/api/v1/admin/users":
		return path
	}

	// Идентификатор пользователя — произвольный sub из JWT, не UUID
	if strings.HasPrefix(path, "/api/v1/users/") && strings.HasSuffix(path, "/stats") {
		return "/api/v1/users/{id}/stats"
	}

	for _, prefix := range []string{"/api/v1/notes/", "/api/v1/comments/", "/api/v1/collections/", "/api/v1/favorites/", "/api/v1/admin/flags/"} {
		if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
			rest := path[len(prefix):]
			suffix := ""
			if len(rest) > uuidLen {
				suffix = rest[uuidLen:]
			}
			return prefix + "{id}" + suffix
		}
	}

	return path
}

// usage.go — middleware учёта квот потребления.
// Протокол: проверка лимитов ДО выполнения операции (отказ — 429 со
// снимком статистики), запись счётчиков ПОСЛЕ успешного выполнения.
// Неудачные запросы (статус >= 400) в счётчики не попадают.
package middleware

import (
	"context"
	"net/http"

	apierrors "github.com/jaysurse/edu-desk/internal/api/errors"
	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/service"
)

// ContextKeyByteDelta — carrier изменения объёма хранилища в контексте запроса.
const ContextKeyByteDelta contextKey = "byte_delta"

// byteDeltaCarrier — изменение счётчика байт хранилища, выставляемое
// handler'ом по ходу обработки запроса (upload: +размер файла,
// delete: -размер файла). Указатель живёт в контексте запроса,
// middleware читает его после завершения handler'а.
type byteDeltaCarrier struct {
	delta int64
}

// SetByteDelta выставляет изменение объёма хранилища для текущего запроса.
// No-op, если запрос не обёрнут в TrackUsage.
func SetByteDelta(ctx context.Context, delta int64) {
	if carrier, ok := ctx.Value(ContextKeyByteDelta).(*byteDeltaCarrier); ok {
		carrier.delta = delta
	}
}

// TrackUsage возвращает middleware учёта квоты для операции op.
// До вызова handler'а проверяет месячные лимиты операций (объём байт
// проверяет сам handler, когда размер известен); при превышении — 429
// с текущей статистикой потребления. После успешного ответа записывает
// операцию и накопленный byte delta в счётчики.
func TrackUsage(usage *service.UsageService, op model.OperationType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, reason := usage.CheckLimits(r.Context(), op, 0)
			if !allowed {
				stats, _ := usage.Stats(r.Context())
				apierrors.UsageLimitExceeded(w, reason, stats)
				return
			}

			carrier := &byteDeltaCarrier{}
			ctx := context.WithValue(r.Context(), ContextKeyByteDelta, carrier)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			// Счётчики — только для успешных операций
			if wrapped.statusCode < 400 {
				usage.RecordOperation(r.Context(), op, carrier.delta)
			}
		})
	}
}

// auth.go — JWT middleware для аутентификации EDU-DESK backend.
// Пользователи аутентифицируются во внешнем IdP, backend проверяет
// подпись ID-токена по JWKS и извлекает uid/email/name из claims.
// Администраторы определяются по allowlist email'ов из конфигурации.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/jaysurse/edu-desk/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyIdentity — аутентифицированный пользователь в контексте запроса.
	ContextKeyIdentity contextKey = "identity"
)

// Identity — аутентифицированный пользователь из ID-токена.
// Помещается в контекст запроса для downstream handlers.
type Identity struct {
	// UserID — sub из JWT (uid пользователя в IdP).
	UserID string
	// Email — email из JWT.
	Email string
	// Name — display name из JWT.
	Name string
	// IsAdmin — email входит в allowlist администраторов.
	IsAdmin bool
}

// idTokenClaims — raw claims из ID-токена IdP.
type idTokenClaims struct {
	jwt.RegisteredClaims
	// Email — электронная почта пользователя.
	Email string `json:"email"`
	// Name — отображаемое имя.
	Name string `json:"name"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS IdP.
type JWTAuth struct {
	jwks        keyfunc.Keyfunc
	logger      *slog.Logger
	issuer      string
	jwtLeeway   time.Duration
	adminEmails map[string]bool
}

// NewJWTAuth создаёт JWT middleware с JWKS внешнего IdP.
// jwksURL — URL к JWKS endpoint IdP.
// issuer — ожидаемый issuer JWT (пусто — issuer не проверяется).
// adminEmails — allowlist email'ов администраторов.
// jwksRefreshInterval — интервал обновления JWKS-ключей.
// jwtLeeway — допустимое отклонение времени при проверке JWT.
func NewJWTAuth(
	jwksURL string,
	issuer string,
	adminEmails []string,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	// JWKS Storage с фоновым обновлением.
	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[strings.ToLower(e)] = true
	}

	return &JWTAuth{
		jwks:        k,
		logger:      logger.With(slog.String("component", "jwt_auth")),
		issuer:      issuer,
		jwtLeeway:   jwtLeeway,
		adminEmails: admins,
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWTAuth с готовым keyfunc.
// Используется в тестах, где JWKS endpoint не поднимается.
func NewJWTAuthWithKeyfunc(k keyfunc.Keyfunc, adminEmails []string, logger *slog.Logger) *JWTAuth {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[strings.ToLower(e)] = true
	}
	return &JWTAuth{
		jwks:        k,
		logger:      logger.With(slog.String("component", "jwt_auth")),
		jwtLeeway:   30 * time.Second,
		adminEmails: admins,
	}
}

// Middleware возвращает HTTP middleware обязательной аутентификации.
// Извлекает Bearer token, валидирует подпись (RS256), извлекает claims
// и помещает Identity в контекст. Запросы без валидного токена — 401.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, errMsg := j.authenticate(r)
			if identity == nil {
				apierrors.Unauthorized(w, errMsg)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalMiddleware возвращает middleware необязательной аутентификации:
// при валидном токене Identity помещается в контекст, без токена запрос
// проходит анонимно. Используется на публичных discovery endpoints,
// где авторизованный пользователь получает персонализированные поля.
func (j *JWTAuth) OptionalMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}

			identity, _ := j.authenticate(r)
			if identity != nil {
				ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin возвращает middleware, пропускающий только администраторов.
// Должен использоваться ПОСЛЕ Middleware().
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				apierrors.Unauthorized(w, "Отсутствует identity в контексте")
				return
			}
			if !identity.IsAdmin {
				apierrors.Forbidden(w, "Требуются права администратора")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate извлекает и проверяет Bearer token.
// Возвращает (Identity, "") при успехе или (nil, причина) при отказе.
func (j *JWTAuth) authenticate(r *http.Request) (*Identity, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, "Отсутствует заголовок Authorization"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, "Неверный формат Authorization: ожидается Bearer <token>"
	}

	tokenString := parts[1]
	if tokenString == "" {
		return nil, "Пустой Bearer token"
	}

	rawClaims := &idTokenClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
	if err != nil {
		j.logger.Debug("JWT валидация не пройдена",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return nil, "Невалидный или просроченный токен"
	}
	if !token.Valid {
		return nil, "Невалидный токен"
	}

	subject, err := rawClaims.GetSubject()
	if err != nil || subject == "" {
		return nil, "Отсутствует sub в токене"
	}

	email := strings.ToLower(rawClaims.Email)
	return &Identity{
		UserID:  subject,
		Email:   rawClaims.Email,
		Name:    rawClaims.Name,
		IsAdmin: email != "" && j.adminEmails[email],
	}, ""
}

// Close освобождает ресурсы JWT middleware.
func (j *JWTAuth) Close() {
	// keyfunc v3 не требует явного закрытия
}

// --- Context helpers ---

// IdentityFromContext извлекает Identity из контекста запроса.
// Возвращает nil, если пользователь не аутентифицирован.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(ContextKeyIdentity).(*Identity)
	return identity
}

// --- ReadinessChecker для IdP ---

// IdPReadinessChecker — проверка доступности IdP через JWKS endpoint.
type IdPReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewIdPReadinessChecker создаёт checker доступности IdP.
func NewIdPReadinessChecker(jwksURL string, timeout time.Duration) *IdPReadinessChecker {
	return &IdPReadinessChecker{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: timeout},
	}
}

const statusFail = "fail"

// CheckReady проверяет доступность JWKS endpoint IdP.
func (k *IdPReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS IdP недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS IdP вернул статус %d", resp.StatusCode)
	}

	// Проверяем, что ответ — валидный JSON с ключами
	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS IdP: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS IdP: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}

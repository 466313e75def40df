package auth

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(stream io.Writer) *AuditLogger {
	logger := slog.New(slog.NewJSONHandler(stream, nil))
	return &AuditLogger{logger: logger}
}

func clientIp(r *http.Request) string {
	for _, header := range []string{"X-Real-Ip", "X-Forwarded-For"} {
		if ip := r.Header.Get(header); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func routeParams(r *http.Request) []interface{} {
	params := make([]interface{}, 0)

	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return params
	}
	for i, key := range rctx.URLParams.Keys {
		if key != "*" {
			params = append(params, slog.String(key, rctx.URLParams.Values[i]))
		}
	}
	for key, values := range r.URL.Query() {
		params = append(params, slog.String(key, strings.Join(values, ";")))
	}
	return params
}

// Middleware writes one entry per authenticated API request: who, from
// where, what route, and the two-factor trust state the request carried.
func (log *AuditLogger) Middleware(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		user, err := UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		twoFactorComplete := false
		if session, err := SessionFromContext(r); err == nil {
			twoFactorComplete = session.TwoFactorComplete
		}

		log.logger.Info("api request",
			"username", user.Username,
			"user_id", user.Id,
			"client_ip", clientIp(r),
			"method", r.Method,
			"url", r.URL.Path,
			"two_factor_complete", twoFactorComplete,
			slog.Group("params", routeParams(r)...),
		)

		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(handler)
}

// Record writes a project+app scoped entry after a successful resource
// mutation. Best effort: failures to write the audit stream never fail the
// mutation itself.
func (log *AuditLogger) Record(project, app, kind, action, name string) {
	log.logger.Info("resource mutation",
		"project", project,
		"app", app,
		"kind", kind,
		"action", action,
		"resource", name,
	)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"apphost/portal/schema"
	"apphost/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"gorm.io/gorm"
)

const (
	SessionCookie = "session"

	SignInRoute = "/login"
	FactorRoute = "/factor"
	EnrollRoute = "/enable"
	HomeRoute   = "/"

	sessionLifetime   = 7 * 24 * time.Hour
	twoFactorLifetime = 4 * time.Hour
)

const (
	claimTwoFactorComplete   = "twoFactorComplete"
	claimTwoFactorDisabled   = "twoFactorDisabled"
	claimTwoFactorExpiration = "twoFactorExpiration"
)

var ErrMissingClaims = errors.New("session token is missing required claims")

// Session is the decoded trust state carried by the signed session token.
// TwoFactorDisabled mirrors the persisted user opt-out; the token copy exists
// only so the gate can decide without a store read.
type Session struct {
	UserId              uuid.UUID
	TwoFactorComplete   bool
	TwoFactorDisabled   bool
	TwoFactorExpiration *time.Time
}

// Expired reports whether the two-factor trust window has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return s.TwoFactorExpiration == nil || now.After(*s.TwoFactorExpiration)
}

// Trusted reports whether the session may reach protected APIs: the user
// opted out of two-factor, or completed it within the trust window.
func (s *Session) Trusted(now time.Time) bool {
	if s.TwoFactorDisabled {
		return true
	}
	return s.TwoFactorComplete && !s.Expired(now)
}

type SessionManager struct {
	auth   *jwtauth.JWTAuth
	secure bool

	// Now is injectable so tests can drive the trust window with a fake
	// clock. Defaults to time.Now.
	Now func() time.Time
}

func NewSessionManager(secret []byte, secure bool) *SessionManager {
	return &SessionManager{
		auth:   jwtauth.New("HS256", secret, nil),
		secure: secure,
		Now:    time.Now,
	}
}

// Issue signs a fresh token for the given trust state.
func (m *SessionManager) Issue(session Session) (string, error) {
	now := m.Now()

	var expiration interface{}
	if session.TwoFactorExpiration != nil {
		expiration = session.TwoFactorExpiration.UnixMilli()
	}

	claims := map[string]interface{}{
		"sub":                    session.UserId.String(),
		"iat":                    now,
		"exp":                    now.Add(sessionLifetime),
		claimTwoFactorComplete:   session.TwoFactorComplete,
		claimTwoFactorDisabled:   session.TwoFactorDisabled,
		claimTwoFactorExpiration: expiration,
	}

	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error signing session token", "error", err, "code", logging.AUTH_SESSION)
		return "", fmt.Errorf("error signing session token: %w", err)
	}
	return token, nil
}

// TrustWindow returns the expiration of a two-factor verification completed
// now.
func (m *SessionManager) TrustWindow() time.Time {
	return m.Now().Add(twoFactorLifetime)
}

// SetCookie installs the session token as the browser session cookie.
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
	})
}

func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
	})
}

func claimBool(token jwt.Token, key string) (bool, error) {
	value, ok := token.Get(key)
	if !ok {
		return false, ErrMissingClaims
	}
	b, ok := value.(bool)
	if !ok {
		return false, ErrMissingClaims
	}
	return b, nil
}

func claimMillis(token jwt.Token, key string) (*time.Time, error) {
	value, ok := token.Get(key)
	if !ok {
		return nil, ErrMissingClaims
	}
	var millis int64
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		millis = int64(v)
	case int64:
		millis = v
	default:
		return nil, ErrMissingClaims
	}
	t := time.UnixMilli(millis)
	return &t, nil
}

// SessionFromToken decodes the trust state from a verified token. Any
// missing or mistyped claim fails closed.
func SessionFromToken(token jwt.Token) (Session, error) {
	sub := token.Subject()
	userId, err := uuid.Parse(sub)
	if err != nil {
		return Session{}, ErrMissingClaims
	}

	complete, err := claimBool(token, claimTwoFactorComplete)
	if err != nil {
		return Session{}, err
	}
	disabled, err := claimBool(token, claimTwoFactorDisabled)
	if err != nil {
		return Session{}, err
	}
	expiration, err := claimMillis(token, claimTwoFactorExpiration)
	if err != nil {
		return Session{}, err
	}

	return Session{
		UserId:              userId,
		TwoFactorComplete:   complete,
		TwoFactorDisabled:   disabled,
		TwoFactorExpiration: expiration,
	}, nil
}

var callbackStrip = regexp.MustCompile(`[^\w\-/?&=]`)

var blockedCallbackPrefixes = []string{"/api", "/admin", "/internal"}

// SanitizeCallback reduces a requested path to a safe post-login redirect
// target. Anything that is not a plain portal path collapses to the home
// route.
func SanitizeCallback(path string) string {
	if !strings.HasPrefix(path, "/") {
		return HomeRoute
	}

	cleaned := callbackStrip.ReplaceAllString(path, "")
	if !strings.HasPrefix(cleaned, "/") {
		return HomeRoute
	}

	for _, prefix := range blockedCallbackPrefixes {
		if strings.HasPrefix(cleaned, prefix) {
			return HomeRoute
		}
	}

	return cleaned
}

func redirectToSignIn(w http.ResponseWriter, r *http.Request) {
	callback := SanitizeCallback(r.URL.Path)
	target := fmt.Sprintf("%v?callback=%v", SignInRoute, url.QueryEscape(callback))
	http.Redirect(w, r, target, http.StatusFound)
}

// Gate is the request-path session state machine. It runs on every protected
// portal route, repairing expired trust state in the same pass (reissue the
// token with twoFactorComplete cleared and redirect home).
func (m *SessionManager) Gate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				redirectToSignIn(w, r)
				return
			}

			token, err := jwtauth.VerifyToken(m.auth, cookie.Value)
			if err != nil {
				redirectToSignIn(w, r)
				return
			}

			session, err := SessionFromToken(token)
			if err != nil {
				redirectToSignIn(w, r)
				return
			}

			route := r.URL.Path

			if session.TwoFactorDisabled && route != EnrollRoute {
				next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
				return
			}

			if session.TwoFactorComplete {
				if session.Expired(m.Now()) {
					session.TwoFactorComplete = false
					session.TwoFactorExpiration = nil

					reissued, err := m.Issue(session)
					if err != nil {
						http.Error(w, "error reissuing session token", http.StatusInternalServerError)
						return
					}
					m.SetCookie(w, reissued)
					http.Redirect(w, r, HomeRoute, http.StatusFound)
					return
				}

				next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
				return
			}

			if route != FactorRoute && route != EnrollRoute {
				callback := SanitizeCallback(route)
				target := fmt.Sprintf("%v?callback=%v", FactorRoute, url.QueryEscape(callback))
				http.Redirect(w, r, target, http.StatusFound)
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
		}
		return http.HandlerFunc(hfn)
	}
}

type requestContextKey string

const (
	userRequestContextKey    requestContextKey = "user"
	sessionRequestContextKey requestContextKey = "portal_session"
)

func withSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionRequestContextKey, session)
}

func SessionFromContext(r *http.Request) (Session, error) {
	sessionUntyped := r.Context().Value(sessionRequestContextKey)
	if sessionUntyped == nil {
		return Session{}, errors.New("session not found in request context")
	}
	session, ok := sessionUntyped.(Session)
	if !ok {
		return Session{}, errors.New("invalid value for session field")
	}
	return session, nil
}

func UserFromContext(r *http.Request) (schema.User, error) {
	userUntyped := r.Context().Value(userRequestContextKey)
	if userUntyped == nil {
		return schema.User{}, errors.New("user field not found in request context")
	}
	user, ok := userUntyped.(schema.User)
	if !ok {
		return schema.User{}, errors.New("invalid value for user field")
	}
	return user, nil
}

func tokenFromSessionCookie(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (m *SessionManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verify(m.auth, jwtauth.TokenFromHeader, tokenFromSessionCookie)
}

func (m *SessionManager) Authenticator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return jwtauth.Authenticator(m.auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
		}))
	}
}

func (m *SessionManager) addUserToContext(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			token, _, err := jwtauth.FromContext(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			session, err := SessionFromToken(token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			user, err := schema.GetUser(session.UserId, db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", session.UserId, err), http.StatusInternalServerError)
				return
			}

			reqCtx := r.Context()
			reqCtx = context.WithValue(reqCtx, userRequestContextKey, user)
			reqCtx = withSession(reqCtx, session)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (m *SessionManager) requireTrusted(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		session, err := SessionFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !session.Trusted(m.Now()) {
			http.Error(w, "two factor verification required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(handler)
}

// AuthMiddleware is the chain for authenticated API routes: verify the token,
// reject requests without one, resolve the user record, require a trusted
// session, then audit. Sessions that have neither completed two-factor nor
// opted out of it are rejected here.
func (m *SessionManager) AuthMiddleware(db *gorm.DB, auditLog *AuditLogger) chi.Middlewares {
	return chi.Middlewares{m.Verifier(), m.Authenticator(), m.addUserToContext(db), m.requireTrusted, auditLog.Middleware}
}

// EnrollmentMiddleware is the chain for the routes that establish trust in the
// first place, two-factor verification, skip, and enrollment. It authenticates
// the session but does not require it to be trusted yet.
func (m *SessionManager) EnrollmentMiddleware(db *gorm.DB, auditLog *AuditLogger) chi.Middlewares {
	return chi.Middlewares{m.Verifier(), m.Authenticator(), m.addUserToContext(db), auditLog.Middleware}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

func TestSanitizeCallback(t *testing.T) {
	cases := []struct {
		path, expected string
	}{
		{"/projects/demo", "/projects/demo"},
		{"/projects/demo?tab=members", "/projects/demo?tab=members"},
		{"/", "/"},
		{"", "/"},
		{"relative/path", "/"},
		{"https://evil.example.com/phish", "/"},
		{"/projects%2Fdemo", "/projects2Fdemo"},
		{"/api/v1/user/info", "/"},
		{"/admin", "/"},
		{"/internal/debug", "/"},
		{"/projects/<script>", "/projects/script"},
		{"/pro jects", "/projects"},
	}

	for _, c := range cases {
		if got := SanitizeCallback(c.path); got != c.expected {
			t.Fatalf("SanitizeCallback(%q) = %q, expected %q", c.path, got, c.expected)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	manager := NewSessionManager([]byte("290zcv02ai249"), false)

	expiration := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	original := Session{
		UserId:              uuid.New(),
		TwoFactorComplete:   true,
		TwoFactorExpiration: &expiration,
	}

	signed, err := manager.Issue(original)
	if err != nil {
		t.Fatal(err)
	}

	token, err := jwtauth.VerifyToken(manager.auth, signed)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := SessionFromToken(token)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.UserId != original.UserId {
		t.Fatal("user id did not survive the round trip")
	}
	if !decoded.TwoFactorComplete || decoded.TwoFactorDisabled {
		t.Fatal("trust flags did not survive the round trip")
	}
	if decoded.TwoFactorExpiration == nil || !decoded.TwoFactorExpiration.Equal(expiration) {
		t.Fatalf("expiration did not survive the round trip: %v", decoded.TwoFactorExpiration)
	}
}

func gateRequest(t *testing.T, manager *SessionManager, path string, session *Session) *httptest.ResponseRecorder {
	var reached bool
	handler := manager.Gate()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", path, nil)
	if session != nil {
		token, err := manager.Issue(*session)
		if err != nil {
			t.Fatal(err)
		}
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code == http.StatusOK && !reached {
		t.Fatal("handler reported ok without running")
	}
	return res
}

func assertRedirect(t *testing.T, res *httptest.ResponseRecorder, route, callback string) {
	if res.Code != http.StatusFound {
		t.Fatalf("expected redirect, got status %d", res.Code)
	}
	location, err := url.Parse(res.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if location.Path != route {
		t.Fatalf("expected redirect to %v, got %v", route, location.Path)
	}
	if got := location.Query().Get("callback"); got != callback {
		t.Fatalf("expected callback %q, got %q", callback, got)
	}
}

func TestGateWithoutSession(t *testing.T) {
	manager := NewSessionManager([]byte("290zcv02ai249"), false)

	res := gateRequest(t, manager, "/projects/demo", nil)
	assertRedirect(t, res, SignInRoute, "/projects/demo")
}

func TestGateRejectsForgedToken(t *testing.T) {
	manager := NewSessionManager([]byte("290zcv02ai249"), false)
	forger := NewSessionManager([]byte("another-secret"), false)

	token, err := forger.Issue(Session{UserId: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/projects/demo", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	res := httptest.NewRecorder()
	manager.Gate()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("forged token reached the handler")
	})).ServeHTTP(res, req)

	assertRedirect(t, res, SignInRoute, "/projects/demo")
}

func TestGateRedirectsIncompleteToFactor(t *testing.T) {
	manager := NewSessionManager([]byte("290zcv02ai249"), false)
	session := Session{UserId: uuid.New()}

	res := gateRequest(t, manager, "/projects/demo", &session)
	assertRedirect(t, res, FactorRoute, "/projects/demo")

	// The factor and enrollment pages themselves must stay reachable.
	if res := gateRequest(t, manager, FactorRoute, &session); res.Code != http.StatusOK {
		t.Fatalf("factor page blocked: %d", res.Code)
	}
	if res := gateRequest(t, manager, EnrollRoute, &session); res.Code != http.StatusOK {
		t.Fatalf("enrollment page blocked: %d", res.Code)
	}
}

func TestGateOptOutBypassesFactor(t *testing.T) {
	manager := NewSessionManager([]byte("290zcv02ai249"), false)
	session := Session{UserId: uuid.New(), TwoFactorDisabled: true}

	if res := gateRequest(t, manager, "/projects/demo", &session); res.Code != http.StatusOK {
		t.Fatalf("opted-out session blocked: %d", res.Code)
	}

	// The enrollment page stays reachable so an opted-out user can turn
	// two-factor back on.
	if res := gateRequest(t, manager, EnrollRoute, &session); res.Code != http.StatusOK {
		t.Fatalf("enrollment page blocked for opted-out session: %d", res.Code)
	}
}

func TestGateTrustWindow(t *testing.T) {
	manager := NewSessionManager([]byte("290zcv02ai249"), false)

	// Base the fake clock far enough in the past that tokens issued through it
	// carry timestamps real-clock verification accepts.
	now := time.Now().Add(-(twoFactorLifetime + 2*time.Minute))
	manager.Now = func() time.Time { return now }

	expiration := now.Add(twoFactorLifetime)
	session := Session{UserId: uuid.New(), TwoFactorComplete: true, TwoFactorExpiration: &expiration}

	if res := gateRequest(t, manager, "/projects/demo", &session); res.Code != http.StatusOK {
		t.Fatalf("verified session blocked: %d", res.Code)
	}

	// Past the trust window the gate reissues a pared-down token and sends
	// the browser home.
	now = now.Add(twoFactorLifetime + time.Minute)
	res := gateRequest(t, manager, "/projects/demo", &session)
	if res.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", res.Code)
	}
	if location := res.Header().Get("Location"); location != HomeRoute {
		t.Fatalf("expected redirect home, got %v", location)
	}

	var reissued *http.Cookie
	for _, cookie := range res.Result().Cookies() {
		if cookie.Name == SessionCookie {
			reissued = cookie
		}
	}
	if reissued == nil {
		t.Fatal("expected reissued session cookie")
	}

	token, err := jwtauth.VerifyToken(manager.auth, reissued.Value)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := SessionFromToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TwoFactorComplete || decoded.TwoFactorExpiration != nil {
		t.Fatal("reissued token must clear the trust state")
	}
}

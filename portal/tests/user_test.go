package tests

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	user := env.newClient()

	login, err := user.signup("abc", "abc@mail.com", "abc_password")
	if err != nil {
		t.Fatal(err)
	}

	dup := env.newClient()
	if err := dup.Post("/user/signup").Json(map[string]string{
		"username": "xyz", "email": "abc@mail.com", "password": "xyz_password",
	}).Expect(http.StatusConflict); err != nil {
		t.Fatal(err)
	}

	bad := env.newClient()
	err = bad.login(loginInfo{Email: "abc@mail.com", Password: "wrong_password"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := user.login(login); err != nil {
		t.Fatal(err)
	}

	if err := user.skipFactor(); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info["username"] != "abc" || info["email"] != "abc@mail.com" {
		t.Fatalf("user info wrong: %v", info)
	}
}

func TestListUsersRequiresRoot(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.Get("/user/list").Do(nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	var res struct {
		Users []map[string]interface{} `json:"users"`
	}
	if err := admin.Get("/user/list").Do(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(res.Users))
	}
}

func totpSecret(t *testing.T, otpauthUrl string) string {
	parsed, err := url.Parse(otpauthUrl)
	if err != nil {
		t.Fatal(err)
	}
	secret := parsed.Query().Get("secret")
	if secret == "" {
		t.Fatalf("otpauth url %v has no secret", otpauthUrl)
	}
	return secret
}

func TestTwoFactorEnrollAndVerify(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	err = user.verifyFactor("000000")
	if err == nil {
		t.Fatal("verification should fail before enrollment")
	}

	otpauthUrl, err := user.enableFactor()
	if err != nil {
		t.Fatal(err)
	}
	secret := totpSecret(t, otpauthUrl)

	err = user.verifyFactor("000000")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad code, got %v", err)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := user.verifyFactor(code); err != nil {
		t.Fatal(err)
	}

	if _, err := user.userInfo(); err != nil {
		t.Fatal(err)
	}
}

func TestTwoFactorSkip(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.skipFactor(); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info["two_factor_disabled"] != true {
		t.Fatal("two factor opt-out should be persisted")
	}

	// Re-enrolling clears the opt-out.
	otpauthUrl, err := user.enableFactor()
	if err != nil {
		t.Fatal(err)
	}

	// The fresh session is untrusted until the new factor is verified.
	_, err = user.userInfo()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized before verification, got %v", err)
	}

	code, err := totp.GenerateCode(totpSecret(t, otpauthUrl), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := user.verifyFactor(code); err != nil {
		t.Fatal(err)
	}

	info, err = user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info["two_factor_disabled"] != false {
		t.Fatal("enrollment should clear the opt-out")
	}
}

func TestApiRequiresFactorTrust(t *testing.T) {
	env := setupTestEnv(t)

	user := env.newClient()
	login, err := user.signup("abc", "abc@mail.com", "abc_password")
	if err != nil {
		t.Fatal(err)
	}
	if err := user.login(login); err != nil {
		t.Fatal(err)
	}

	// A fresh login has neither completed two-factor nor opted out of it.
	err = user.createProject("proj")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err = user.userInfo()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := user.skipFactor(); err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("proj"); err != nil {
		t.Fatal(err)
	}
}

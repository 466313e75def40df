package tests

import (
	"bytes"
	"fmt"
	"testing"

	"apphost/portal/auth"
	"apphost/portal/schema"
	"apphost/portal/services"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	portal   services.Portal
	api      chi.Router
	store    *StoreStub
	db       *gorm.DB
	sessions *auth.SessionManager
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(schema.Tables()...)
	if err != nil {
		t.Fatal(err)
	}

	if err := schema.SeedDefaults(db); err != nil {
		t.Fatal(err)
	}

	credentials := auth.NewCredentials(db)
	if err := credentials.AddInitialAdmin(adminUsername, adminEmail, adminPassword); err != nil {
		t.Fatal(err)
	}

	store := newStoreStub()
	sessions := auth.NewSessionManager([]byte("290zcv02ai249"), false)

	cipher, err := auth.NewSecretCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	twoFactor := auth.NewTwoFactor(cipher, "apphost-test")

	auditLog := auth.NewAuditLogger(new(bytes.Buffer))

	portal := services.NewPortal(db, store, sessions, twoFactor, auditLog)

	return &testEnv{
		portal:   portal,
		api:      portal.Routes(),
		store:    store,
		db:       db,
		sessions: sessions,
	}
}

func (env *testEnv) newClient() client {
	return client{api: env.api}
}

func (env *testEnv) adminClient() (client, error) {
	c := env.newClient()
	if err := c.login(loginInfo{Email: adminEmail, Password: adminPassword}); err != nil {
		return client{}, err
	}
	if err := c.skipFactor(); err != nil {
		return client{}, err
	}
	return c, nil
}

func (env *testEnv) newUser(name string) (client, error) {
	c := env.newClient()

	login, err := c.signup(name, fmt.Sprintf("%v@mail.com", name), fmt.Sprintf("%v_password", name))
	if err != nil {
		return client{}, err
	}

	if err := c.login(login); err != nil {
		return client{}, err
	}

	if err := c.skipFactor(); err != nil {
		return client{}, err
	}
	return c, nil
}

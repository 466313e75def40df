package services

import (
	"log"
	"net/http"
	"os"

	"apphost/portal/appstore"
	"apphost/portal/auth"
	"apphost/portal/policy"
	"apphost/portal/resources"
	"apphost/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Portal composes the portal services over one database, one cluster store
// and one session manager.
type Portal struct {
	user    UserService
	project ProjectService
	policy  PolicyService

	db       *gorm.DB
	sessions *auth.SessionManager
}

func NewPortal(
	db *gorm.DB, store appstore.Store, sessions *auth.SessionManager, twoFactor *auth.TwoFactor, auditLog *auth.AuditLogger,
) Portal {
	credentials := auth.NewCredentials(db)
	policies := policy.NewEngine(db, store)
	mutations := resources.NewManager(store, auditLog)

	apps := AppService{
		db:        db,
		store:     store,
		policies:  policies,
		mutations: mutations,
	}

	return Portal{
		user: UserService{
			db:          db,
			credentials: credentials,
			sessions:    sessions,
			twoFactor:   twoFactor,
			auditLog:    auditLog,
		},
		project: ProjectService{
			db:       db,
			store:    store,
			policies: policies,
			sessions: sessions,
			auditLog: auditLog,
			apps:     &apps,
		},
		policy: PolicyService{
			db:       db,
			policies: policies,
			sessions: sessions,
			auditLog: auditLog,
		},
		db:       db,
		sessions: sessions,
	}
}

func (p *Portal) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", p.user.Routes())
	r.Mount("/project", p.project.Routes())
	r.Mount("/policy", p.policy.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// PageRoutes serves the session-gated portal pages. Everything behind the
// gate sees a fully verified session; the gate itself handles the login,
// factor and enrollment redirects.
func (p *Portal) PageRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(p.sessions.Gate())

	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

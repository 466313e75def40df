package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"apphost/portal/auth"
	"apphost/portal/schema"
	"apphost/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db          *gorm.DB
	credentials *auth.Credentials
	sessions    *auth.SessionManager
	twoFactor   *auth.TwoFactor
	auditLog    *auth.AuditLogger
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Post("/signup", s.Signup)
		r.Get("/login", s.Login)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.EnrollmentMiddleware(s.db, s.auditLog)...)

		r.Post("/factor", s.VerifyFactor)
		r.Post("/factor/skip", s.SkipFactor)
		r.Post("/enable", s.EnableFactor)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.AuthMiddleware(s.db, s.auditLog)...)

		r.Get("/info", s.Info)
		r.Post("/logout", s.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.AuthMiddleware(s.db, s.auditLog)...)
		r.Use(auth.RequirePermission(s.db, auth.MustParsePermission("users:0:read")))

		r.Get("/list", s.List)
	})

	return r
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	userId, err := s.credentials.CreateUser(params.Username, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			responseCode = http.StatusConflict
		case errors.Is(err, auth.ErrUsernameAlreadyInUse):
			responseCode = http.StatusConflict
		}
		http.Error(w, err.Error(), responseCode)
		return
	}

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type loginResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	user, err := s.credentials.Login(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	// A fresh login never carries two-factor trust, the user must verify a
	// code (or have opted out) before the gate lets them through.
	token, err := s.sessions.Issue(auth.Session{
		UserId:            user.Id,
		TwoFactorDisabled: user.TwoFactorDisabled,
	})
	if err != nil {
		http.Error(w, "error issuing session token", http.StatusInternalServerError)
		return
	}

	s.sessions.SetCookie(w, token)
	utils.WriteJsonResponse(w, loginResponse{UserId: user.Id})
}

func (s *UserService) Logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.ClearCookie(w)
	utils.WriteSuccess(w)
}

type verifyFactorRequest struct {
	Code string `json:"code"`
}

func (s *UserService) VerifyFactor(w http.ResponseWriter, r *http.Request) {
	var params verifyFactorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if user.TwoFactorSecret == nil {
		http.Error(w, "two factor authentication has not been enabled for this account", http.StatusBadRequest)
		return
	}

	ok, err := s.twoFactor.Verify(params.Code, user.TwoFactorSecret)
	if err != nil {
		slog.Error("error verifying two factor code", "user_id", user.Id, "error", err)
		http.Error(w, "unable to verify two factor code", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "invalid two factor code", http.StatusUnauthorized)
		return
	}

	expiration := s.sessions.TrustWindow()
	token, err := s.sessions.Issue(auth.Session{
		UserId:              user.Id,
		TwoFactorComplete:   true,
		TwoFactorDisabled:   user.TwoFactorDisabled,
		TwoFactorExpiration: &expiration,
	})
	if err != nil {
		http.Error(w, "error issuing session token", http.StatusInternalServerError)
		return
	}

	s.sessions.SetCookie(w, token)
	utils.WriteSuccess(w)
}

// SkipFactor records the user's opt-out from two-factor authentication. The
// opt-out is persisted, the session flag is only a copy of it.
func (s *UserService) SkipFactor(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	result := s.db.Model(&schema.User{}).Where("id = ?", user.Id).Update("two_factor_disabled", true)
	if result.Error != nil {
		slog.Error("sql error disabling two factor", "user_id", user.Id, "error", result.Error)
		http.Error(w, "unable to update account", http.StatusInternalServerError)
		return
	}

	token, err := s.sessions.Issue(auth.Session{UserId: user.Id, TwoFactorDisabled: true})
	if err != nil {
		http.Error(w, "error issuing session token", http.StatusInternalServerError)
		return
	}

	s.sessions.SetCookie(w, token)
	utils.WriteSuccess(w)
}

type enableFactorResponse struct {
	OtpauthUrl string `json:"otpauth_url"`
}

// EnableFactor enrolls the account in two-factor authentication. Re-enrolling
// replaces the secret, and enrolling clears a previous opt-out.
func (s *UserService) EnableFactor(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	encrypted, otpauthUrl, err := s.twoFactor.Enroll(user.Email)
	if err != nil {
		slog.Error("error enrolling user in two factor", "user_id", user.Id, "error", err)
		http.Error(w, "unable to enable two factor authentication", http.StatusInternalServerError)
		return
	}

	updates := map[string]interface{}{"two_factor_secret": encrypted, "two_factor_disabled": false}
	result := s.db.Model(&schema.User{}).Where("id = ?", user.Id).Updates(updates)
	if result.Error != nil {
		slog.Error("sql error storing two factor secret", "user_id", user.Id, "error", result.Error)
		http.Error(w, "unable to update account", http.StatusInternalServerError)
		return
	}

	token, err := s.sessions.Issue(auth.Session{UserId: user.Id})
	if err != nil {
		http.Error(w, "error issuing session token", http.StatusInternalServerError)
		return
	}

	s.sessions.SetCookie(w, token)
	utils.WriteJsonResponse(w, enableFactorResponse{OtpauthUrl: otpauthUrl})
}

type userInfo struct {
	Id                uuid.UUID `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email"`
	Accreditation     string    `json:"accreditation,omitempty"`
	TwoFactorDisabled bool      `json:"two_factor_disabled"`
}

func describeUser(user schema.User, db *gorm.DB) userInfo {
	info := userInfo{
		Id:                user.Id,
		Username:          user.Username,
		Email:             user.Email,
		TwoFactorDisabled: user.TwoFactorDisabled,
	}
	if user.AccreditationId != nil {
		if accreditation, err := schema.GetAccreditation(*user.AccreditationId, db); err == nil {
			info.Accreditation = accreditation.Slug
		}
	}
	return info
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	utils.WriteJsonResponse(w, describeUser(user, s.db))
}

type listUsersResponse struct {
	Users []userInfo `json:"users"`
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, "unable to list users", http.StatusInternalServerError)
		return
	}

	res := listUsersResponse{Users: make([]userInfo, 0, len(users))}
	for _, user := range users {
		res.Users = append(res.Users, describeUser(user, s.db))
	}
	utils.WriteJsonResponse(w, res)
}

package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"apphost/portal/auth"
	"apphost/portal/policy"
	"apphost/portal/schema"
	"apphost/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PolicyService struct {
	db       *gorm.DB
	policies *policy.Engine
	sessions *auth.SessionManager
	auditLog *auth.AuditLogger
}

func (s *PolicyService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.sessions.AuthMiddleware(s.db, s.auditLog)...)

	r.Get("/check", s.Check)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(s.db, auth.MustParsePermission("resourcesPolicy:0:read")))
		r.Get("/list", s.List)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(s.db, auth.MustParsePermission("resourcesPolicy:0:create")))
		r.Post("/create", s.Create)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(s.db, auth.MustParsePermission("resourcesPolicy:0:update")))
		r.Put("/{policy_id}", s.Update)
		r.Post("/{policy_id}/assign", s.Assign)
	})

	return r
}

type checkPolicyResponse struct {
	policy.Usage
	Remaining int64 `json:"remaining"`
	Allowed   bool  `json:"allowed"`
}

// Check reports the live budget state for a kind. Kind and scope come from
// query parameters; scoped kinds require read access to the named scope.
func (s *PolicyService) Check(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	kind := r.URL.Query().Get("kind")
	project := r.URL.Query().Get("project")
	app := r.URL.Query().Get("app")

	// Project budgets are scoped to the caller themselves. Budgets inside a
	// project or app require read access to that scope.
	if kind != schema.KindProjects {
		var perm auth.Permission
		var scope auth.Scope
		if kind == schema.KindApps {
			perm = auth.MustParsePermission("apps:1:read")
			scope = auth.Scope{Project: project}
		} else {
			perm, err = auth.ParsePermission(fmt.Sprintf("%v:2:read", kind))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			scope = auth.Scope{Project: project, App: app}
		}

		allowed, err := auth.Authorize(s.db, user.Id, perm, scope)
		if err != nil {
			slog.Error("error authorizing policy check", "kind", kind, "error", err)
			http.Error(w, "unable to check policy", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "user does not have access to the requested scope", http.StatusUnauthorized)
			return
		}
	}

	usage, err := s.policies.Inspect(r.Context(), user.Id, kind, project, app)
	if err != nil {
		slog.Error("error inspecting resources policy", "kind", kind, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	utils.WriteJsonResponse(w, checkPolicyResponse{
		Usage:     usage,
		Remaining: usage.Remaining(),
		Allowed:   usage.Allowed(),
	})
}

type policyInfo struct {
	Id          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	AccessLevel int               `json:"access_level"`
	Limitation  schema.Limitation `json:"limitation"`
}

type listPoliciesResponse struct {
	Policies []policyInfo `json:"policies"`
}

func (s *PolicyService) List(w http.ResponseWriter, r *http.Request) {
	var policies []schema.ResourcesPolicy
	if result := s.db.Find(&policies); result.Error != nil {
		slog.Error("sql error listing resources policies", "error", result.Error)
		http.Error(w, "unable to list policies", http.StatusInternalServerError)
		return
	}

	res := listPoliciesResponse{Policies: make([]policyInfo, 0, len(policies))}
	for _, p := range policies {
		res.Policies = append(res.Policies, policyInfo{Id: p.Id, Name: p.Name, AccessLevel: p.AccessLevel, Limitation: p.Limitation})
	}
	utils.WriteJsonResponse(w, res)
}

type createPolicyRequest struct {
	Name        string            `json:"name"`
	AccessLevel int               `json:"access_level"`
	Limitation  schema.Limitation `json:"limitation"`
}

type createPolicyResponse struct {
	PolicyId uuid.UUID `json:"policy_id"`
}

func validLimitation(limitation schema.Limitation) error {
	for kind, limit := range limitation {
		switch kind {
		case schema.KindProjects, schema.KindApps, schema.KindContainers,
			schema.KindDomains, schema.KindDatabases, schema.KindVolumes:
		default:
			return errors.New("limitation references unknown kind " + kind)
		}
		if limit < policy.Unlimited {
			return errors.New("limits must be non-negative or -1 for unlimited")
		}
	}
	return nil
}

func (s *PolicyService) Create(w http.ResponseWriter, r *http.Request) {
	var params createPolicyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" {
		http.Error(w, "policy name must be specified", http.StatusBadRequest)
		return
	}
	if params.AccessLevel < schema.LevelSystem || params.AccessLevel > schema.LevelApp {
		http.Error(w, "invalid access level", http.StatusBadRequest)
		return
	}
	if err := validLimitation(params.Limitation); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry := schema.ResourcesPolicy{
		Id:          uuid.New(),
		Name:        params.Name,
		AccessLevel: params.AccessLevel,
		Limitation:  params.Limitation,
	}
	if result := s.db.Create(&entry); result.Error != nil {
		slog.Error("sql error creating resources policy", "error", result.Error)
		http.Error(w, "unable to create policy", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createPolicyResponse{PolicyId: entry.Id})
}

type updatePolicyRequest struct {
	Limitation schema.Limitation `json:"limitation"`
}

func (s *PolicyService) Update(w http.ResponseWriter, r *http.Request) {
	var params updatePolicyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	policyId, err := utils.URLParamUUID(r, "policy_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := validLimitation(params.Limitation); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := schema.GetResourcesPolicy(policyId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	entry.Limitation = params.Limitation
	result := s.db.Save(&entry)
	if result.Error != nil {
		slog.Error("sql error updating resources policy", "policy_id", policyId, "error", result.Error)
		http.Error(w, "unable to update policy", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type assignPolicyRequest struct {
	UserEmail string `json:"user_email,omitempty"`
	Project   string `json:"project,omitempty"`
	App       string `json:"app,omitempty"`
}

// Assign attaches a policy to a user, project or app. The policy's access
// level must match the target: user policies govern projects, project
// policies govern apps, app policies govern app sub-resources.
func (s *PolicyService) Assign(w http.ResponseWriter, r *http.Request) {
	var params assignPolicyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	policyId, err := utils.URLParamUUID(r, "policy_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := schema.GetResourcesPolicy(policyId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var target *gorm.DB
	switch {
	case params.UserEmail != "":
		if entry.AccessLevel != schema.LevelSystem {
			http.Error(w, "policy access level does not govern users", http.StatusBadRequest)
			return
		}
		user, err := schema.GetUserByEmail(params.UserEmail, s.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		target = s.db.Model(&schema.User{}).Where("id = ?", user.Id)
	case params.Project != "" && params.App != "":
		if entry.AccessLevel != schema.LevelApp {
			http.Error(w, "policy access level does not govern apps", http.StatusBadRequest)
			return
		}
		project, err := schema.GetProject(params.Project, s.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		app, err := schema.GetApp(project.Id, params.App, s.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		target = s.db.Model(&schema.App{}).Where("id = ?", app.Id)
	case params.Project != "":
		if entry.AccessLevel != schema.LevelProject {
			http.Error(w, "policy access level does not govern projects", http.StatusBadRequest)
			return
		}
		project, err := schema.GetProject(params.Project, s.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		target = s.db.Model(&schema.Project{}).Where("id = ?", project.Id)
	default:
		http.Error(w, "assignment target must be specified", http.StatusBadRequest)
		return
	}

	if err := s.assign(target, entry.Id); err != nil {
		http.Error(w, "unable to assign policy", http.StatusInternalServerError)
		return
	}
	utils.WriteSuccess(w)
}

func (s *PolicyService) assign(query *gorm.DB, policyId uuid.UUID) error {
	result := query.Update("resources_policy_id", policyId)
	if result.Error != nil {
		slog.Error("sql error assigning resources policy", "policy_id", policyId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

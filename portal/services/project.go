package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"apphost/portal/appstore"
	"apphost/portal/auth"
	"apphost/portal/policy"
	"apphost/portal/schema"
	"apphost/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const invitationLifetime = 72 * time.Hour

var (
	ErrAlreadyAccredited = errors.New("user already holds the requested accreditation")
	ErrOwnerImmutable    = errors.New("the owner accreditation can never be assigned or removed")
)

type ProjectService struct {
	db       *gorm.DB
	store    appstore.Store
	policies *policy.Engine
	sessions *auth.SessionManager
	auditLog *auth.AuditLogger

	// apps handles the nested /{project_name}/app routes.
	apps *AppService
}

func (s *ProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.sessions.AuthMiddleware(s.db, s.auditLog)...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(s.db, auth.MustParsePermission("projects:0:create")))
		r.Post("/create", s.Create)
	})

	r.Get("/list", s.List)
	r.Post("/invitations/accept", s.AcceptInvitation)

	r.Route("/{project_name}", func(r chi.Router) {
		r.With(auth.RequirePermission(s.db, auth.MustParsePermission("projects:1:delete"))).
			Delete("/", s.Delete)

		r.Route("/members", func(r chi.Router) {
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("members:1:create"))).
				Post("/", s.AddMember)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("members:1:read"))).
				Get("/", s.ListMembers)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("members:1:delete"))).
				Delete("/{user_id}", s.RemoveMember)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("members:1:update"))).
				Post("/{user_id}/accreditation", s.UpdateMemberAccreditation)
		})

		r.With(auth.RequirePermission(s.db, auth.MustParsePermission("members:1:invite"))).
			Post("/invitations", s.CreateInvitation)

		r.Mount("/app", s.apps.Routes())
	})

	return r
}

type createProjectRequest struct {
	Name string `json:"name"`
}

type createProjectResponse struct {
	ProjectId uuid.UUID `json:"project_id"`
}

func (s *ProjectService) Create(w http.ResponseWriter, r *http.Request) {
	var params createProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := validResourceName(params.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if !checkQuota(w, r, s.policies, schema.KindProjects, "", "") {
		return
	}

	project := schema.Project{Id: uuid.New(), Name: params.Name, UserId: user.Id}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.Project
		result := txn.Limit(1).Find(&existing, "name = ?", params.Name)
		if result.Error != nil {
			slog.Error("sql error checking for existing project", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(fmt.Errorf("project %v already exists", params.Name), http.StatusConflict)
		}

		defaultPolicy, err := schema.DefaultPolicy(schema.LevelProject, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		project.ResourcesPolicyId = defaultPolicy.Id

		if result := txn.Create(&project); result.Error != nil {
			slog.Error("sql error creating project", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		owner, err := schema.GetAccreditationBySlug(schema.OwnerSlug, schema.LevelProject, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}

		member := schema.ProjectMember{ProjectId: project.Id, UserId: user.Id, AccreditationId: owner.Id}
		if result := txn.Create(&member); result.Error != nil {
			slog.Error("sql error creating project owner membership", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if err := s.store.EnsureProject(r.Context(), params.Name); err != nil {
		slog.Error("error provisioning project in cluster store", "project", params.Name, "error", err)
		http.Error(w, "project created but cluster provisioning failed", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createProjectResponse{ProjectId: project.Id})
}

type projectInfo struct {
	Id    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Owner uuid.UUID `json:"owner"`
}

type listProjectsResponse struct {
	Projects []projectInfo `json:"projects"`
}

func (s *ProjectService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	systemRead, err := auth.Authorize(s.db, user.Id, auth.MustParsePermission("projects:0:read"), auth.Scope{})
	if err != nil {
		http.Error(w, "unable to resolve permissions", http.StatusInternalServerError)
		return
	}

	var projects []schema.Project
	query := s.db
	if !systemRead {
		query = query.
			Joins("left join project_members on project_members.project_id = projects.id").
			Where("projects.user_id = ? or project_members.user_id = ?", user.Id, user.Id).
			Distinct("projects.*")
	}
	if result := query.Find(&projects); result.Error != nil {
		slog.Error("sql error listing projects", "error", result.Error)
		http.Error(w, "unable to list projects", http.StatusInternalServerError)
		return
	}

	res := listProjectsResponse{Projects: make([]projectInfo, 0, len(projects))}
	for _, project := range projects {
		res.Projects = append(res.Projects, projectInfo{Id: project.Id, Name: project.Name, Owner: project.UserId})
	}
	utils.WriteJsonResponse(w, res)
}

func (s *ProjectService) Delete(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "project_name")

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if result := s.db.Select("Members", "Apps").Delete(&project); result.Error != nil {
		slog.Error("sql error deleting project", "project", projectName, "error", result.Error)
		http.Error(w, "unable to delete project", http.StatusInternalServerError)
		return
	}

	if err := s.store.DeleteProject(r.Context(), projectName); err != nil {
		slog.Error("error deleting project from cluster store", "project", projectName, "error", err)
		http.Error(w, "project deleted but cluster cleanup failed", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type addMemberRequest struct {
	Email         string `json:"email"`
	Accreditation string `json:"accreditation"`
}

func (s *ProjectService) AddMember(w http.ResponseWriter, r *http.Request) {
	var params addMemberRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Accreditation == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}

	projectName := chi.URLParam(r, "project_name")

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	member, err := schema.GetUserByEmail(params.Email, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	accreditation, err := schema.GetAccreditationBySlug(params.Accreditation, schema.LevelProject, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if _, err := schema.GetProjectMember(project.Id, member.Id, s.db); err == nil {
		http.Error(w, "user is already a member of this project", http.StatusConflict)
		return
	} else if !errors.Is(err, schema.ErrMemberNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entry := schema.ProjectMember{ProjectId: project.Id, UserId: member.Id, AccreditationId: accreditation.Id}
	if result := s.db.Create(&entry); result.Error != nil {
		slog.Error("sql error adding project member", "project", projectName, "error", result.Error)
		http.Error(w, "unable to add member", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type memberInfo struct {
	UserId        uuid.UUID `json:"user_id"`
	Username      string    `json:"username"`
	Accreditation string    `json:"accreditation"`
}

type listMembersResponse struct {
	Members []memberInfo `json:"members"`
}

func (s *ProjectService) ListMembers(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "project_name")

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var members []schema.ProjectMember
	result := s.db.Preload("User").Preload("Accreditation").Find(&members, "project_id = ?", project.Id)
	if result.Error != nil {
		slog.Error("sql error listing project members", "project", projectName, "error", result.Error)
		http.Error(w, "unable to list members", http.StatusInternalServerError)
		return
	}

	res := listMembersResponse{Members: make([]memberInfo, 0, len(members))}
	for _, member := range members {
		info := memberInfo{UserId: member.UserId}
		if member.User != nil {
			info.Username = member.User.Username
		}
		if member.Accreditation != nil {
			info.Accreditation = member.Accreditation.Slug
		}
		res.Members = append(res.Members, info)
	}
	utils.WriteJsonResponse(w, res)
}

func (s *ProjectService) RemoveMember(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "project_name")

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	member, err := schema.GetProjectMember(project.Id, userId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	accreditation, err := schema.GetAccreditation(member.AccreditationId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if accreditation.Slug == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}

	if result := s.db.Delete(&member); result.Error != nil {
		slog.Error("sql error removing project member", "project", projectName, "error", result.Error)
		http.Error(w, "unable to remove member", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type updateAccreditationRequest struct {
	Accreditation string `json:"accreditation"`
}

type cascadeResult struct {
	App     string `json:"app"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type updateAccreditationResponse struct {
	Results []cascadeResult `json:"results"`
}

// UpdateMemberAccreditation changes a member's project accreditation and then
// re-applies the equivalent app-level accreditation on every app in the
// project, one app at a time, reporting per-app outcomes. Apps where the user
// holds the owner accreditation are left untouched.
func (s *ProjectService) UpdateMemberAccreditation(w http.ResponseWriter, r *http.Request) {
	var params updateAccreditationRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	projectName := chi.URLParam(r, "project_name")

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if params.Accreditation == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	member, err := schema.GetProjectMember(project.Id, userId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	current, err := schema.GetAccreditation(member.AccreditationId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if current.Slug == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}
	if current.Slug == params.Accreditation {
		http.Error(w, ErrAlreadyAccredited.Error(), http.StatusConflict)
		return
	}

	projectLevel, err := schema.GetAccreditationBySlug(params.Accreditation, schema.LevelProject, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	appLevel, err := schema.GetAccreditationBySlug(params.Accreditation, schema.LevelApp, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	result := s.db.Model(&schema.ProjectMember{}).
		Where("project_id = ? and user_id = ?", project.Id, userId).
		Update("accreditation_id", projectLevel.Id)
	if result.Error != nil {
		slog.Error("sql error updating member accreditation", "project", projectName, "error", result.Error)
		http.Error(w, "unable to update accreditation", http.StatusInternalServerError)
		return
	}

	var apps []schema.App
	if result := s.db.Find(&apps, "project_id = ?", project.Id); result.Error != nil {
		slog.Error("sql error listing apps for accreditation cascade", "project", projectName, "error", result.Error)
		http.Error(w, "accreditation updated but cascade failed", http.StatusInternalServerError)
		return
	}

	res := updateAccreditationResponse{Results: make([]cascadeResult, 0, len(apps))}
	for _, app := range apps {
		res.Results = append(res.Results, s.cascadeToApp(app, userId, appLevel))
	}
	utils.WriteJsonResponse(w, res)
}

func (s *ProjectService) cascadeToApp(app schema.App, userId uuid.UUID, accreditation schema.Accreditation) cascadeResult {
	existing, err := schema.GetAppCollaborator(app.Id, userId, s.db)
	if err == nil {
		held, err := schema.GetAccreditation(existing.AccreditationId, s.db)
		if err != nil {
			return cascadeResult{App: app.Name, Status: http.StatusInternalServerError, Message: err.Error()}
		}
		if held.Slug == schema.OwnerSlug {
			return cascadeResult{App: app.Name, Status: http.StatusOK, Message: "app owner, accreditation unchanged"}
		}

		result := s.db.Model(&schema.AppCollaborator{}).
			Where("app_id = ? and user_id = ?", app.Id, userId).
			Update("accreditation_id", accreditation.Id)
		if result.Error != nil {
			slog.Error("sql error cascading accreditation", "app", app.Name, "error", result.Error)
			return cascadeResult{App: app.Name, Status: http.StatusInternalServerError, Message: "unable to update collaborator"}
		}
		return cascadeResult{App: app.Name, Status: http.StatusOK, Message: "collaborator accreditation updated"}
	}
	if !errors.Is(err, schema.ErrCollaboratorNotFound) {
		return cascadeResult{App: app.Name, Status: http.StatusInternalServerError, Message: err.Error()}
	}

	entry := schema.AppCollaborator{AppId: app.Id, UserId: userId, AccreditationId: accreditation.Id}
	if result := s.db.Create(&entry); result.Error != nil {
		slog.Error("sql error creating cascaded collaborator", "app", app.Name, "error", result.Error)
		return cascadeResult{App: app.Name, Status: http.StatusInternalServerError, Message: "unable to create collaborator"}
	}
	return cascadeResult{App: app.Name, Status: http.StatusOK, Message: "collaborator accreditation granted"}
}

type createInvitationRequest struct {
	Email         string `json:"email"`
	Accreditation string `json:"accreditation"`
	App           string `json:"app,omitempty"`
}

type createInvitationResponse struct {
	Token string `json:"token"`
}

func (s *ProjectService) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var params createInvitationRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Accreditation == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}

	projectName := chi.URLParam(r, "project_name")

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	level := schema.LevelProject
	var appId *uuid.UUID
	if params.App != "" {
		app, err := schema.GetApp(project.Id, params.App, s.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		appId = &app.Id
		level = schema.LevelApp
	}

	accreditation, err := schema.GetAccreditationBySlug(params.Accreditation, level, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		http.Error(w, "unable to generate invitation token", http.StatusInternalServerError)
		return
	}

	invitation := schema.Invitation{
		Id:              uuid.New(),
		Token:           hex.EncodeToString(tokenBytes),
		Email:           params.Email,
		ProjectId:       project.Id,
		AppId:           appId,
		AccreditationId: accreditation.Id,
		ExpiresAt:       time.Now().UTC().Add(invitationLifetime),
	}
	if result := s.db.Create(&invitation); result.Error != nil {
		slog.Error("sql error creating invitation", "project", projectName, "error", result.Error)
		http.Error(w, "unable to create invitation", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createInvitationResponse{Token: invitation.Token})
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

// AcceptInvitation consumes an invitation token exactly once. The consuming
// user's email must match the invited address.
func (s *ProjectService) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var params acceptInvitationRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		invitation, err := schema.GetInvitationByToken(params.Token, txn)
		if err != nil {
			return CodedError(err, http.StatusNotFound)
		}

		if invitation.Consumed {
			return CodedError(errors.New("invitation has already been used"), http.StatusConflict)
		}
		if time.Now().UTC().After(invitation.ExpiresAt) {
			return CodedError(errors.New("invitation has expired"), http.StatusGone)
		}
		if invitation.Email != user.Email {
			return CodedError(errors.New("invitation was issued for a different account"), http.StatusUnauthorized)
		}

		if invitation.AppId != nil {
			entry := schema.AppCollaborator{AppId: *invitation.AppId, UserId: user.Id, AccreditationId: invitation.AccreditationId}
			if result := txn.Create(&entry); result.Error != nil {
				slog.Error("sql error creating collaborator from invitation", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		} else {
			entry := schema.ProjectMember{ProjectId: invitation.ProjectId, UserId: user.Id, AccreditationId: invitation.AccreditationId}
			if result := txn.Create(&entry); result.Error != nil {
				slog.Error("sql error creating membership from invitation", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		result := txn.Model(&schema.Invitation{}).Where("id = ?", invitation.Id).Update("consumed", true)
		if result.Error != nil {
			slog.Error("sql error consuming invitation", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

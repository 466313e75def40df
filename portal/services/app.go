package services

import (
	"errors"
	"log/slog"
	"net/http"

	"apphost/portal/appstore"
	"apphost/portal/auth"
	"apphost/portal/policy"
	"apphost/portal/resources"
	"apphost/portal/schema"
	"apphost/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AppService is mounted inside the project routes, so requests arrive with
// the session already verified and the user resolved.
type AppService struct {
	db        *gorm.DB
	store     appstore.Store
	policies  *policy.Engine
	mutations *resources.Manager
}

func (s *AppService) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(auth.RequirePermission(s.db, auth.MustParsePermission("apps:1:create"))).
		Post("/create", s.Create)
	r.With(auth.RequirePermission(s.db, auth.MustParsePermission("apps:1:read"))).
		Get("/list", s.List)

	r.Route("/{app_name}", func(r chi.Router) {
		r.With(auth.RequirePermission(s.db, auth.MustParsePermission("apps:2:read"))).
			Get("/", s.Info)
		r.With(auth.RequirePermission(s.db, auth.MustParsePermission("apps:2:delete"))).
			Delete("/", s.Delete)

		r.Route("/collaborators", func(r chi.Router) {
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("collaborators:2:create"))).
				Post("/", s.AddCollaborator)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("collaborators:2:delete"))).
				Delete("/{user_id}", s.RemoveCollaborator)
		})

		r.Route("/containers", func(r chi.Router) {
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("containers:2:create"))).
				Post("/", s.CreateContainer)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("containers:2:update"))).
				Put("/{container_name}", s.UpdateContainer)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("containers:2:delete"))).
				Delete("/{container_name}", s.DeleteContainer)
		})

		r.Route("/domains", func(r chi.Router) {
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("domains:2:create"))).
				Post("/", s.CreateDomain)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("domains:2:update"))).
				Put("/{domain_url}", s.UpdateDomain)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("domains:2:delete"))).
				Delete("/{domain_url}", s.DeleteDomain)
		})

		r.Route("/databases", func(r chi.Router) {
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("databases:2:create"))).
				Post("/", s.CreateDatabase)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("databases:2:update"))).
				Put("/{database_name}", s.UpdateDatabase)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("databases:2:delete"))).
				Delete("/{database_name}", s.DeleteDatabase)
		})

		r.Route("/volumes", func(r chi.Router) {
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("volumes:2:create"))).
				Post("/", s.CreateVolume)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("volumes:2:update"))).
				Put("/{volume_name}", s.UpdateVolume)
			r.With(auth.RequirePermission(s.db, auth.MustParsePermission("volumes:2:delete"))).
				Delete("/{volume_name}", s.DeleteVolume)
		})
	})

	return r
}

func (s *AppService) project(w http.ResponseWriter, r *http.Request) (schema.Project, bool) {
	projectName := chi.URLParam(r, "project_name")

	project, err := schema.GetProject(projectName, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return schema.Project{}, false
	}
	return project, true
}

type createAppRequest struct {
	Name string `json:"name"`
}

type createAppResponse struct {
	AppId uuid.UUID `json:"app_id"`
}

func (s *AppService) Create(w http.ResponseWriter, r *http.Request) {
	var params createAppRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := validResourceName(params.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, ok := s.project(w, r)
	if !ok {
		return
	}

	if !checkQuota(w, r, s.policies, schema.KindApps, project.Name, "") {
		return
	}

	app := schema.App{Id: uuid.New(), Name: params.Name, ProjectId: project.Id}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.App
		result := txn.Limit(1).Find(&existing, "project_id = ? and name = ?", project.Id, params.Name)
		if result.Error != nil {
			slog.Error("sql error checking for existing app", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(errors.New("an app with this name already exists in the project"), http.StatusConflict)
		}

		defaultPolicy, err := schema.DefaultPolicy(schema.LevelApp, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		app.ResourcesPolicyId = defaultPolicy.Id

		if result := txn.Create(&app); result.Error != nil {
			slog.Error("sql error creating app entry", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		user, err := auth.UserFromContext(r)
		if err != nil {
			return CodedError(err, http.StatusUnauthorized)
		}

		owner, err := schema.GetAccreditationBySlug(schema.OwnerSlug, schema.LevelApp, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}

		collaborator := schema.AppCollaborator{AppId: app.Id, UserId: user.Id, AccreditationId: owner.Id}
		if result := txn.Create(&collaborator); result.Error != nil {
			slog.Error("sql error creating app owner collaborator", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if err := s.store.CreateApp(r.Context(), project.Name, params.Name); err != nil && err != appstore.ErrAppObjectExists {
		slog.Error("error creating app object in cluster store", "app", params.Name, "error", err)
		http.Error(w, "app registered but cluster provisioning failed", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createAppResponse{AppId: app.Id})
}

type appInfo struct {
	Id   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type listAppsResponse struct {
	Apps []appInfo `json:"apps"`
}

func (s *AppService) List(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}

	var apps []schema.App
	if result := s.db.Find(&apps, "project_id = ?", project.Id); result.Error != nil {
		slog.Error("sql error listing apps", "project", project.Name, "error", result.Error)
		http.Error(w, "unable to list apps", http.StatusInternalServerError)
		return
	}

	res := listAppsResponse{Apps: make([]appInfo, 0, len(apps))}
	for _, app := range apps {
		res.Apps = append(res.Apps, appInfo{Id: app.Id, Name: app.Name})
	}
	utils.WriteJsonResponse(w, res)
}

type appDetailResponse struct {
	Id   uuid.UUID        `json:"id"`
	Name string           `json:"name"`
	Spec appstore.AppSpec `json:"spec"`
}

// Info returns the registered app plus its live spec read from the cluster
// store at request time.
func (s *AppService) Info(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}

	appName := chi.URLParam(r, "app_name")

	app, err := schema.GetApp(project.Id, appName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	object, err := s.store.GetApp(r.Context(), project.Name, appName)
	if err != nil {
		if err == appstore.ErrAppObjectNotFound {
			http.Error(w, "app is registered but missing from the cluster", http.StatusNotFound)
			return
		}
		slog.Error("error fetching app object", "app", appName, "error", err)
		http.Error(w, "unable to fetch app", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, appDetailResponse{Id: app.Id, Name: app.Name, Spec: object.Spec})
}

func (s *AppService) Delete(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}

	appName := chi.URLParam(r, "app_name")

	app, err := schema.GetApp(project.Id, appName, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if result := s.db.Select("Collaborators").Delete(&app); result.Error != nil {
		slog.Error("sql error deleting app entry", "app", appName, "error", result.Error)
		http.Error(w, "unable to delete app", http.StatusInternalServerError)
		return
	}

	if err := s.store.DeleteApp(r.Context(), project.Name, appName); err != nil && err != appstore.ErrAppObjectNotFound {
		slog.Error("error deleting app object from cluster store", "app", appName, "error", err)
		http.Error(w, "app unregistered but cluster cleanup failed", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type addCollaboratorRequest struct {
	Email         string `json:"email"`
	Accreditation string `json:"accreditation"`
}

func (s *AppService) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	var params addCollaboratorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Accreditation == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}

	project, ok := s.project(w, r)
	if !ok {
		return
	}

	app, err := schema.GetApp(project.Id, chi.URLParam(r, "app_name"), s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	collaborator, err := schema.GetUserByEmail(params.Email, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	accreditation, err := schema.GetAccreditationBySlug(params.Accreditation, schema.LevelApp, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if _, err := schema.GetAppCollaborator(app.Id, collaborator.Id, s.db); err == nil {
		http.Error(w, "user is already a collaborator on this app", http.StatusConflict)
		return
	} else if !errors.Is(err, schema.ErrCollaboratorNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entry := schema.AppCollaborator{AppId: app.Id, UserId: collaborator.Id, AccreditationId: accreditation.Id}
	if result := s.db.Create(&entry); result.Error != nil {
		slog.Error("sql error adding app collaborator", "app", app.Name, "error", result.Error)
		http.Error(w, "unable to add collaborator", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *AppService) RemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	app, err := schema.GetApp(project.Id, chi.URLParam(r, "app_name"), s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	collaborator, err := schema.GetAppCollaborator(app.Id, userId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	held, err := schema.GetAccreditation(collaborator.AccreditationId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if held.Slug == schema.OwnerSlug {
		http.Error(w, ErrOwnerImmutable.Error(), http.StatusUnauthorized)
		return
	}

	if result := s.db.Delete(&collaborator); result.Error != nil {
		slog.Error("sql error removing app collaborator", "app", app.Name, "error", result.Error)
		http.Error(w, "unable to remove collaborator", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

// scope resolves the project/app pair for sub-resource mutations. The app
// must be registered with the portal even though the mutation itself only
// touches the cluster object.
func (s *AppService) scope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	project, ok := s.project(w, r)
	if !ok {
		return "", "", false
	}

	appName := chi.URLParam(r, "app_name")
	if _, err := schema.GetApp(project.Id, appName, s.db); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", "", false
	}

	return project.Name, appName, true
}

func (s *AppService) CreateContainer(w http.ResponseWriter, r *http.Request) {
	var container appstore.Container
	if !utils.ParseRequestBody(w, r, &container) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	if !checkQuota(w, r, s.policies, schema.KindContainers, project, app) {
		return
	}

	writeResult(w, s.mutations.CreateContainer(r.Context(), project, app, container))
}

func (s *AppService) UpdateContainer(w http.ResponseWriter, r *http.Request) {
	var container appstore.Container
	if !utils.ParseRequestBody(w, r, &container) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "container_name")
	writeResult(w, s.mutations.UpdateContainer(r.Context(), project, app, name, container))
}

func (s *AppService) DeleteContainer(w http.ResponseWriter, r *http.Request) {
	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "container_name")
	writeResult(w, s.mutations.DeleteContainer(r.Context(), project, app, name))
}

func (s *AppService) CreateDomain(w http.ResponseWriter, r *http.Request) {
	var domain appstore.Domain
	if !utils.ParseRequestBody(w, r, &domain) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	if !checkQuota(w, r, s.policies, schema.KindDomains, project, app) {
		return
	}

	writeResult(w, s.mutations.CreateDomain(r.Context(), project, app, domain))
}

func (s *AppService) UpdateDomain(w http.ResponseWriter, r *http.Request) {
	var domain appstore.Domain
	if !utils.ParseRequestBody(w, r, &domain) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	url := chi.URLParam(r, "domain_url")
	writeResult(w, s.mutations.UpdateDomain(r.Context(), project, app, url, domain))
}

func (s *AppService) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	url := chi.URLParam(r, "domain_url")
	writeResult(w, s.mutations.DeleteDomain(r.Context(), project, app, url))
}

func (s *AppService) CreateDatabase(w http.ResponseWriter, r *http.Request) {
	var database appstore.Database
	if !utils.ParseRequestBody(w, r, &database) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	if !checkQuota(w, r, s.policies, schema.KindDatabases, project, app) {
		return
	}

	writeResult(w, s.mutations.CreateDatabase(r.Context(), project, app, database))
}

func (s *AppService) UpdateDatabase(w http.ResponseWriter, r *http.Request) {
	var database appstore.Database
	if !utils.ParseRequestBody(w, r, &database) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "database_name")
	writeResult(w, s.mutations.UpdateDatabase(r.Context(), project, app, name, database))
}

func (s *AppService) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "database_name")
	writeResult(w, s.mutations.DeleteDatabase(r.Context(), project, app, name))
}

func (s *AppService) CreateVolume(w http.ResponseWriter, r *http.Request) {
	var volume appstore.Volume
	if !utils.ParseRequestBody(w, r, &volume) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	if !checkQuota(w, r, s.policies, schema.KindVolumes, project, app) {
		return
	}

	writeResult(w, s.mutations.CreateVolume(r.Context(), project, app, volume))
}

func (s *AppService) UpdateVolume(w http.ResponseWriter, r *http.Request) {
	var volume appstore.Volume
	if !utils.ParseRequestBody(w, r, &volume) {
		return
	}

	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "volume_name")
	writeResult(w, s.mutations.UpdateVolume(r.Context(), project, app, name, volume))
}

func (s *AppService) DeleteVolume(w http.ResponseWriter, r *http.Request) {
	project, app, ok := s.scope(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "volume_name")
	writeResult(w, s.mutations.DeleteVolume(r.Context(), project, app, name))
}

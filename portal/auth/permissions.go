package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"apphost/portal/schema"
	"apphost/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrMalformedPermission = errors.New("malformed permission, expected kind:level:action")

var validKinds = map[string]struct{}{
	schema.KindProjects: {}, schema.KindApps: {}, schema.KindContainers: {},
	schema.KindDomains: {}, schema.KindDatabases: {}, schema.KindVolumes: {},
	schema.KindSecrets: {}, schema.KindCollaborators: {}, schema.KindMembers: {},
	schema.KindUsers: {}, schema.KindResourcesPolicy: {},
}

var validActions = map[string]struct{}{
	"create": {}, "read": {}, "update": {}, "delete": {}, "invite": {},
}

// Permission is the parsed form of the kind:level:action permission string.
// Parsing happens once at the route definition so handlers never deal with
// raw strings.
type Permission struct {
	Kind   string
	Level  int
	Action string
}

func (p Permission) String() string {
	return fmt.Sprintf("%v:%d:%v", p.Kind, p.Level, p.Action)
}

func ParsePermission(permission string) (Permission, error) {
	tokens := strings.Split(permission, ":")
	if len(tokens) != 3 {
		return Permission{}, ErrMalformedPermission
	}

	if _, ok := validKinds[tokens[0]]; !ok {
		return Permission{}, fmt.Errorf("%w: unknown kind '%v'", ErrMalformedPermission, tokens[0])
	}

	level, err := strconv.Atoi(tokens[1])
	if err != nil || level < schema.LevelSystem || level > schema.LevelApp {
		return Permission{}, fmt.Errorf("%w: invalid level '%v'", ErrMalformedPermission, tokens[1])
	}

	if _, ok := validActions[tokens[2]]; !ok {
		return Permission{}, fmt.Errorf("%w: unknown action '%v'", ErrMalformedPermission, tokens[2])
	}

	return Permission{Kind: tokens[0], Level: level, Action: tokens[2]}, nil
}

// MustParsePermission is for route tables where the permission is a literal.
func MustParsePermission(permission string) Permission {
	p, err := ParsePermission(permission)
	if err != nil {
		panic(err)
	}
	return p
}

// Scope identifies the project (and optionally app) a permission request is
// evaluated against. Both are names, the natural keys used in routes.
type Scope struct {
	Project string
	App     string
}

// Authorize walks system accreditation, then project membership, then app
// collaboration. Missing records are a deny, never an error; only store
// failures surface as errors.
func Authorize(db *gorm.DB, userId uuid.UUID, perm Permission, scope Scope) (bool, error) {
	user, err := schema.GetUser(userId, db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	// System accreditations short-circuit every lower check.
	if user.AccreditationId != nil {
		accreditation, err := schema.GetAccreditation(*user.AccreditationId, db)
		if err != nil {
			if !errors.Is(err, schema.ErrAccreditationNotFound) {
				return false, err
			}
		} else if accreditation.Authorizations.Allows(perm.Kind, perm.Action) {
			return true, nil
		}
	}

	switch perm.Level {
	case schema.LevelSystem:
		return false, nil

	case schema.LevelProject:
		if scope.Project == "" {
			return false, nil
		}
		return projectGrant(db, userId, perm, scope.Project)

	case schema.LevelApp:
		if scope.Project == "" || scope.App == "" {
			return false, nil
		}

		// A project-level grant satisfies an app-level action.
		allowed, err := projectGrant(db, userId, perm, scope.Project)
		if err != nil || allowed {
			return allowed, err
		}
		return appGrant(db, userId, perm, scope)

	default:
		return false, nil
	}
}

func projectGrant(db *gorm.DB, userId uuid.UUID, perm Permission, projectName string) (bool, error) {
	project, err := schema.GetProject(projectName, db)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			return false, nil
		}
		return false, err
	}

	member, err := schema.GetProjectMember(project.Id, userId, db)
	if err != nil {
		if errors.Is(err, schema.ErrMemberNotFound) {
			return false, nil
		}
		return false, err
	}

	accreditation, err := schema.GetAccreditation(member.AccreditationId, db)
	if err != nil {
		if errors.Is(err, schema.ErrAccreditationNotFound) {
			return false, nil
		}
		return false, err
	}

	return accreditation.Authorizations.Allows(perm.Kind, perm.Action), nil
}

func appGrant(db *gorm.DB, userId uuid.UUID, perm Permission, scope Scope) (bool, error) {
	project, err := schema.GetProject(scope.Project, db)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			return false, nil
		}
		return false, err
	}

	app, err := schema.GetApp(project.Id, scope.App, db)
	if err != nil {
		if errors.Is(err, schema.ErrAppNotFound) {
			return false, nil
		}
		return false, err
	}

	collaborator, err := schema.GetAppCollaborator(app.Id, userId, db)
	if err != nil {
		if errors.Is(err, schema.ErrCollaboratorNotFound) {
			return false, nil
		}
		return false, err
	}

	accreditation, err := schema.GetAccreditation(collaborator.AccreditationId, db)
	if err != nil {
		if errors.Is(err, schema.ErrAccreditationNotFound) {
			return false, nil
		}
		return false, err
	}

	return accreditation.Authorizations.Allows(perm.Kind, perm.Action), nil
}

// RequirePermission gates a route on the given permission, resolving the
// scope from the {project_name} and {app_name} url params. Denials return a
// generic 401 so callers cannot probe for resource existence.
func RequirePermission(db *gorm.DB, perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			scope := Scope{}
			if perm.Level >= schema.LevelProject {
				project, err := utils.URLParam(r, "project_name")
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				scope.Project = project
			}
			if perm.Level == schema.LevelApp {
				app, err := utils.URLParam(r, "app_name")
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				scope.App = app
			}

			allowed, err := Authorize(db, user.Id, perm, scope)
			if err != nil {
				http.Error(w, "error resolving permissions", http.StatusInternalServerError)
				return
			}

			if !allowed {
				http.Error(w, fmt.Sprintf("user is not authorized for %v", perm), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

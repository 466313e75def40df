package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrProjectNotFound       = errors.New("project not found")
	ErrAppNotFound           = errors.New("app not found")
	ErrAccreditationNotFound = errors.New("accreditation not found")
	ErrMemberNotFound        = errors.New("project member not found")
	ErrCollaboratorNotFound  = errors.New("app collaborator not found")
	ErrPolicyNotFound        = errors.New("resources policy not found")
	ErrInvitationNotFound    = errors.New("invitation not found")
	ErrDbAccessFailed        = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByEmail(email string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by email", "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetProject(name string, db *gorm.DB) (Project, error) {
	var project Project

	result := db.First(&project, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return project, ErrProjectNotFound
		}
		slog.Error("sql error in get project", "project", name, "error", result.Error)
		return project, ErrDbAccessFailed
	}

	return project, nil
}

func GetApp(projectId uuid.UUID, name string, db *gorm.DB) (App, error) {
	var app App

	result := db.First(&app, "project_id = ? and name = ?", projectId, name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return app, ErrAppNotFound
		}
		slog.Error("sql error in get app", "project_id", projectId, "app", name, "error", result.Error)
		return app, ErrDbAccessFailed
	}

	return app, nil
}

func GetAccreditation(accreditationId uuid.UUID, db *gorm.DB) (Accreditation, error) {
	var accreditation Accreditation

	result := db.First(&accreditation, "id = ?", accreditationId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return accreditation, ErrAccreditationNotFound
		}
		slog.Error("sql error in get accreditation", "accreditation_id", accreditationId, "error", result.Error)
		return accreditation, ErrDbAccessFailed
	}

	return accreditation, nil
}

// GetAccreditationBySlug resolves a slug within one access level. Slugs are
// only unique per level, so the level is part of the key.
func GetAccreditationBySlug(slug string, accessLevel int, db *gorm.DB) (Accreditation, error) {
	var accreditation Accreditation

	result := db.First(&accreditation, "slug = ? and access_level = ?", slug, accessLevel)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return accreditation, ErrAccreditationNotFound
		}
		slog.Error("sql error in get accreditation by slug", "slug", slug, "access_level", accessLevel, "error", result.Error)
		return accreditation, ErrDbAccessFailed
	}

	return accreditation, nil
}

func GetProjectMember(projectId, userId uuid.UUID, db *gorm.DB) (ProjectMember, error) {
	var member ProjectMember

	result := db.First(&member, "project_id = ? and user_id = ?", projectId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return member, ErrMemberNotFound
		}
		slog.Error("sql error in get project member", "project_id", projectId, "user_id", userId, "error", result.Error)
		return member, ErrDbAccessFailed
	}

	return member, nil
}

func GetAppCollaborator(appId, userId uuid.UUID, db *gorm.DB) (AppCollaborator, error) {
	var collaborator AppCollaborator

	result := db.First(&collaborator, "app_id = ? and user_id = ?", appId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return collaborator, ErrCollaboratorNotFound
		}
		slog.Error("sql error in get app collaborator", "app_id", appId, "user_id", userId, "error", result.Error)
		return collaborator, ErrDbAccessFailed
	}

	return collaborator, nil
}

func GetResourcesPolicy(policyId uuid.UUID, db *gorm.DB) (ResourcesPolicy, error) {
	var policy ResourcesPolicy

	result := db.First(&policy, "id = ?", policyId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return policy, ErrPolicyNotFound
		}
		slog.Error("sql error in get resources policy", "policy_id", policyId, "error", result.Error)
		return policy, ErrDbAccessFailed
	}

	return policy, nil
}

func GetInvitationByToken(token string, db *gorm.DB) (Invitation, error) {
	var invitation Invitation

	result := db.First(&invitation, "token = ?", token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return invitation, ErrInvitationNotFound
		}
		slog.Error("sql error in get invitation", "error", result.Error)
		return invitation, ErrDbAccessFailed
	}

	return invitation, nil
}

func CountProjectsOwnedBy(userId uuid.UUID, db *gorm.DB) (int64, error) {
	var count int64
	result := db.Model(&Project{}).Where("user_id = ?", userId).Count(&count)
	if result.Error != nil {
		slog.Error("sql error counting projects for user", "user_id", userId, "error", result.Error)
		return 0, ErrDbAccessFailed
	}
	return count, nil
}

func CountAppsInProject(projectId uuid.UUID, db *gorm.DB) (int64, error) {
	var count int64
	result := db.Model(&App{}).Where("project_id = ?", projectId).Count(&count)
	if result.Error != nil {
		slog.Error("sql error counting apps in project", "project_id", projectId, "error", result.Error)
		return 0, ErrDbAccessFailed
	}
	return count, nil
}

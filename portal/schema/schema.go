package schema

import (
	"time"

	"github.com/google/uuid"
)

// Resource kinds that accreditations and resources policies refer to.
const (
	KindProjects        = "projects"
	KindApps            = "apps"
	KindContainers      = "containers"
	KindDomains         = "domains"
	KindDatabases       = "databases"
	KindVolumes         = "volumes"
	KindSecrets         = "secrets"
	KindCollaborators   = "collaborators"
	KindMembers         = "members"
	KindUsers           = "users"
	KindResourcesPolicy = "resourcesPolicy"
)

// Access levels for accreditations and resources policies.
const (
	LevelSystem  = 0
	LevelProject = 1
	LevelApp     = 2
)

// OwnerSlug marks the creator of a resource. It is immutable: it can never
// be assigned or removed through an accreditation update.
const OwnerSlug = "own"

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	// TwoFactorSecret is the AEAD ciphertext of the TOTP secret, nil until
	// the user enrolls. TwoFactorDisabled is the persisted opt-out; the
	// session token flag is only a cache of this field.
	TwoFactorSecret   []byte
	TwoFactorDisabled bool `gorm:"not null;default:false"`

	AccreditationId *uuid.UUID     `gorm:"type:uuid"`
	Accreditation   *Accreditation `gorm:"constraint:OnDelete:SET NULL"`

	ResourcesPolicyId uuid.UUID `gorm:"type:uuid;not null"`
	ResourcesPolicy   *ResourcesPolicy
}

// Authorizations is the permission payload of an accreditation. Level orders
// accreditations within an access level for listing only; it never takes part
// in permission decisions.
type Authorizations struct {
	Level  int                 `json:"level"`
	Grants map[string][]string `json:"grants"`
}

func (a Authorizations) Allows(kind, action string) bool {
	for _, granted := range a.Grants[kind] {
		if granted == action {
			return true
		}
	}
	return false
}

// Accreditation is a named permission bundle. Slug is unique within an access
// level but may repeat across levels (the cascade relies on this to map a
// project slug to its app-level equivalent).
type Accreditation struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Slug        string `gorm:"size:20;not null;uniqueIndex:idx_slug_level"`
	AccessLevel int    `gorm:"not null;uniqueIndex:idx_slug_level"`

	Authorizations Authorizations `gorm:"serializer:json"`
}

// Limitation maps a resource kind to its creation limit. -1 means unlimited.
type Limitation map[string]int

type ResourcesPolicy struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:100;not null;uniqueIndex:idx_policy_name_level"`
	AccessLevel int    `gorm:"not null;uniqueIndex:idx_policy_name_level"`

	Limitation Limitation `gorm:"serializer:json"`
}

type Project struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"unique;size:63;not null"`

	UserId uuid.UUID `gorm:"type:uuid;not null"`
	User   *User

	ResourcesPolicyId uuid.UUID `gorm:"type:uuid;not null"`
	ResourcesPolicy   *ResourcesPolicy

	Members []ProjectMember `gorm:"constraint:OnDelete:CASCADE"`
	Apps    []App           `gorm:"constraint:OnDelete:CASCADE"`
}

// ProjectMember grants a user a level-1 accreditation on a project.
type ProjectMember struct {
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    uuid.UUID `gorm:"type:uuid;primaryKey"`

	AccreditationId uuid.UUID `gorm:"type:uuid;not null"`

	Project       *Project       `gorm:"constraint:OnDelete:CASCADE"`
	User          *User          `gorm:"constraint:OnDelete:CASCADE"`
	Accreditation *Accreditation `gorm:"constraint:OnDelete:CASCADE"`
}

// App is the portal record of an app. Its sub-resources (containers, domains,
// databases, volumes) live in the cluster store object keyed by project+app
// name, not in this table.
type App struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"size:63;not null;uniqueIndex:idx_app_name_project"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_app_name_project"`
	Project   *Project  `gorm:"constraint:OnDelete:CASCADE"`

	ResourcesPolicyId uuid.UUID `gorm:"type:uuid;not null"`
	ResourcesPolicy   *ResourcesPolicy

	Collaborators []AppCollaborator `gorm:"constraint:OnDelete:CASCADE"`
}

// AppCollaborator grants a user a level-2 accreditation on an app,
// independently of any project membership.
type AppCollaborator struct {
	AppId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId uuid.UUID `gorm:"type:uuid;primaryKey"`

	AccreditationId uuid.UUID `gorm:"type:uuid;not null"`

	App           *App           `gorm:"constraint:OnDelete:CASCADE"`
	User          *User          `gorm:"constraint:OnDelete:CASCADE"`
	Accreditation *Accreditation `gorm:"constraint:OnDelete:CASCADE"`
}

// Invitation is a short-lived token mapping to a pending membership or
// collaborator grant. Consumed exactly once.
type Invitation struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Token string    `gorm:"unique;size:64;not null"`
	Email string    `gorm:"size:254;not null"`

	ProjectId uuid.UUID  `gorm:"type:uuid;not null"`
	AppId     *uuid.UUID `gorm:"type:uuid"`

	AccreditationId uuid.UUID `gorm:"type:uuid;not null"`

	ExpiresAt time.Time `gorm:"not null"`
	Consumed  bool      `gorm:"not null;default:false"`
}

// Tables returns every model migrated by the portal, in dependency order.
func Tables() []interface{} {
	return []interface{}{
		&Accreditation{}, &ResourcesPolicy{}, &User{},
		&Project{}, &ProjectMember{}, &App{}, &AppCollaborator{},
		&Invitation{},
	}
}

package schema

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Default accreditation slugs seeded at startup. "root" is the system-wide
// administrator bundle, "usr" is the default bundle assigned to every new
// user. "own", "adm" and "mem" exist at both project and app level so the
// membership cascade can map a project slug to its app-level equivalent.
const (
	RootSlug   = "root"
	UserSlug   = "usr"
	AdminSlug  = "adm"
	MemberSlug = "mem"
)

const DefaultPolicyName = "default"

func allActions() []string {
	return []string{"create", "read", "update", "delete"}
}

func defaultAccreditations() []Accreditation {
	fullAppResources := map[string][]string{
		KindContainers: allActions(),
		KindDomains:    allActions(),
		KindDatabases:  allActions(),
		KindVolumes:    allActions(),
		KindSecrets:    allActions(),
	}

	withAppResources := func(grants map[string][]string) map[string][]string {
		for kind, actions := range fullAppResources {
			grants[kind] = actions
		}
		return grants
	}

	readOnlyResources := map[string][]string{
		KindContainers: {"read"},
		KindDomains:    {"read"},
		KindDatabases:  {"read"},
		KindVolumes:    {"read"},
	}

	rootGrants := withAppResources(map[string][]string{
		KindProjects:        allActions(),
		KindApps:            allActions(),
		KindMembers:         append(allActions(), "invite"),
		KindCollaborators:   append(allActions(), "invite"),
		KindUsers:           allActions(),
		KindResourcesPolicy: allActions(),
	})

	return []Accreditation{
		{Slug: RootSlug, AccessLevel: LevelSystem, Authorizations: Authorizations{Level: 0, Grants: rootGrants}},
		{Slug: UserSlug, AccessLevel: LevelSystem, Authorizations: Authorizations{Level: 1, Grants: map[string][]string{
			KindProjects: {"create"},
		}}},

		{Slug: OwnerSlug, AccessLevel: LevelProject, Authorizations: Authorizations{Level: 0, Grants: withAppResources(map[string][]string{
			KindProjects:      {"read", "update", "delete"},
			KindApps:          allActions(),
			KindMembers:       append(allActions(), "invite"),
			KindCollaborators: append(allActions(), "invite"),
		})}},
		{Slug: AdminSlug, AccessLevel: LevelProject, Authorizations: Authorizations{Level: 1, Grants: withAppResources(map[string][]string{
			KindProjects:      {"read", "update"},
			KindApps:          allActions(),
			KindMembers:       append(allActions(), "invite"),
			KindCollaborators: append(allActions(), "invite"),
		})}},
		{Slug: MemberSlug, AccessLevel: LevelProject, Authorizations: Authorizations{Level: 2, Grants: map[string][]string{
			KindProjects:   {"read"},
			KindApps:       {"read"},
			KindContainers: readOnlyResources[KindContainers],
			KindDomains:    readOnlyResources[KindDomains],
			KindDatabases:  readOnlyResources[KindDatabases],
			KindVolumes:    readOnlyResources[KindVolumes],
		}}},

		{Slug: OwnerSlug, AccessLevel: LevelApp, Authorizations: Authorizations{Level: 0, Grants: withAppResources(map[string][]string{
			KindApps:          {"read", "update", "delete"},
			KindCollaborators: append(allActions(), "invite"),
		})}},
		{Slug: AdminSlug, AccessLevel: LevelApp, Authorizations: Authorizations{Level: 1, Grants: withAppResources(map[string][]string{
			KindApps:          {"read", "update"},
			KindCollaborators: append(allActions(), "invite"),
		})}},
		{Slug: MemberSlug, AccessLevel: LevelApp, Authorizations: Authorizations{Level: 2, Grants: map[string][]string{
			KindApps:       {"read"},
			KindContainers: readOnlyResources[KindContainers],
			KindDomains:    readOnlyResources[KindDomains],
			KindDatabases:  readOnlyResources[KindDatabases],
			KindVolumes:    readOnlyResources[KindVolumes],
		}}},
	}
}

func defaultPolicies() []ResourcesPolicy {
	return []ResourcesPolicy{
		{Name: DefaultPolicyName, AccessLevel: LevelSystem, Limitation: Limitation{KindProjects: 3}},
		{Name: DefaultPolicyName, AccessLevel: LevelProject, Limitation: Limitation{KindApps: 10}},
		{Name: DefaultPolicyName, AccessLevel: LevelApp, Limitation: Limitation{
			KindContainers: 5,
			KindDomains:    5,
			KindDatabases:  2,
			KindVolumes:    5,
		}},
	}
}

// SeedDefaults inserts the built-in accreditations and resources policies if
// they are not already present. Existing rows with the same slug/name and
// access level are left untouched so operator edits survive restarts.
func SeedDefaults(db *gorm.DB) error {
	return db.Transaction(func(txn *gorm.DB) error {
		for _, accreditation := range defaultAccreditations() {
			var existing Accreditation
			result := txn.Limit(1).Find(&existing, "slug = ? and access_level = ?", accreditation.Slug, accreditation.AccessLevel)
			if result.Error != nil {
				slog.Error("sql error checking for existing accreditation", "slug", accreditation.Slug, "error", result.Error)
				return ErrDbAccessFailed
			}
			if result.RowsAffected != 0 {
				continue
			}

			accreditation.Id = uuid.New()
			if result := txn.Create(&accreditation); result.Error != nil {
				slog.Error("sql error seeding accreditation", "slug", accreditation.Slug, "error", result.Error)
				return ErrDbAccessFailed
			}
		}

		for _, policy := range defaultPolicies() {
			var existing ResourcesPolicy
			result := txn.Limit(1).Find(&existing, "name = ? and access_level = ?", policy.Name, policy.AccessLevel)
			if result.Error != nil {
				slog.Error("sql error checking for existing resources policy", "name", policy.Name, "error", result.Error)
				return ErrDbAccessFailed
			}
			if result.RowsAffected != 0 {
				continue
			}

			policy.Id = uuid.New()
			if result := txn.Create(&policy); result.Error != nil {
				slog.Error("sql error seeding resources policy", "name", policy.Name, "error", result.Error)
				return ErrDbAccessFailed
			}
		}

		return nil
	})
}

// DefaultPolicy returns the built-in policy for the given access level.
func DefaultPolicy(accessLevel int, db *gorm.DB) (ResourcesPolicy, error) {
	var policy ResourcesPolicy
	result := db.First(&policy, "name = ? and access_level = ?", DefaultPolicyName, accessLevel)
	if result.Error != nil {
		slog.Error("sql error loading default resources policy", "access_level", accessLevel, "error", result.Error)
		return policy, fmt.Errorf("missing default resources policy for level %d: %w", accessLevel, ErrDbAccessFailed)
	}
	return policy, nil
}

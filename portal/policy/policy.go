// Package policy implements the resources-policy quota engine. Every check
// derives the remaining budget fresh from a policy record and a live count;
// nothing is cached or persisted, so budgets self-correct when resources are
// deleted out of band.
package policy

import (
	"context"
	"fmt"

	"apphost/portal/appstore"
	"apphost/portal/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Unlimited is the sentinel limit meaning "no cap". It is never compared as
// a regular integer limit.
const Unlimited = -1

type Engine struct {
	db    *gorm.DB
	store appstore.Store
}

func NewEngine(db *gorm.DB, store appstore.Store) *Engine {
	return &Engine{db: db, store: store}
}

// Usage is the budget state of one kind at the moment it was read.
type Usage struct {
	Kind  string `json:"kind"`
	Limit int    `json:"limit"`
	Used  int64  `json:"used"`
}

func (u Usage) Allowed() bool {
	if u.Limit == Unlimited {
		return true
	}
	return int64(u.Limit)-u.Used > 0
}

// Remaining returns the budget left, or Unlimited. Never negative: a count
// over the limit reports zero remaining.
func (u Usage) Remaining() int64 {
	if u.Limit == Unlimited {
		return Unlimited
	}
	if remaining := int64(u.Limit) - u.Used; remaining > 0 {
		return remaining
	}
	return 0
}

// Check reports whether the caller may create one more resource of the given
// kind. Project and app are required for every kind except projects. A kind
// absent from the policy's limitation map has no budget: checks fail closed.
func (e *Engine) Check(ctx context.Context, caller uuid.UUID, kind, project, app string) (bool, error) {
	usage, err := e.Inspect(ctx, caller, kind, project, app)
	if err != nil {
		return false, err
	}
	return usage.Allowed(), nil
}

// Inspect resolves the governing policy and the live count for a kind.
func (e *Engine) Inspect(ctx context.Context, caller uuid.UUID, kind, project, app string) (Usage, error) {
	switch kind {
	case schema.KindProjects:
		return e.projectsUsage(caller)
	case schema.KindApps:
		return e.appsUsage(project)
	case schema.KindContainers, schema.KindDomains, schema.KindDatabases, schema.KindVolumes:
		return e.appResourceUsage(ctx, kind, project, app)
	default:
		return Usage{}, fmt.Errorf("no resources policy governs kind %v", kind)
	}
}

func (e *Engine) projectsUsage(caller uuid.UUID) (Usage, error) {
	user, err := schema.GetUser(caller, e.db)
	if err != nil {
		return Usage{}, err
	}

	policy, err := schema.GetResourcesPolicy(user.ResourcesPolicyId, e.db)
	if err != nil {
		return Usage{}, err
	}

	count, err := schema.CountProjectsOwnedBy(user.Id, e.db)
	if err != nil {
		return Usage{}, err
	}

	return Usage{Kind: schema.KindProjects, Limit: policy.Limitation[schema.KindProjects], Used: count}, nil
}

func (e *Engine) appsUsage(projectName string) (Usage, error) {
	project, err := schema.GetProject(projectName, e.db)
	if err != nil {
		return Usage{}, err
	}

	policy, err := schema.GetResourcesPolicy(project.ResourcesPolicyId, e.db)
	if err != nil {
		return Usage{}, err
	}

	count, err := schema.CountAppsInProject(project.Id, e.db)
	if err != nil {
		return Usage{}, err
	}

	return Usage{Kind: schema.KindApps, Limit: policy.Limitation[schema.KindApps], Used: count}, nil
}

func (e *Engine) appResourceUsage(ctx context.Context, kind, projectName, appName string) (Usage, error) {
	project, err := schema.GetProject(projectName, e.db)
	if err != nil {
		return Usage{}, err
	}

	app, err := schema.GetApp(project.Id, appName, e.db)
	if err != nil {
		return Usage{}, err
	}

	policy, err := schema.GetResourcesPolicy(app.ResourcesPolicyId, e.db)
	if err != nil {
		return Usage{}, err
	}

	// The count is read from the cluster object at call time so in-flight
	// deletions and creations are reflected on the next check.
	object, err := e.store.GetApp(ctx, projectName, appName)
	if err != nil {
		return Usage{}, err
	}

	count, err := object.Count(kind)
	if err != nil {
		return Usage{}, err
	}

	return Usage{Kind: kind, Limit: policy.Limitation[kind], Used: int64(count)}, nil
}

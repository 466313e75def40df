// Package resources applies create/update/delete of app sub-resources
// (containers, domains, databases, volumes) against the cluster app object.
// Every operation is read-modify-patch: fetch the object, locate the element
// by natural key, issue a positional JSON patch guarded by a resource version
// precondition.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"apphost/portal/appstore"
	"apphost/portal/auth"
	"apphost/portal/schema"
	"apphost/utils/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mutationMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{Name: "apphost_resource_mutations_total", Help: "App sub-resource mutations by kind and action"},
	[]string{"kind", "action"},
)

// Result is the uniform outcome of a mutation. Callers branch on Status
// only; Message is for display.
type Result struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func invalid(format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

func notFound(format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...), Status: http.StatusNotFound}
}

type Manager struct {
	store appstore.Store
	audit *auth.AuditLogger
}

func NewManager(store appstore.Store, audit *auth.AuditLogger) *Manager {
	return &Manager{store: store, audit: audit}
}

func (m *Manager) fetch(ctx context.Context, project, app string) (*appstore.AppObject, *Result) {
	object, err := m.store.GetApp(ctx, project, app)
	if err != nil {
		if err == appstore.ErrAppObjectNotFound {
			res := notFound("app %v not found in project %v", app, project)
			return nil, &res
		}
		slog.Error("error fetching app object for mutation", "project", project, "app", app, "error", err, "code", logging.STORE_READ)
		res := Result{Message: "unexpected error accessing app", Status: http.StatusInternalServerError}
		return nil, &res
	}
	return object, nil
}

func (m *Manager) apply(ctx context.Context, object *appstore.AppObject, ops []appstore.PatchOp, kind, action, name string) Result {
	guarded := append([]appstore.PatchOp{appstore.TestResourceVersion(object.ResourceVersion)}, ops...)

	err := m.store.Patch(ctx, object.Project, object.Name, guarded)
	if err != nil {
		switch err {
		case appstore.ErrAppObjectNotFound:
			return notFound("app %v not found in project %v", object.Name, object.Project)
		case appstore.ErrConflict:
			return Result{Message: "app was modified concurrently, retry the operation", Status: http.StatusConflict}
		}
		slog.Error("error patching app object", "project", object.Project, "app", object.Name, "kind", kind, "error", err, "code", logging.STORE_PATCH)
		return Result{Message: "unexpected error applying change", Status: http.StatusInternalServerError}
	}

	m.audit.Record(object.Project, object.Name, kind, action, name)
	mutationMetric.WithLabelValues(kind, action).Inc()

	status := http.StatusOK
	if action == "create" {
		status = http.StatusCreated
	}
	return Result{Message: fmt.Sprintf("%v %v %vd", kind, name, action), Status: status}
}

// arrayPatch replaces the whole array, using "add" when the array did not
// exist on the object before this mutation.
func arrayPatch(path string, value interface{}, existedBefore bool) appstore.PatchOp {
	op := "replace"
	if !existedBefore {
		op = "add"
	}
	return appstore.PatchOp{Op: op, Path: path, Value: value}
}

// validateEnv rejects entries where exactly one of name/value is empty. Both
// empty and both set are accepted.
func validateEnv(env []appstore.EnvVar) *Result {
	for _, entry := range env {
		if (entry.Name == "") != (entry.Value == "") {
			res := invalid("invalid env entry (name '%v'): name and value must both be set or both be empty", entry.Name)
			return &res
		}
	}
	return nil
}

// ---- containers ----

func validateContainer(container appstore.Container) *Result {
	if container.Name == "" {
		res := invalid("container name must be specified")
		return &res
	}
	if container.Image == "" {
		res := invalid("container image must be specified")
		return &res
	}
	return validateEnv(container.Env)
}

func findContainer(spec appstore.AppSpec, name string) int {
	for i, container := range spec.Containers {
		if container.Name == name {
			return i
		}
	}
	return -1
}

func (m *Manager) CreateContainer(ctx context.Context, project, app string, container appstore.Container) Result {
	if res := validateContainer(container); res != nil {
		return *res
	}

	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	if findContainer(object.Spec, container.Name) >= 0 {
		return invalid("container %v already exists", container.Name)
	}

	updated := append(object.Spec.Containers, container)
	ops := []appstore.PatchOp{arrayPatch("/spec/containers", updated, len(object.Spec.Containers) > 0)}

	return m.apply(ctx, object, ops, schema.KindContainers, "create", container.Name)
}

func mergeContainer(existing, updated appstore.Container) appstore.Container {
	merged := existing
	if updated.Name != "" {
		merged.Name = updated.Name
	}
	if updated.Image != "" {
		merged.Image = updated.Image
	}
	if updated.Env != nil {
		merged.Env = updated.Env
	}
	return merged
}

// UpdateContainer replaces the container at its current index. A rename also
// rewrites every domain whose container field names the old container, in the
// same patch, so domains never dangle.
func (m *Manager) UpdateContainer(ctx context.Context, project, app, name string, updated appstore.Container) Result {
	if res := validateEnv(updated.Env); res != nil {
		return *res
	}

	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findContainer(object.Spec, name)
	if index < 0 {
		return notFound("container %v not found", name)
	}

	merged := mergeContainer(object.Spec.Containers[index], updated)
	if merged.Name != name && findContainer(object.Spec, merged.Name) >= 0 {
		return invalid("container %v already exists", merged.Name)
	}

	ops := []appstore.PatchOp{{Op: "replace", Path: fmt.Sprintf("/spec/containers/%d", index), Value: merged}}

	if merged.Name != name {
		rewritten := false
		domains := make([]appstore.Domain, len(object.Spec.Domains))
		copy(domains, object.Spec.Domains)
		for i := range domains {
			if domains[i].Container == name {
				domains[i].Container = merged.Name
				rewritten = true
			}
		}
		if rewritten {
			ops = append(ops, appstore.PatchOp{Op: "replace", Path: "/spec/domains", Value: domains})
		}
	}

	return m.apply(ctx, object, ops, schema.KindContainers, "update", merged.Name)
}

func (m *Manager) DeleteContainer(ctx context.Context, project, app, name string) Result {
	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findContainer(object.Spec, name)
	if index < 0 {
		return notFound("container %v not found", name)
	}

	ops := []appstore.PatchOp{{Op: "remove", Path: fmt.Sprintf("/spec/containers/%d", index)}}
	return m.apply(ctx, object, ops, schema.KindContainers, "delete", name)
}

// ---- domains ----

func validateDomain(domain appstore.Domain) *Result {
	if domain.Url == "" {
		res := invalid("domain url must be specified")
		return &res
	}
	if domain.Port <= 0 || domain.Port > 65535 {
		res := invalid("domain port %d is out of range", domain.Port)
		return &res
	}
	if domain.Container == "" {
		res := invalid("domain container must be specified")
		return &res
	}
	return nil
}

func findDomain(spec appstore.AppSpec, url string) int {
	for i, domain := range spec.Domains {
		if domain.Url == url {
			return i
		}
	}
	return -1
}

func (m *Manager) CreateDomain(ctx context.Context, project, app string, domain appstore.Domain) Result {
	if res := validateDomain(domain); res != nil {
		return *res
	}

	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	if findDomain(object.Spec, domain.Url) >= 0 {
		return invalid("domain %v already exists", domain.Url)
	}
	if findContainer(object.Spec, domain.Container) < 0 {
		return invalid("domain references unknown container %v", domain.Container)
	}

	updated := append(object.Spec.Domains, domain)
	ops := []appstore.PatchOp{arrayPatch("/spec/domains", updated, len(object.Spec.Domains) > 0)}

	return m.apply(ctx, object, ops, schema.KindDomains, "create", domain.Url)
}

func mergeDomain(existing, updated appstore.Domain) appstore.Domain {
	merged := existing
	if updated.Url != "" {
		merged.Url = updated.Url
	}
	if updated.Port != 0 {
		merged.Port = updated.Port
	}
	if updated.Container != "" {
		merged.Container = updated.Container
	}
	return merged
}

func (m *Manager) UpdateDomain(ctx context.Context, project, app, url string, updated appstore.Domain) Result {
	if updated.Port < 0 || updated.Port > 65535 {
		return invalid("domain port %d is out of range", updated.Port)
	}

	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findDomain(object.Spec, url)
	if index < 0 {
		return notFound("domain %v not found", url)
	}

	merged := mergeDomain(object.Spec.Domains[index], updated)
	if merged.Url != url && findDomain(object.Spec, merged.Url) >= 0 {
		return invalid("domain %v already exists", merged.Url)
	}
	if findContainer(object.Spec, merged.Container) < 0 {
		return invalid("domain references unknown container %v", merged.Container)
	}

	ops := []appstore.PatchOp{{Op: "replace", Path: fmt.Sprintf("/spec/domains/%d", index), Value: merged}}
	return m.apply(ctx, object, ops, schema.KindDomains, "update", merged.Url)
}

func (m *Manager) DeleteDomain(ctx context.Context, project, app, url string) Result {
	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findDomain(object.Spec, url)
	if index < 0 {
		return notFound("domain %v not found", url)
	}

	ops := []appstore.PatchOp{{Op: "remove", Path: fmt.Sprintf("/spec/domains/%d", index)}}
	return m.apply(ctx, object, ops, schema.KindDomains, "delete", url)
}

// ---- databases ----

func validateDatabase(database appstore.Database) *Result {
	if database.Name == "" {
		res := invalid("database name must be specified")
		return &res
	}
	if database.Engine == "" {
		res := invalid("database engine must be specified")
		return &res
	}
	return nil
}

func findDatabase(spec appstore.AppSpec, name string) int {
	for i, database := range spec.Databases {
		if database.Name == name {
			return i
		}
	}
	return -1
}

func (m *Manager) CreateDatabase(ctx context.Context, project, app string, database appstore.Database) Result {
	if res := validateDatabase(database); res != nil {
		return *res
	}

	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	if findDatabase(object.Spec, database.Name) >= 0 {
		return invalid("database %v already exists", database.Name)
	}

	updated := append(object.Spec.Databases, database)
	ops := []appstore.PatchOp{arrayPatch("/spec/databases", updated, len(object.Spec.Databases) > 0)}

	return m.apply(ctx, object, ops, schema.KindDatabases, "create", database.Name)
}

func (m *Manager) UpdateDatabase(ctx context.Context, project, app, name string, updated appstore.Database) Result {
	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findDatabase(object.Spec, name)
	if index < 0 {
		return notFound("database %v not found", name)
	}

	merged := object.Spec.Databases[index]
	if updated.Engine != "" {
		merged.Engine = updated.Engine
	}
	if updated.Version != "" {
		merged.Version = updated.Version
	}

	ops := []appstore.PatchOp{{Op: "replace", Path: fmt.Sprintf("/spec/databases/%d", index), Value: merged}}
	return m.apply(ctx, object, ops, schema.KindDatabases, "update", name)
}

func (m *Manager) DeleteDatabase(ctx context.Context, project, app, name string) Result {
	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findDatabase(object.Spec, name)
	if index < 0 {
		return notFound("database %v not found", name)
	}

	ops := []appstore.PatchOp{{Op: "remove", Path: fmt.Sprintf("/spec/databases/%d", index)}}
	return m.apply(ctx, object, ops, schema.KindDatabases, "delete", name)
}

// ---- volumes ----

func validateVolume(volume appstore.Volume) *Result {
	if volume.Name == "" {
		res := invalid("volume name must be specified")
		return &res
	}
	if volume.Container == "" {
		res := invalid("volume container must be specified")
		return &res
	}
	return nil
}

func findVolume(spec appstore.AppSpec, name string) int {
	for i, volume := range spec.Volumes {
		if volume.Name == name {
			return i
		}
	}
	return -1
}

func (m *Manager) CreateVolume(ctx context.Context, project, app string, volume appstore.Volume) Result {
	if res := validateVolume(volume); res != nil {
		return *res
	}

	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	if findVolume(object.Spec, volume.Name) >= 0 {
		return invalid("volume %v already exists", volume.Name)
	}
	if findContainer(object.Spec, volume.Container) < 0 {
		return invalid("volume references unknown container %v", volume.Container)
	}

	updated := append(object.Spec.Volumes, volume)
	ops := []appstore.PatchOp{arrayPatch("/spec/volumes", updated, len(object.Spec.Volumes) > 0)}

	return m.apply(ctx, object, ops, schema.KindVolumes, "create", volume.Name)
}

func (m *Manager) UpdateVolume(ctx context.Context, project, app, name string, updated appstore.Volume) Result {
	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findVolume(object.Spec, name)
	if index < 0 {
		return notFound("volume %v not found", name)
	}

	merged := object.Spec.Volumes[index]
	if updated.Container != "" {
		if findContainer(object.Spec, updated.Container) < 0 {
			return invalid("volume references unknown container %v", updated.Container)
		}
		merged.Container = updated.Container
	}
	if updated.Size != "" {
		merged.Size = updated.Size
	}

	ops := []appstore.PatchOp{{Op: "replace", Path: fmt.Sprintf("/spec/volumes/%d", index), Value: merged}}
	return m.apply(ctx, object, ops, schema.KindVolumes, "update", name)
}

func (m *Manager) DeleteVolume(ctx context.Context, project, app, name string) Result {
	object, errRes := m.fetch(ctx, project, app)
	if errRes != nil {
		return *errRes
	}

	index := findVolume(object.Spec, name)
	if index < 0 {
		return notFound("volume %v not found", name)
	}

	ops := []appstore.PatchOp{{Op: "remove", Path: fmt.Sprintf("/spec/volumes/%d", index)}}
	return m.apply(ctx, object, ops, schema.KindVolumes, "delete", name)
}

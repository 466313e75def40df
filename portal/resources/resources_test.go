package resources

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"apphost/portal/appstore"
	"apphost/portal/auth"
)

// fakeStore serves one app object and records the patches issued against it.
// It does not apply patches; tests assert on the recorded ops directly.
type fakeStore struct {
	object   *appstore.AppObject
	getErr   error
	patchErr error
	patches  [][]appstore.PatchOp
}

func (f *fakeStore) EnsureProject(ctx context.Context, project string) error { return nil }
func (f *fakeStore) DeleteProject(ctx context.Context, project string) error { return nil }

func (f *fakeStore) GetApp(ctx context.Context, project, app string) (*appstore.AppObject, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	copied := *f.object
	return &copied, nil
}

func (f *fakeStore) ListApps(ctx context.Context, project string) ([]appstore.AppObject, error) {
	return []appstore.AppObject{*f.object}, nil
}

func (f *fakeStore) CreateApp(ctx context.Context, project, app string) error { return nil }
func (f *fakeStore) DeleteApp(ctx context.Context, project, app string) error { return nil }

func (f *fakeStore) Patch(ctx context.Context, project, app string, ops []appstore.PatchOp) error {
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patches = append(f.patches, ops)
	return nil
}

func newFixture(spec appstore.AppSpec) (*Manager, *fakeStore, *bytes.Buffer) {
	store := &fakeStore{object: &appstore.AppObject{
		Name:            "web-app",
		Project:         "demo",
		ResourceVersion: "41",
		Spec:            spec,
	}}
	audit := &bytes.Buffer{}
	return NewManager(store, auth.NewAuditLogger(audit)), store, audit
}

func lastPatch(t *testing.T, store *fakeStore) []appstore.PatchOp {
	if len(store.patches) == 0 {
		t.Fatal("expected a patch to be issued")
	}
	return store.patches[len(store.patches)-1]
}

func assertGuard(t *testing.T, ops []appstore.PatchOp, resourceVersion string) {
	if len(ops) == 0 || ops[0].Op != "test" || ops[0].Path != "/metadata/resourceVersion" {
		t.Fatalf("patch missing resource version guard: %+v", ops)
	}
	if ops[0].Value != resourceVersion {
		t.Fatalf("guard pinned to %v, expected %v", ops[0].Value, resourceVersion)
	}
}

func TestCreateContainerValidatesBeforeRead(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{})
	store.getErr = fmt.Errorf("store should not be read")

	res := manager.CreateContainer(context.Background(), "demo", "web-app", appstore.Container{Name: "web"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing image, got %d", res.Status)
	}

	res = manager.CreateContainer(context.Background(), "demo", "web-app", appstore.Container{
		Name: "web", Image: "nginx:1.27", Env: []appstore.EnvVar{{Name: "MODE"}},
	})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for half-empty env entry, got %d", res.Status)
	}
}

func TestCreateContainer(t *testing.T) {
	manager, store, audit := newFixture(appstore.AppSpec{})

	res := manager.CreateContainer(context.Background(), "demo", "web-app", appstore.Container{Name: "web", Image: "nginx:1.27"})
	if res.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", res.Status, res.Message)
	}

	ops := lastPatch(t, store)
	assertGuard(t, ops, "41")
	if len(ops) != 2 || ops[1].Op != "add" || ops[1].Path != "/spec/containers" {
		t.Fatalf("expected add of new containers array, got %+v", ops[1:])
	}

	if !strings.Contains(audit.String(), `"resource":"web"`) {
		t.Fatal("expected audit entry for the mutation")
	}
}

func TestCreateContainerDuplicate(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}},
	})

	res := manager.CreateContainer(context.Background(), "demo", "web-app", appstore.Container{Name: "web", Image: "nginx:1.28"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate name, got %d", res.Status)
	}
	if len(store.patches) != 0 {
		t.Fatal("duplicate create must not patch")
	}
}

func TestUpdateContainerMergesFields(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{
			{Name: "web", Image: "nginx:1.27", Env: []appstore.EnvVar{{Name: "MODE", Value: "prod"}}},
			{Name: "worker", Image: "worker:3"},
		},
	})

	res := manager.UpdateContainer(context.Background(), "demo", "web-app", "worker", appstore.Container{Image: "worker:4"})
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", res.Status, res.Message)
	}

	ops := lastPatch(t, store)
	if len(ops) != 2 || ops[1].Op != "replace" || ops[1].Path != "/spec/containers/1" {
		t.Fatalf("expected positional replace, got %+v", ops[1:])
	}
	merged := ops[1].Value.(appstore.Container)
	if merged.Name != "worker" || merged.Image != "worker:4" {
		t.Fatalf("unexpected merged container: %+v", merged)
	}
}

func TestContainerRenameRewritesDomains(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}, {Name: "api", Image: "api:2"}},
		Domains: []appstore.Domain{
			{Url: "demo.example.com", Port: 80, Container: "web"},
			{Url: "api.example.com", Port: 8080, Container: "api"},
		},
	})

	res := manager.UpdateContainer(context.Background(), "demo", "web-app", "web", appstore.Container{Name: "frontend"})
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", res.Status, res.Message)
	}

	ops := lastPatch(t, store)
	if len(ops) != 3 {
		t.Fatalf("expected rename to also rewrite domains, got %+v", ops)
	}
	domains := ops[2].Value.([]appstore.Domain)
	if domains[0].Container != "frontend" || domains[1].Container != "api" {
		t.Fatalf("expected only the renamed container's domains rewritten: %+v", domains)
	}
}

func TestContainerRenameToExistingName(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}, {Name: "api", Image: "api:2"}},
	})

	res := manager.UpdateContainer(context.Background(), "demo", "web-app", "web", appstore.Container{Name: "api"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for rename onto existing container, got %d", res.Status)
	}
	if len(store.patches) != 0 {
		t.Fatal("colliding rename must not patch")
	}
}

func TestDomainRenameToExistingUrl(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}},
		Domains: []appstore.Domain{
			{Url: "demo.example.com", Port: 80, Container: "web"},
			{Url: "api.example.com", Port: 8080, Container: "web"},
		},
	})

	res := manager.UpdateDomain(context.Background(), "demo", "web-app", "demo.example.com", appstore.Domain{Url: "api.example.com"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for rename onto existing domain, got %d", res.Status)
	}
	if len(store.patches) != 0 {
		t.Fatal("colliding rename must not patch")
	}
}

func TestUpdateContainerNotFound(t *testing.T) {
	manager, _, _ := newFixture(appstore.AppSpec{})

	res := manager.UpdateContainer(context.Background(), "demo", "web-app", "ghost", appstore.Container{Image: "x:1"})
	if res.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Status)
	}
}

func TestDeleteContainerByIndex(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}, {Name: "worker", Image: "worker:3"}},
	})

	res := manager.DeleteContainer(context.Background(), "demo", "web-app", "worker")
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", res.Status, res.Message)
	}

	ops := lastPatch(t, store)
	if ops[1].Op != "remove" || ops[1].Path != "/spec/containers/1" {
		t.Fatalf("expected positional remove, got %+v", ops[1])
	}
}

func TestDomainRequiresKnownContainer(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}},
	})

	res := manager.CreateDomain(context.Background(), "demo", "web-app", appstore.Domain{Url: "demo.example.com", Port: 80, Container: "ghost"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown container, got %d", res.Status)
	}

	res = manager.CreateDomain(context.Background(), "demo", "web-app", appstore.Domain{Url: "demo.example.com", Port: 99999, Container: "web"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range port, got %d", res.Status)
	}

	res = manager.CreateDomain(context.Background(), "demo", "web-app", appstore.Domain{Url: "demo.example.com", Port: 80, Container: "web"})
	if res.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", res.Status, res.Message)
	}
	if len(store.patches) != 1 {
		t.Fatalf("expected one patch, got %d", len(store.patches))
	}
}

func TestVolumeRetargetRequiresKnownContainer(t *testing.T) {
	manager, _, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}},
		Volumes:    []appstore.Volume{{Name: "data", Container: "web", Size: "1Gi"}},
	})

	res := manager.UpdateVolume(context.Background(), "demo", "web-app", "data", appstore.Volume{Container: "ghost"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown container, got %d", res.Status)
	}

	res = manager.UpdateVolume(context.Background(), "demo", "web-app", "data", appstore.Volume{Size: "5Gi"})
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", res.Status, res.Message)
	}
}

func TestMutationErrorMapping(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{
		Containers: []appstore.Container{{Name: "web", Image: "nginx:1.27"}},
	})

	store.getErr = appstore.ErrAppObjectNotFound
	res := manager.DeleteContainer(context.Background(), "demo", "web-app", "web")
	if res.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing app, got %d", res.Status)
	}

	store.getErr = nil
	store.patchErr = appstore.ErrConflict
	res = manager.DeleteContainer(context.Background(), "demo", "web-app", "web")
	if res.Status != http.StatusConflict {
		t.Fatalf("expected 409 for concurrent modification, got %d", res.Status)
	}

	store.patchErr = fmt.Errorf("cluster unreachable")
	res = manager.DeleteContainer(context.Background(), "demo", "web-app", "web")
	if res.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for store failure, got %d", res.Status)
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	manager, store, _ := newFixture(appstore.AppSpec{})

	res := manager.CreateDatabase(context.Background(), "demo", "web-app", appstore.Database{Name: "main"})
	if res.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing engine, got %d", res.Status)
	}

	res = manager.CreateDatabase(context.Background(), "demo", "web-app", appstore.Database{Name: "main", Engine: "postgres", Version: "16"})
	if res.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", res.Status, res.Message)
	}

	// The fake never applies patches, so re-prime the object for the update.
	store.object.Spec.Databases = []appstore.Database{{Name: "main", Engine: "postgres", Version: "16"}}

	res = manager.UpdateDatabase(context.Background(), "demo", "web-app", "main", appstore.Database{Version: "17"})
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", res.Status, res.Message)
	}
	ops := lastPatch(t, store)
	merged := ops[1].Value.(appstore.Database)
	if merged.Engine != "postgres" || merged.Version != "17" {
		t.Fatalf("unexpected merged database: %+v", merged)
	}

	res = manager.DeleteDatabase(context.Background(), "demo", "web-app", "ghost")
	if res.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Status)
	}
}

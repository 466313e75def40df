package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"apphost/portal/appstore"
)

// StoreStub is an in-memory stand-in for the cluster app store. It enforces
// the same resource version precondition as the real store so concurrency
// handling is exercised in tests.
type StoreStub struct {
	mu       sync.Mutex
	projects map[string]map[string]*stubObject
	revision int
}

type stubObject struct {
	resourceVersion string
	spec            appstore.AppSpec
}

func newStoreStub() *StoreStub {
	return &StoreStub{projects: map[string]map[string]*stubObject{}}
}

func (s *StoreStub) nextVersion() string {
	s.revision++
	return strconv.Itoa(s.revision)
}

func (s *StoreStub) EnsureProject(ctx context.Context, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[project]; !ok {
		s.projects[project] = map[string]*stubObject{}
	}
	return nil
}

func (s *StoreStub) DeleteProject(ctx context.Context, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.projects, project)
	return nil
}

func (s *StoreStub) GetApp(ctx context.Context, project, app string) (*appstore.AppObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	object, ok := s.projects[project][app]
	if !ok {
		return nil, appstore.ErrAppObjectNotFound
	}

	return &appstore.AppObject{
		Name:            app,
		Project:         project,
		ResourceVersion: object.resourceVersion,
		Spec:            object.spec,
	}, nil
}

func (s *StoreStub) ListApps(ctx context.Context, project string) ([]appstore.AppObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps := make([]appstore.AppObject, 0, len(s.projects[project]))
	for name, object := range s.projects[project] {
		apps = append(apps, appstore.AppObject{
			Name:            name,
			Project:         project,
			ResourceVersion: object.resourceVersion,
			Spec:            object.spec,
		})
	}
	return apps, nil
}

func (s *StoreStub) CreateApp(ctx context.Context, project, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[project]; !ok {
		s.projects[project] = map[string]*stubObject{}
	}
	if _, ok := s.projects[project][app]; ok {
		return appstore.ErrAppObjectExists
	}

	s.projects[project][app] = &stubObject{resourceVersion: s.nextVersion()}
	return nil
}

func (s *StoreStub) DeleteApp(ctx context.Context, project, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[project][app]; !ok {
		return appstore.ErrAppObjectNotFound
	}
	delete(s.projects[project], app)
	return nil
}

// Patch applies a JSON patch the way the api server would: the "test" op on
// the resource version must match, array ops are resolved against the
// current spec, and the version is bumped on success.
func (s *StoreStub) Patch(ctx context.Context, project, app string, ops []appstore.PatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	object, ok := s.projects[project][app]
	if !ok {
		return appstore.ErrAppObjectNotFound
	}

	spec := object.spec
	for _, op := range ops {
		if op.Op == "test" {
			if op.Path != "/metadata/resourceVersion" || op.Value != object.resourceVersion {
				return appstore.ErrConflict
			}
			continue
		}

		updated, err := applyStubOp(spec, op)
		if err != nil {
			return err
		}
		spec = updated
	}

	object.spec = spec
	object.resourceVersion = s.nextVersion()
	return nil
}

func applyStubOp(spec appstore.AppSpec, op appstore.PatchOp) (appstore.AppSpec, error) {
	parts := strings.Split(strings.TrimPrefix(op.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "spec" {
		return spec, fmt.Errorf("stub cannot apply patch path %v", op.Path)
	}

	index := -1
	if len(parts) == 3 {
		i, err := strconv.Atoi(parts[2])
		if err != nil {
			return spec, fmt.Errorf("stub cannot apply patch path %v", op.Path)
		}
		index = i
	}

	var err error
	switch parts[1] {
	case "containers":
		spec.Containers, err = applyArrayOp(spec.Containers, op, index)
	case "domains":
		spec.Domains, err = applyArrayOp(spec.Domains, op, index)
	case "databases":
		spec.Databases, err = applyArrayOp(spec.Databases, op, index)
	case "volumes":
		spec.Volumes, err = applyArrayOp(spec.Volumes, op, index)
	default:
		err = fmt.Errorf("stub cannot apply patch path %v", op.Path)
	}
	return spec, err
}

func applyArrayOp[T any](current []T, op appstore.PatchOp, index int) ([]T, error) {
	switch op.Op {
	case "add", "replace":
		if index < 0 {
			var replacement []T
			if err := convertValue(op.Value, &replacement); err != nil {
				return nil, err
			}
			return replacement, nil
		}
		if index >= len(current) {
			return nil, fmt.Errorf("patch index %d out of range", index)
		}
		var item T
		if err := convertValue(op.Value, &item); err != nil {
			return nil, err
		}
		updated := make([]T, len(current))
		copy(updated, current)
		updated[index] = item
		return updated, nil
	case "remove":
		if index < 0 || index >= len(current) {
			return nil, fmt.Errorf("patch index %d out of range", index)
		}
		updated := make([]T, 0, len(current)-1)
		updated = append(updated, current[:index]...)
		return append(updated, current[index+1:]...), nil
	default:
		return nil, fmt.Errorf("stub cannot apply patch op %v", op.Op)
	}
}

func convertValue(value interface{}, dest interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

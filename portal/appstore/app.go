package appstore

import (
	"context"
	"errors"
	"fmt"

	"apphost/portal/schema"
)

var (
	ErrAppObjectNotFound = errors.New("app object not found in cluster store")
	ErrAppObjectExists   = errors.New("app object already exists in cluster store")
	// ErrConflict means a patch failed its resource version precondition:
	// another writer touched the object between our read and our patch.
	ErrConflict = errors.New("app object was modified concurrently")
)

type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Container struct {
	Name   string   `json:"name"`
	Image  string   `json:"image"`
	Env    []EnvVar `json:"env,omitempty"`
	Status string   `json:"status,omitempty"`
}

// Domain references its container by name, not index, so container renames
// must rewrite domains that point at the old name.
type Domain struct {
	Url       string `json:"url"`
	Port      int    `json:"port"`
	Container string `json:"container"`
}

type Database struct {
	Name    string `json:"name"`
	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`
}

type Volume struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Size      string `json:"size,omitempty"`
}

// AppSpec holds the sub-resource arrays embedded in one app object. The
// arrays are the only identity the sub-resources have: position plus natural
// key (name or url).
type AppSpec struct {
	Containers []Container `json:"containers,omitempty"`
	Domains    []Domain    `json:"domains,omitempty"`
	Databases  []Database  `json:"databases,omitempty"`
	Volumes    []Volume    `json:"volumes,omitempty"`
}

type AppObject struct {
	Name            string
	Project         string
	ResourceVersion string
	Spec            AppSpec
}

// Count returns the live number of sub-resources of a kind. The quota engine
// reads these counts fresh on every check.
func (a *AppObject) Count(kind string) (int, error) {
	switch kind {
	case schema.KindContainers:
		return len(a.Spec.Containers), nil
	case schema.KindDomains:
		return len(a.Spec.Domains), nil
	case schema.KindDatabases:
		return len(a.Spec.Databases), nil
	case schema.KindVolumes:
		return len(a.Spec.Volumes), nil
	default:
		return 0, fmt.Errorf("kind %v is not an app sub-resource", kind)
	}
}

// PatchOp is a single JSON patch operation issued against the app object.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// TestResourceVersion builds the precondition op prepended to every patch so
// concurrent writers fail with ErrConflict instead of landing on shifted
// array indexes.
func TestResourceVersion(resourceVersion string) PatchOp {
	return PatchOp{Op: "test", Path: "/metadata/resourceVersion", Value: resourceVersion}
}

// Store is the declarative cluster resource store holding app objects. The
// portal is read-through against it: no caller caches app state across
// requests.
type Store interface {
	EnsureProject(ctx context.Context, project string) error
	DeleteProject(ctx context.Context, project string) error

	GetApp(ctx context.Context, project, app string) (*AppObject, error)
	ListApps(ctx context.Context, project string) ([]AppObject, error)
	CreateApp(ctx context.Context, project, app string) error
	DeleteApp(ctx context.Context, project, app string) error

	Patch(ctx context.Context, project, app string, ops []PatchOp) error
}

package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8sschema "k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

var appResource = k8sschema.GroupVersionResource{
	Group:    "apps.apphost.dev",
	Version:  "v1alpha1",
	Resource: "apps",
}

const appApiVersion = "apps.apphost.dev/v1alpha1"

// KubeStore backs the app store with a namespaced custom resource: one
// namespace per project, one App object per app, positional JSON patches for
// sub-resource edits.
type KubeStore struct {
	dynamic   dynamic.Interface
	clientset kubernetes.Interface
}

func NewKubeStore(config *rest.Config, tokens *TokenCache) (*KubeStore, error) {
	if tokens != nil {
		config.BearerToken = ""
		config.BearerTokenFile = ""
		config.WrapTransport = tokens.WrapTransport
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error creating dynamic cluster client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error creating cluster clientset: %w", err)
	}

	slog.Info("created cluster app store client", "host", config.Host)
	return &KubeStore{dynamic: dyn, clientset: clientset}, nil
}

func (s *KubeStore) EnsureProject(ctx context.Context, project string) error {
	namespace := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   project,
		Labels: map[string]string{"apphost.dev/project": project},
	}}

	_, err := s.clientset.CoreV1().Namespaces().Create(ctx, namespace, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		slog.Error("error creating project namespace", "project", project, "error", err)
		return fmt.Errorf("error creating namespace for project %v: %w", project, err)
	}
	return nil
}

func (s *KubeStore) DeleteProject(ctx context.Context, project string) error {
	err := s.clientset.CoreV1().Namespaces().Delete(ctx, project, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		slog.Error("error deleting project namespace", "project", project, "error", err)
		return fmt.Errorf("error deleting namespace for project %v: %w", project, err)
	}
	return nil
}

func (s *KubeStore) GetApp(ctx context.Context, project, app string) (*AppObject, error) {
	obj, err := s.dynamic.Resource(appResource).Namespace(project).Get(ctx, app, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrAppObjectNotFound
		}
		slog.Error("error fetching app object", "project", project, "app", app, "error", err)
		return nil, fmt.Errorf("error fetching app object %v/%v: %w", project, app, err)
	}

	return appFromUnstructured(obj, project)
}

func (s *KubeStore) ListApps(ctx context.Context, project string) ([]AppObject, error) {
	list, err := s.dynamic.Resource(appResource).Namespace(project).List(ctx, metav1.ListOptions{})
	if err != nil {
		slog.Error("error listing app objects", "project", project, "error", err)
		return nil, fmt.Errorf("error listing app objects in project %v: %w", project, err)
	}

	apps := make([]AppObject, 0, len(list.Items))
	for i := range list.Items {
		app, err := appFromUnstructured(&list.Items[i], project)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, nil
}

func (s *KubeStore) CreateApp(ctx context.Context, project, app string) error {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": appApiVersion,
		"kind":       "App",
		"metadata": map[string]interface{}{
			"name":      app,
			"namespace": project,
		},
		"spec": map[string]interface{}{},
	}}

	_, err := s.dynamic.Resource(appResource).Namespace(project).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return ErrAppObjectExists
		}
		slog.Error("error creating app object", "project", project, "app", app, "error", err)
		return fmt.Errorf("error creating app object %v/%v: %w", project, app, err)
	}
	return nil
}

func (s *KubeStore) DeleteApp(ctx context.Context, project, app string) error {
	err := s.dynamic.Resource(appResource).Namespace(project).Delete(ctx, app, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ErrAppObjectNotFound
		}
		slog.Error("error deleting app object", "project", project, "app", app, "error", err)
		return fmt.Errorf("error deleting app object %v/%v: %w", project, app, err)
	}
	return nil
}

func (s *KubeStore) Patch(ctx context.Context, project, app string, ops []PatchOp) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("error encoding patch for app object %v/%v: %w", project, app, err)
	}

	_, err = s.dynamic.Resource(appResource).Namespace(project).Patch(ctx, app, types.JSONPatchType, data, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ErrAppObjectNotFound
		}
		// A failed "test" op on the resource version surfaces as an invalid
		// patch from the api server.
		if apierrors.IsInvalid(err) || apierrors.IsConflict(err) {
			return ErrConflict
		}
		slog.Error("error patching app object", "project", project, "app", app, "error", err)
		return fmt.Errorf("error patching app object %v/%v: %w", project, app, err)
	}
	return nil
}

func appFromUnstructured(obj *unstructured.Unstructured, project string) (*AppObject, error) {
	app := &AppObject{
		Name:            obj.GetName(),
		Project:         project,
		ResourceVersion: obj.GetResourceVersion(),
	}

	spec, found, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil {
		return nil, fmt.Errorf("error reading spec of app object %v: %w", obj.GetName(), err)
	}
	if !found {
		return app, nil
	}

	// Round-trip through json rather than hand-walking the nested maps.
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("error encoding spec of app object %v: %w", obj.GetName(), err)
	}
	if err := json.Unmarshal(data, &app.Spec); err != nil {
		return nil, fmt.Errorf("error decoding spec of app object %v: %w", obj.GetName(), err)
	}

	return app, nil
}

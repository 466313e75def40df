package tests

import (
	"fmt"
	"net/http"
	"testing"
)

func TestAppQuota(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("alpha"); err != nil {
		t.Fatal(err)
	}

	var created map[string]string
	if err := admin.Post("/policy/create").Json(map[string]interface{}{
		"name": "tiny", "access_level": 1, "limitation": map[string]int{"apps": 1},
	}).Do(&created); err != nil {
		t.Fatal(err)
	}

	if err := admin.Post("/policy/" + created["policy_id"] + "/assign").
		Json(map[string]string{"project": "alpha"}).Do(nil); err != nil {
		t.Fatal(err)
	}

	if err := user.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	if err := user.Post("/project/alpha/app/create").Json(map[string]string{"name": "app2"}).
		Expect(http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	// Deleting frees budget immediately: the count is live, not cached.
	if err := user.deleteApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}
	if err := user.createApp("alpha", "app2"); err != nil {
		t.Fatal(err)
	}
}

func TestAddCollaboratorTwice(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.newUser("xyz"); err != nil {
		t.Fatal(err)
	}

	if err := owner.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := owner.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	body := map[string]string{"email": "xyz@mail.com", "accreditation": "mem"}
	if err := owner.Post("/project/alpha/app/app1/collaborators/").Json(body).Do(nil); err != nil {
		t.Fatal(err)
	}
	if err := owner.Post("/project/alpha/app/app1/collaborators/").Json(body).
		Expect(http.StatusConflict); err != nil {
		t.Fatal(err)
	}
}

func TestContainerLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := user.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	container := map[string]interface{}{
		"name": "web", "image": "nginx:1.27",
		"env": []map[string]string{{"name": "MODE", "value": "prod"}},
	}
	if err := user.createResource("alpha", "app1", "containers", container, http.StatusCreated); err != nil {
		t.Fatal(err)
	}

	// Duplicate natural key.
	if err := user.createResource("alpha", "app1", "containers", container, http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	// Env entries with exactly one of name/value set are invalid.
	invalid := map[string]interface{}{
		"name": "bad", "image": "nginx:1.27",
		"env": []map[string]string{{"name": "MODE", "value": ""}},
	}
	if err := user.createResource("alpha", "app1", "containers", invalid, http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	if err := user.updateResource("alpha", "app1", "containers", "web",
		map[string]string{"image": "nginx:1.28"}, http.StatusOK); err != nil {
		t.Fatal(err)
	}

	spec, err := user.appSpec("alpha", "app1")
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Containers) != 1 || spec.Containers[0].Image != "nginx:1.28" {
		t.Fatalf("container update not applied: %+v", spec.Containers)
	}
	if len(spec.Containers[0].Env) != 1 || spec.Containers[0].Env[0].Name != "MODE" {
		t.Fatalf("container env lost on update: %+v", spec.Containers)
	}

	if err := user.deleteResource("alpha", "app1", "containers", "web", http.StatusOK); err != nil {
		t.Fatal(err)
	}
	if err := user.deleteResource("alpha", "app1", "containers", "web", http.StatusNotFound); err != nil {
		t.Fatal(err)
	}
}

func TestContainerRenameRewritesDomains(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := user.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"web", "api"} {
		if err := user.createResource("alpha", "app1", "containers",
			map[string]string{"name": name, "image": name + ":latest"}, http.StatusCreated); err != nil {
			t.Fatal(err)
		}
	}

	if err := user.createResource("alpha", "app1", "domains",
		map[string]interface{}{"url": "app.example.com", "port": 80, "container": "web"},
		http.StatusCreated); err != nil {
		t.Fatal(err)
	}
	if err := user.createResource("alpha", "app1", "domains",
		map[string]interface{}{"url": "api.example.com", "port": 8080, "container": "api"},
		http.StatusCreated); err != nil {
		t.Fatal(err)
	}

	// A domain must reference a container that exists.
	if err := user.createResource("alpha", "app1", "domains",
		map[string]interface{}{"url": "bad.example.com", "port": 80, "container": "ghost"},
		http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	if err := user.updateResource("alpha", "app1", "containers", "web",
		map[string]string{"name": "frontend"}, http.StatusOK); err != nil {
		t.Fatal(err)
	}

	spec, err := user.appSpec("alpha", "app1")
	if err != nil {
		t.Fatal(err)
	}

	domains := map[string]string{}
	for _, domain := range spec.Domains {
		domains[domain.Url] = domain.Container
	}
	if domains["app.example.com"] != "frontend" {
		t.Fatalf("domain should track the container rename: %v", domains)
	}
	if domains["api.example.com"] != "api" {
		t.Fatalf("unrelated domain should be untouched: %v", domains)
	}
}

func TestDatabasesAndVolumes(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := user.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}
	if err := user.createResource("alpha", "app1", "containers",
		map[string]string{"name": "web", "image": "nginx:1.27"}, http.StatusCreated); err != nil {
		t.Fatal(err)
	}

	if err := user.createResource("alpha", "app1", "databases",
		map[string]string{"name": "main", "engine": "postgres", "version": "16"},
		http.StatusCreated); err != nil {
		t.Fatal(err)
	}
	if err := user.updateResource("alpha", "app1", "databases", "main",
		map[string]string{"version": "17"}, http.StatusOK); err != nil {
		t.Fatal(err)
	}
	if err := user.updateResource("alpha", "app1", "databases", "missing",
		map[string]string{"version": "17"}, http.StatusNotFound); err != nil {
		t.Fatal(err)
	}

	if err := user.createResource("alpha", "app1", "volumes",
		map[string]string{"name": "data", "container": "ghost", "size": "10Gi"},
		http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}
	if err := user.createResource("alpha", "app1", "volumes",
		map[string]string{"name": "data", "container": "web", "size": "10Gi"},
		http.StatusCreated); err != nil {
		t.Fatal(err)
	}

	spec, err := user.appSpec("alpha", "app1")
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Databases) != 1 || spec.Databases[0].Version != "17" {
		t.Fatalf("database state wrong: %+v", spec.Databases)
	}
	if len(spec.Volumes) != 1 || spec.Volumes[0].Container != "web" {
		t.Fatalf("volume state wrong: %+v", spec.Volumes)
	}
}

func TestAppResourceQuota(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := user.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	var created map[string]string
	if err := admin.Post("/policy/create").Json(map[string]interface{}{
		"name": "tiny", "access_level": 2, "limitation": map[string]int{"containers": 1, "domains": -1},
	}).Do(&created); err != nil {
		t.Fatal(err)
	}
	if err := admin.Post("/policy/" + created["policy_id"] + "/assign").
		Json(map[string]string{"project": "alpha", "app": "app1"}).Do(nil); err != nil {
		t.Fatal(err)
	}

	if err := user.createResource("alpha", "app1", "containers",
		map[string]string{"name": "c1", "image": "a:1"}, http.StatusCreated); err != nil {
		t.Fatal(err)
	}
	if err := user.createResource("alpha", "app1", "containers",
		map[string]string{"name": "c2", "image": "a:1"}, http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	// Databases are absent from the limitation: checks fail closed.
	if err := user.createResource("alpha", "app1", "databases",
		map[string]string{"name": "db", "engine": "postgres"}, http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	// -1 means unlimited.
	for i := 0; i < 10; i++ {
		domain := map[string]interface{}{
			"url": fmt.Sprintf("d%d.example.com", i), "port": 80, "container": "c1",
		}
		if err := user.createResource("alpha", "app1", "domains", domain, http.StatusCreated); err != nil {
			t.Fatal(err)
		}
	}
}

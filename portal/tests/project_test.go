package tests

import (
	"errors"
	"net/http"
	"testing"
)

func TestCreateListDeleteProjects(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	other, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	if err := user.createProject("alpha"); err != nil {
		t.Fatal(err)
	}

	if err := user.Post("/project/create").Json(map[string]string{"name": "alpha"}).
		Expect(http.StatusConflict); err != nil {
		t.Fatal(err)
	}

	projects, err := user.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0]["name"] != "alpha" {
		t.Fatalf("project list wrong: %v", projects)
	}

	projects, err = other.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatal("other users should not see the project")
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	projects, err = admin.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Fatal("system accreditation should see all projects")
	}

	err = other.deleteProject("alpha")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := user.deleteProject("alpha"); err != nil {
		t.Fatal(err)
	}

	projects, err = user.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatal("project should be deleted")
	}
}

func TestProjectQuota(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	// The default user policy allows 3 projects.
	for _, name := range []string{"p1", "p2", "p3"} {
		if err := user.createProject(name); err != nil {
			t.Fatal(err)
		}
	}

	if err := user.Post("/project/create").Json(map[string]string{"name": "p4"}).
		Expect(http.StatusBadRequest); err != nil {
		t.Fatal(err)
	}

	// Deleting a project frees budget, the count is derived at check time.
	if err := user.deleteProject("p2"); err != nil {
		t.Fatal(err)
	}
	if err := user.createProject("p4"); err != nil {
		t.Fatal(err)
	}
}

func TestProjectMembers(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	if err := owner.createProject("alpha"); err != nil {
		t.Fatal(err)
	}

	err = member.createApp("alpha", "app1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := owner.addMember("alpha", "xyz@mail.com", "adm"); err != nil {
		t.Fatal(err)
	}

	if err := owner.Post("/project/alpha/members/").Json(map[string]string{
		"email": "xyz@mail.com", "accreditation": "adm",
	}).Expect(http.StatusConflict); err != nil {
		t.Fatal(err)
	}

	if err := member.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	if err := owner.removeMember("alpha", member.userId); err != nil {
		t.Fatal(err)
	}

	err = member.createApp("alpha", "app2")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized after removal, got %v", err)
	}
}

func TestOwnerAccreditationImmutable(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	if err := owner.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := owner.addMember("alpha", "xyz@mail.com", "mem"); err != nil {
		t.Fatal(err)
	}

	err = owner.addMember("alpha", "xyz@mail.com", "own")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("own can never be assigned, got %v", err)
	}

	_, err = owner.updateMemberAccreditation("alpha", member.userId, "own")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("own can never be assigned, got %v", err)
	}

	_, err = owner.updateMemberAccreditation("alpha", owner.userId, "adm")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("own can never be removed, got %v", err)
	}

	err = owner.removeMember("alpha", owner.userId)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("the owner membership can never be removed, got %v", err)
	}
}

func TestAccreditationCascade(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	if err := owner.createProject("alpha"); err != nil {
		t.Fatal(err)
	}
	for _, app := range []string{"app1", "app2"} {
		if err := owner.createApp("alpha", app); err != nil {
			t.Fatal(err)
		}
	}

	if err := owner.addMember("alpha", "xyz@mail.com", "mem"); err != nil {
		t.Fatal(err)
	}

	// Members can read but not mutate app resources.
	if err := member.createResource("alpha", "app1", "containers",
		map[string]string{"name": "c1", "image": "nginx:1.27"}, http.StatusUnauthorized); err != nil {
		t.Fatal(err)
	}

	results, err := owner.updateMemberAccreditation("alpha", member.userId, "adm")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected a result per app, got %v", results)
	}
	for _, result := range results {
		if result.Status != http.StatusOK {
			t.Fatalf("cascade failed for app %v: %v", result.App, result.Message)
		}
	}

	if err := member.createResource("alpha", "app1", "containers",
		map[string]string{"name": "c1", "image": "nginx:1.27"}, http.StatusCreated); err != nil {
		t.Fatal(err)
	}

	// Re-applying the same accreditation is rejected.
	if err := owner.Post("/project/alpha/members/"+member.userId+"/accreditation").
		Json(map[string]string{"accreditation": "adm"}).Expect(http.StatusConflict); err != nil {
		t.Fatal(err)
	}
}

func TestInvitations(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	invited, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}
	bystander, err := env.newUser("nop")
	if err != nil {
		t.Fatal(err)
	}

	if err := owner.createProject("alpha"); err != nil {
		t.Fatal(err)
	}

	token, err := owner.createInvitation("alpha", "xyz@mail.com", "adm")
	if err != nil {
		t.Fatal(err)
	}

	err = bystander.acceptInvitation(token)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("invitation is bound to the invited email, got %v", err)
	}

	if err := invited.acceptInvitation(token); err != nil {
		t.Fatal(err)
	}

	if err := invited.createApp("alpha", "app1"); err != nil {
		t.Fatal(err)
	}

	// Consumed exactly once.
	if err := invited.Post("/project/invitations/accept").
		Json(map[string]string{"token": token}).Expect(http.StatusConflict); err != nil {
		t.Fatal(err)
	}
}

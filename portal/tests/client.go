package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"apphost/portal/appstore"
	"apphost/portal/auth"
)

var ErrUnauthorized = errors.New("unauthorized")

type httpTestRequest struct {
	client *client

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) run() (*http.Response, string, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, "", fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	if r.client.session != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: r.client.session})
	}
	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()
	r.client.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	// Handlers reissue the session cookie as trust state changes; the
	// client follows along like a browser would.
	for _, cookie := range res.Cookies() {
		if cookie.Name == auth.SessionCookie && cookie.MaxAge > 0 {
			r.client.session = cookie.Value
		}
	}

	return res, w.Body.String(), nil
}

// Do runs the request and parses the response body into result (nil means no
// result is expected). Any non-2xx status is an error.
func (r *httpTestRequest) Do(result interface{}) error {
	res, body, err := r.run()
	if err != nil {
		return err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, body)
	}

	if result != nil {
		err := json.Unmarshal([]byte(body), result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// Expect runs the request and fails unless it returns exactly the given
// status.
func (r *httpTestRequest) Expect(status int) error {
	res, body, err := r.run()
	if err != nil {
		return err
	}
	if res.StatusCode != status {
		return fmt.Errorf("%v request to endpoint %v returned status %d (expected %d), content '%v'", r.method, r.endpoint, res.StatusCode, status, body)
	}
	return nil
}

type client struct {
	api     http.Handler
	session string
	userId  string
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	return &httpTestRequest{client: c, method: method, endpoint: endpoint}
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Put(endpoint string) *httpTestRequest {
	return c.request("PUT", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.userId = res["user_id"]
	return nil
}

func (c *client) verifyFactor(code string) error {
	return c.Post("/user/factor").Json(map[string]string{"code": code}).Do(nil)
}

func (c *client) skipFactor() error {
	return c.Post("/user/factor/skip").Do(nil)
}

func (c *client) enableFactor() (string, error) {
	var res map[string]string
	err := c.Post("/user/enable").Do(&res)
	return res["otpauth_url"], err
}

func (c *client) userInfo() (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) createProject(name string) error {
	return c.Post("/project/create").Json(map[string]string{"name": name}).Do(nil)
}

func (c *client) listProjects() ([]map[string]interface{}, error) {
	var res struct {
		Projects []map[string]interface{} `json:"projects"`
	}
	err := c.Get("/project/list").Do(&res)
	return res.Projects, err
}

func (c *client) deleteProject(name string) error {
	return c.Delete(fmt.Sprintf("/project/%v/", name)).Do(nil)
}

func (c *client) addMember(project, email, accreditation string) error {
	body := map[string]string{"email": email, "accreditation": accreditation}
	return c.Post(fmt.Sprintf("/project/%v/members/", project)).Json(body).Do(nil)
}

func (c *client) removeMember(project, userId string) error {
	return c.Delete(fmt.Sprintf("/project/%v/members/%v", project, userId)).Do(nil)
}

type cascadeOutcome struct {
	App     string `json:"app"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (c *client) updateMemberAccreditation(project, userId, accreditation string) ([]cascadeOutcome, error) {
	var res struct {
		Results []cascadeOutcome `json:"results"`
	}
	err := c.Post(fmt.Sprintf("/project/%v/members/%v/accreditation", project, userId)).
		Json(map[string]string{"accreditation": accreditation}).Do(&res)
	return res.Results, err
}

func (c *client) createInvitation(project, email, accreditation string) (string, error) {
	body := map[string]string{"email": email, "accreditation": accreditation}

	var res map[string]string
	err := c.Post(fmt.Sprintf("/project/%v/invitations", project)).Json(body).Do(&res)
	return res["token"], err
}

func (c *client) acceptInvitation(token string) error {
	return c.Post("/project/invitations/accept").Json(map[string]string{"token": token}).Do(nil)
}

func (c *client) createApp(project, name string) error {
	return c.Post(fmt.Sprintf("/project/%v/app/create", project)).Json(map[string]string{"name": name}).Do(nil)
}

func (c *client) listApps(project string) ([]map[string]interface{}, error) {
	var res struct {
		Apps []map[string]interface{} `json:"apps"`
	}
	err := c.Get(fmt.Sprintf("/project/%v/app/list", project)).Do(&res)
	return res.Apps, err
}

func (c *client) appSpec(project, app string) (appstore.AppSpec, error) {
	var res struct {
		Spec appstore.AppSpec `json:"spec"`
	}
	err := c.Get(fmt.Sprintf("/project/%v/app/%v/", project, app)).Do(&res)
	return res.Spec, err
}

func (c *client) deleteApp(project, app string) error {
	return c.Delete(fmt.Sprintf("/project/%v/app/%v/", project, app)).Do(nil)
}

func (c *client) resourceEndpoint(project, app, kind string) string {
	return fmt.Sprintf("/project/%v/app/%v/%v", project, app, kind)
}

func (c *client) createResource(project, app, kind string, body interface{}, expectStatus int) error {
	return c.Post(c.resourceEndpoint(project, app, kind)+"/").Json(body).Expect(expectStatus)
}

func (c *client) updateResource(project, app, kind, key string, body interface{}, expectStatus int) error {
	return c.Put(fmt.Sprintf("%v/%v", c.resourceEndpoint(project, app, kind), key)).Json(body).Expect(expectStatus)
}

func (c *client) deleteResource(project, app, kind, key string, expectStatus int) error {
	return c.Delete(fmt.Sprintf("%v/%v", c.resourceEndpoint(project, app, kind), key)).Expect(expectStatus)
}

func (c *client) checkPolicy(kind, project, app string) (map[string]interface{}, error) {
	var res map[string]interface{}
	endpoint := fmt.Sprintf("/policy/check?kind=%v&project=%v&app=%v", kind, project, app)
	err := c.Get(endpoint).Do(&res)
	return res, err
}

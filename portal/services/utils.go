package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"apphost/portal/auth"
	"apphost/portal/policy"
	"apphost/portal/resources"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// Project and app names become cluster namespace/object names, so they carry
// the same restrictions.
var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

func validResourceName(name string) error {
	if len(name) == 0 || len(name) > 63 {
		return errors.New("name must be between 1 and 63 characters")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name '%v' must consist of lowercase alphanumeric characters or '-'", name)
	}
	return nil
}

func writeResult(w http.ResponseWriter, res resources.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	fmt.Fprintf(w, `{"message": %q, "status": %d}`, res.Message, res.Status)
}

// checkQuota runs a resources-policy check and writes the refusal if the
// limit is reached. Returns true when the caller may proceed.
func checkQuota(w http.ResponseWriter, r *http.Request, engine *policy.Engine, kind, project, app string) bool {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return false
	}

	ok, err := engine.Check(r.Context(), user.Id, kind, project, app)
	if err != nil {
		slog.Error("error checking resources policy", "kind", kind, "project", project, "app", app, "error", err)
		http.Error(w, "unable to verify resources policy", http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, fmt.Sprintf("resources policy limit for %v reached", kind), http.StatusBadRequest)
		return false
	}
	return true
}

// Package vcs is the narrow slice of the external version-control host API
// the sync pipeline consumes: branch refs, file contents and pull requests.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Host is the external repository. Implementations must be safe for
// concurrent use.
type Host interface {
	// DefaultBranchSHA resolves the current head commit of branch.
	DefaultBranchSHA(ctx context.Context, branch string) (string, error)
	CreateBranch(ctx context.Context, name, fromSHA string) error
	// FileSHA reports the blob sha of path at ref. A missing file is not an error.
	FileSHA(ctx context.Context, path, ref string) (sha string, found bool, err error)
	PutFile(ctx context.Context, req PutFileRequest) (commitSHA string, err error)
	CreatePullRequest(ctx context.Context, req PullRequestRequest) (PullRequest, error)
}

type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PutFileRequest creates or updates one file on a branch. PriorSHA must be
// set when the file already exists.
type PutFileRequest struct {
	Path      string
	Branch    string
	Message   string
	Content   []byte
	PriorSHA  string
	Author    Identity
	Committer Identity
}

type PullRequestRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
}

type PullRequest struct {
	Number int
	URL    string
}

// ErrMissingCredentials is returned when no token can be resolved.
var ErrMissingCredentials = errors.New("vcs credentials missing")

// StatusError is a non-2xx answer from the host.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host returned status %d", e.Status)
	}
	return fmt.Sprintf("host returned status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the host.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == 404
}

// IsAlreadyExists reports whether err is a 422 rejecting a ref or pull
// request that the host already has.
func IsAlreadyExists(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == 422 && strings.Contains(strings.ToLower(se.Message), "already exists")
}

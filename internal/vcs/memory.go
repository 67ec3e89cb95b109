package vcs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
)

// Operation names accepted by MemoryHost.FailOn.
const (
	OpDefaultBranch = "default_branch"
	OpCreateBranch  = "create_branch"
	OpGetFile       = "get_file"
	OpPutFile       = "put_file"
	OpCreatePR      = "create_pull_request"
)

// OpenedPullRequest is a pull request recorded by MemoryHost.
type OpenedPullRequest struct {
	PullRequest
	PullRequestRequest
}

// MemoryHost keeps branches, files and pull requests in process. It backs
// the memory provider and tests.
type MemoryHost struct {
	mu       sync.Mutex
	owner    string
	repo     string
	branches map[string]string
	files    map[string]map[string]memFile
	pulls    []OpenedPullRequest
	nextPR   int
	seq      int
	failures map[string]error
}

type memFile struct {
	sha     string
	content []byte
}

func NewMemoryHost(owner, repo, defaultBranch string) *MemoryHost {
	h := &MemoryHost{
		owner:    owner,
		repo:     repo,
		branches: map[string]string{},
		files:    map[string]map[string]memFile{},
		nextPR:   1,
		failures: map[string]error{},
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	h.branches[defaultBranch] = h.hash("root")
	h.files[defaultBranch] = map[string]memFile{}
	return h
}

// FailOn makes every later call of op return err. A nil err clears it.
func (h *MemoryHost) FailOn(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, op)
		return
	}
	h.failures[op] = err
}

// SetNextPullRequestNumber fixes the number handed to the next pull request.
func (h *MemoryHost) SetNextPullRequestNumber(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextPR = n
}

func (h *MemoryHost) PullRequests() []OpenedPullRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]OpenedPullRequest(nil), h.pulls...)
}

// File returns the content of path on branch.
func (h *MemoryHost) File(branch, path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[branch][path]
	return f.content, ok
}

func (h *MemoryHost) Branches() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.branches))
	for b := range h.branches {
		out = append(out, b)
	}
	return out
}

func (h *MemoryHost) DefaultBranchSHA(_ context.Context, branch string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failures[OpDefaultBranch]; err != nil {
		return "", err
	}
	sha, ok := h.branches[branch]
	if !ok {
		return "", &StatusError{Status: 404, Message: "Not Found"}
	}
	return sha, nil
}

func (h *MemoryHost) CreateBranch(_ context.Context, name, fromSHA string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failures[OpCreateBranch]; err != nil {
		return err
	}
	if _, exists := h.branches[name]; exists {
		return &StatusError{Status: 422, Message: "Reference already exists"}
	}
	var source string
	for b, sha := range h.branches {
		if sha == fromSHA {
			source = b
			break
		}
	}
	if source == "" {
		return &StatusError{Status: 422, Message: "Object does not exist"}
	}
	h.branches[name] = fromSHA
	files := make(map[string]memFile, len(h.files[source]))
	for p, f := range h.files[source] {
		files[p] = f
	}
	h.files[name] = files
	return nil
}

func (h *MemoryHost) FileSHA(_ context.Context, path, ref string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failures[OpGetFile]; err != nil {
		return "", false, err
	}
	f, ok := h.files[ref][path]
	if !ok {
		return "", false, nil
	}
	return f.sha, true, nil
}

func (h *MemoryHost) PutFile(_ context.Context, req PutFileRequest) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failures[OpPutFile]; err != nil {
		return "", err
	}
	files, ok := h.files[req.Branch]
	if !ok {
		return "", &StatusError{Status: 404, Message: "Branch not found"}
	}
	if existing, exists := files[req.Path]; exists && existing.sha != req.PriorSHA {
		return "", &StatusError{Status: 409, Message: fmt.Sprintf("%s does not match", req.Path)}
	}
	if _, exists := files[req.Path]; !exists && req.PriorSHA != "" {
		return "", &StatusError{Status: 422, Message: "sha supplied for a new file"}
	}
	files[req.Path] = memFile{sha: h.hash(string(req.Content)), content: append([]byte(nil), req.Content...)}
	commit := h.hash(req.Branch + req.Path + req.Message)
	h.branches[req.Branch] = commit
	return commit, nil
}

func (h *MemoryHost) CreatePullRequest(_ context.Context, req PullRequestRequest) (PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failures[OpCreatePR]; err != nil {
		return PullRequest{}, err
	}
	if _, ok := h.branches[req.Head]; !ok {
		return PullRequest{}, &StatusError{Status: 422, Message: "head branch not found"}
	}
	pr := PullRequest{
		Number: h.nextPR,
		URL:    fmt.Sprintf("https://github.com/%s/%s/pull/%d", h.owner, h.repo, h.nextPR),
	}
	h.nextPR++
	h.pulls = append(h.pulls, OpenedPullRequest{PullRequest: pr, PullRequestRequest: req})
	return pr, nil
}

func (h *MemoryHost) hash(s string) string {
	h.seq++
	sum := sha1.Sum([]byte(s + "\x00" + strconv.Itoa(h.seq)))
	return hex.EncodeToString(sum[:])
}

// Package syncer materializes a catalog entity as a branch, commit and pull
// request on the external host.
package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kpicatalog/internal/content"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/vcs"
)

type Options struct {
	Committer  vcs.Identity
	BaseBranch string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Service runs syncs against one host. It is safe for concurrent use.
type Service struct {
	host      vcs.Host
	committer vcs.Identity
	base      string
	now       func() time.Time
	log       *slog.Logger

	mu         sync.Mutex
	lastMillis int64
}

func New(host vcs.Host, opts Options) *Service {
	s := &Service{
		host:      host,
		committer: opts.Committer,
		base:      opts.BaseBranch,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if s.base == "" {
		s.base = "main"
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

type Request struct {
	Kind   domain.Kind
	Entity domain.Entity
	Action domain.Action
	Actor  vcs.Identity
	// Token is written into the pull request body for webhook correlation.
	Token string
}

// Result never carries a Go error: failures are reported as Success=false
// with "<step>: <cause>" in Error. Identifiers produced before the failing
// step are still returned.
type Result struct {
	Success   bool   `json:"success"`
	CommitSHA string `json:"commit_sha,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	Branch    string `json:"branch,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) Sync(ctx context.Context, req Request) Result {
	e := req.Entity
	if req.Kind != "" {
		e.Kind = req.Kind
	}
	res := Result{FilePath: content.Path(e.Kind, e.Slug, e.ID)}
	fail := func(step string, err error) Result {
		res.Success = false
		res.Error = step + ": " + err.Error()
		s.log.Warn("sync failed",
			"kind", e.Kind, "entity_id", e.ID, "slug", e.Slug, "action", req.Action,
			"step", step, "branch", res.Branch, "err", err)
		return res
	}

	if s.host == nil {
		return fail("credentials", vcs.ErrMissingCredentials)
	}
	if _, err := domain.ParseAction(string(req.Action)); err != nil {
		return fail("validate", err)
	}
	if e.Slug == "" {
		return fail("validate", fmt.Errorf("entity %s has no slug", e.ID))
	}
	body, err := content.Render(e)
	if err != nil {
		return fail("render", err)
	}

	baseSHA, err := s.host.DefaultBranchSHA(ctx, s.base)
	if err != nil {
		return fail("resolve default branch", err)
	}

	branch := EncodeBranch(req.Action, e.Kind, e.Slug, s.nextMillis())
	if err := s.host.CreateBranch(ctx, branch, baseSHA); err != nil {
		return fail("create branch", err)
	}
	res.Branch = branch

	priorSHA, _, err := s.host.FileSHA(ctx, res.FilePath, branch)
	if err != nil {
		return fail("get file", err)
	}

	title := Title(req.Action, e.Kind, e.Name)
	commit, err := s.host.PutFile(ctx, vcs.PutFileRequest{
		Path:      res.FilePath,
		Branch:    branch,
		Message:   title,
		Content:   body,
		PriorSHA:  priorSHA,
		Author:    s.author(req.Actor),
		Committer: s.committer,
	})
	if err != nil {
		return fail("write file", err)
	}
	res.CommitSHA = commit

	pr, err := s.host.CreatePullRequest(ctx, vcs.PullRequestRequest{
		Title: title,
		Head:  branch,
		Base:  s.base,
		Body:  pullRequestBody(req, e, res.FilePath),
	})
	if err != nil {
		return fail("open pull request", err)
	}
	res.PRNumber = pr.Number
	res.PRURL = pr.URL
	res.Success = true
	s.log.Info("sync opened pull request",
		"kind", e.Kind, "entity_id", e.ID, "action", req.Action,
		"branch", branch, "pr", pr.Number, "commit", commit)
	return res
}

// Title is shared by the commit message and the pull request.
func Title(action domain.Action, kind domain.Kind, name string) string {
	return fmt.Sprintf("%s %s: %s", action.Verb(), kind, name)
}

func pullRequestBody(req Request, e domain.Entity, path string) string {
	var b strings.Builder
	actor := req.Actor.Name
	if actor == "" {
		actor = "unknown contributor"
	}
	fmt.Fprintf(&b, "Contributed from the catalog by **%s**.\n\n", actor)
	fmt.Fprintf(&b, "- Action: %s\n", req.Action)
	fmt.Fprintf(&b, "- Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "- Slug: `%s`\n", e.Slug)
	fmt.Fprintf(&b, "- File: `%s`\n", path)
	if req.Token != "" {
		b.WriteString("\n" + Marker(req.Token) + "\n")
	}
	return b.String()
}

func (s *Service) author(actor vcs.Identity) vcs.Identity {
	if actor.Name == "" {
		return s.committer
	}
	if actor.Email == "" {
		actor.Email = s.committer.Email
	}
	return actor
}

// nextMillis is strictly increasing per Service so two syncs of one entity
// never produce the same branch.
func (s *Service) nextMillis() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastMillis {
		ms = s.lastMillis + 1
	}
	s.lastMillis = ms
	return ms
}

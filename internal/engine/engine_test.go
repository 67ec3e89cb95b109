package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kpicatalog/internal/config"
	"kpicatalog/internal/db"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/engine/auth"
	"kpicatalog/internal/migrate"
	"kpicatalog/internal/repo"
	"kpicatalog/internal/syncer"
	"kpicatalog/internal/vcs"
)

type testEnv struct {
	Engine engine.Engine
	Host   *vcs.MemoryHost
	Ctx    context.Context
}

var (
	ada = engine.Actor{ID: "ada", Name: "Ada", Email: "ada@example.com"}
	bob = engine.Actor{ID: "bob", Name: "Bob"}
	eve = engine.Actor{ID: "eve", Name: "Eve"}
)

func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Roles.Editors = []string{"eve"}
	host := vcs.NewMemoryHost("acme", "catalog", "main")
	s := syncer.New(host, syncer.Options{
		Committer:  vcs.Identity{Name: "Catalog Bot", Email: "bot@example.com"},
		BaseBranch: "main",
		Now:        func() time.Time { return time.UnixMilli(1699999999999) },
	})
	eng := engine.New(conn, cfg, s, nil)
	eng.Now = tickingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return testEnv{Engine: eng, Host: host, Ctx: context.Background()}
}

func (env testEnv) createKPI(t *testing.T, name string) engine.WriteResult {
	t.Helper()
	res, err := env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{
		Kind:    domain.KindKPI,
		Name:    name,
		Details: map[string]any{"formula": "orders / sessions", "direction": "higher_is_better"},
		Actor:   ada,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func (env testEnv) contribution(t *testing.T, id string) domain.Contribution {
	t.Helper()
	c, err := env.Engine.Repo.GetContribution(env.Ctx, id)
	if err != nil {
		t.Fatalf("get contribution: %v", err)
	}
	return c
}

func (env testEnv) entity(t *testing.T, id string) domain.Entity {
	t.Helper()
	e, err := env.Engine.Repo.GetEntity(env.Ctx, nil, id)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	return e
}

func (env testEnv) countEvents(t *testing.T, typ string) int {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: typ, Limit: 1000})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return len(evts)
}

func TestCreateThenMergedWebhookPublishes(t *testing.T) {
	env := newTestEnv(t)
	env.Host.SetNextPullRequestNumber(42)
	res := env.createKPI(t, "Checkout Conversion Rate")

	if res.Entity.Slug != "checkout-conversion-rate" {
		t.Fatalf("slug = %q", res.Entity.Slug)
	}
	if res.Entity.Status != domain.StatusDraft {
		t.Fatalf("status = %s", res.Entity.Status)
	}
	if res.Sync == nil || !res.Sync.Success || res.Sync.PRNumber != 42 {
		t.Fatalf("sync = %+v", res.Sync)
	}
	if res.Entity.GithubPRNumber == nil || *res.Entity.GithubPRNumber != 42 {
		t.Fatalf("sync bookkeeping missing: %+v", res.Entity)
	}
	if got := env.contribution(t, res.Contribution.ID); got.Status != domain.ContributionPending {
		t.Fatalf("ledger = %s, want pending", got.Status)
	}

	pr := engine.ClosedPullRequest{Number: 42, Merged: true, HeadRef: "created-kpis-checkout-conversion-rate-1699999999999"}
	out, err := env.Engine.Reconcile(env.Ctx, pr)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Outcome != engine.OutcomeReconciled || !out.Published || out.Resolved != 1 {
		t.Fatalf("reconcile = %+v", out)
	}
	ent := env.entity(t, res.Entity.ID)
	if ent.Status != domain.StatusPublished {
		t.Fatalf("status = %s", ent.Status)
	}
	c := env.contribution(t, res.Contribution.ID)
	if c.Status != domain.ContributionCompleted {
		t.Fatalf("ledger = %s", c.Status)
	}

	// replay
	again, err := env.Engine.Reconcile(env.Ctx, pr)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Published || again.Resolved != 0 {
		t.Fatalf("replay transitioned again: %+v", again)
	}
	if replayed := env.entity(t, res.Entity.ID); replayed.Status != ent.Status || *replayed.GithubPRNumber != 42 || replayed.LastModifiedAt != ent.LastModifiedAt {
		t.Fatalf("replay changed entity: %+v", replayed)
	}
	if rc := env.contribution(t, res.Contribution.ID); rc.ResolvedAt != c.ResolvedAt || rc.Status != c.Status {
		t.Fatalf("replay changed ledger: %+v", rc)
	}
	if n := env.countEvents(t, "entity.published"); n != 1 {
		t.Fatalf("published events = %d", n)
	}
	if n := env.countEvents(t, "contribution.completed"); n != 1 {
		t.Fatalf("completed events = %d", n)
	}
}

func TestClosedUnmergedKeepsDraft(t *testing.T) {
	env := newTestEnv(t)
	res := env.createKPI(t, "Checkout Conversion Rate")
	out, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: res.Sync.PRNumber, Merged: false, HeadRef: res.Sync.Branch})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Published {
		t.Fatal("unmerged pull request published the entity")
	}
	if ent := env.entity(t, res.Entity.ID); ent.Status != domain.StatusDraft {
		t.Fatalf("status = %s", ent.Status)
	}
	if c := env.contribution(t, res.Contribution.ID); c.Status != domain.ContributionFailed {
		t.Fatalf("ledger = %s", c.Status)
	}
	ps, err := env.Engine.Repo.GetPendingSync(env.Ctx, nil, res.Sync.SyncID)
	if err != nil {
		t.Fatal(err)
	}
	if ps.State != domain.SyncClosed {
		t.Fatalf("pending sync state = %s", ps.State)
	}
}

func TestSyncFailureDoesNotFailCreate(t *testing.T) {
	env := newTestEnv(t)
	env.Host.FailOn(vcs.OpDefaultBranch, errors.New("401 bad credentials"))
	res := env.createKPI(t, "Revenue")

	ent := env.entity(t, res.Entity.ID)
	if ent.Status != domain.StatusDraft {
		t.Fatalf("status = %s", ent.Status)
	}
	if ent.GithubPRNumber != nil || ent.GithubCommitSHA != "" || ent.GithubPRURL != "" || ent.GithubFilePath != "" {
		t.Fatalf("sync fields set after failure: %+v", ent)
	}
	if res.Sync == nil || res.Sync.Success || res.Sync.Error == "" {
		t.Fatalf("sync = %+v", res.Sync)
	}
	c := env.contribution(t, res.Contribution.ID)
	if c.Status != domain.ContributionFailed || c.Error == "" {
		t.Fatalf("ledger = %+v", c)
	}

	env.Host.FailOn(vcs.OpDefaultBranch, nil)
	out, err := env.Engine.RetrySync(env.Ctx, domain.KindKPI, ent.ID, ada)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !out.Success || env.entity(t, ent.ID).GithubPRNumber == nil {
		t.Fatalf("retry did not sync: %+v", out)
	}
	if _, err := env.Engine.RetrySync(env.Ctx, domain.KindKPI, ent.ID, ada); err == nil {
		t.Fatal("retry of a synced entity should fail")
	}
}

func TestPublishTransitions(t *testing.T) {
	env := newTestEnv(t)
	res := env.createKPI(t, "Churn")

	_, err := env.Engine.Publish(env.Ctx, domain.KindKPI, res.Entity.ID, bob)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("want forbidden, got %v", err)
	}

	env.Host.FailOn(vcs.OpCreatePR, errors.New("connection reset"))
	_, err = env.Engine.Publish(env.Ctx, domain.KindKPI, res.Entity.ID, eve)
	if !engine.IsRetryable(err) {
		t.Fatalf("want retryable, got %v", err)
	}
	if ent := env.entity(t, res.Entity.ID); ent.Status != domain.StatusDraft {
		t.Fatalf("status after failed publish = %s", ent.Status)
	}

	env.Host.FailOn(vcs.OpCreatePR, nil)
	env.Host.SetNextPullRequestNumber(77)
	pub, err := env.Engine.Publish(env.Ctx, domain.KindKPI, res.Entity.ID, eve)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.Entity.Status != domain.StatusPublished || pub.Entity.GithubPRNumber == nil || *pub.Entity.GithubPRNumber != 77 {
		t.Fatalf("published entity = %+v", pub.Entity)
	}
	prs := env.Host.PullRequests()
	if last := prs[len(prs)-1]; last.Title != "Update kpi: Churn" {
		t.Fatalf("publish pr title = %q", last.Title)
	}

	var ite *engine.InvalidTransitionError
	if _, err := env.Engine.Publish(env.Ctx, domain.KindKPI, res.Entity.ID, eve); !errors.As(err, &ite) {
		t.Fatalf("republish: %v", err)
	}
	name := "Churn v2"
	if _, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindKPI, ID: res.Entity.ID, Name: &name, Actor: ada}); !errors.As(err, &ite) {
		t.Fatalf("edit published: %v", err)
	}
}

func TestEditRules(t *testing.T) {
	env := newTestEnv(t)
	res := env.createKPI(t, "Churn")
	name := "Customer Churn"

	_, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindKPI, ID: res.Entity.ID, Name: &name, Actor: bob})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("non-owner edit: %v", err)
	}

	edited, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindKPI, ID: res.Entity.ID, Name: &name, Actor: eve})
	if err != nil {
		t.Fatalf("editor edit: %v", err)
	}
	if edited.Entity.Name != name || edited.Entity.Slug != "churn" || edited.Entity.LastModifiedBy != "eve" {
		t.Fatalf("edited = %+v", edited.Entity)
	}
	if edited.Contribution.Action != domain.ActionEdited {
		t.Fatalf("contribution action = %s", edited.Contribution.Action)
	}

	if _, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindMetric, ID: res.Entity.ID, Name: &name, Actor: ada}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong kind: %v", err)
	}
}

func TestConcurrentEditsResolveIndependently(t *testing.T) {
	env := newTestEnv(t)
	created := env.createKPI(t, "Churn")
	name := "Churn (edited)"
	edit, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindKPI, ID: created.Entity.ID, Name: &name, Actor: ada})
	if err != nil {
		t.Fatal(err)
	}
	prs := env.Host.PullRequests()
	if len(prs) != 2 {
		t.Fatalf("pull requests = %d", len(prs))
	}

	// the edit's pull request closes first, unmerged, correlated by its body token
	out, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: prs[1].Number, Merged: false, HeadRef: prs[1].Head, Body: prs[1].Body})
	if err != nil {
		t.Fatal(err)
	}
	if out.Correlation != engine.CorrelatedByToken || out.Resolved != 1 {
		t.Fatalf("reconcile = %+v", out)
	}
	if c := env.contribution(t, edit.Contribution.ID); c.Status != domain.ContributionFailed {
		t.Fatalf("edit ledger = %s", c.Status)
	}
	if c := env.contribution(t, created.Contribution.ID); c.Status != domain.ContributionPending {
		t.Fatalf("create ledger touched: %s", c.Status)
	}
}

func TestLegacyBranchResolvesAllPending(t *testing.T) {
	env := newTestEnv(t)
	created := env.createKPI(t, "Churn")
	name := "Churn (edited)"
	edit, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindKPI, ID: created.Entity.ID, Name: &name, Actor: ada})
	if err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: 900, Merged: true, HeadRef: "edited-kpis-churn-1600000000000"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Correlation != engine.CorrelatedByLegacy || out.Resolved != 2 {
		t.Fatalf("reconcile = %+v", out)
	}
	for _, id := range []string{created.Contribution.ID, edit.Contribution.ID} {
		if c := env.contribution(t, id); c.Status != domain.ContributionCompleted {
			t.Fatalf("ledger %s = %s", id, c.Status)
		}
	}
	if ent := env.entity(t, created.Entity.ID); ent.Status != domain.StatusPublished || *ent.GithubPRNumber != 900 {
		t.Fatalf("entity = %+v", ent)
	}
}

func TestMergeWithoutURLRecordsMatchingURL(t *testing.T) {
	env := newTestEnv(t)
	created := env.createKPI(t, "Churn")
	name := "Churn (edited)"
	if _, err := env.Engine.EditEntity(env.Ctx, engine.EditOptions{Kind: domain.KindKPI, ID: created.Entity.ID, Name: &name, Actor: ada}); err != nil {
		t.Fatal(err)
	}
	prs := env.Host.PullRequests()
	if len(prs) != 2 {
		t.Fatalf("pull requests = %d", len(prs))
	}
	if ent := env.entity(t, created.Entity.ID); ent.GithubPRURL != prs[1].URL {
		t.Fatalf("url after edit = %q", ent.GithubPRURL)
	}

	// the create's pull request merges; the notification carries no url
	if _, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: prs[0].Number, Merged: true, HeadRef: prs[0].Head}); err != nil {
		t.Fatal(err)
	}
	ent := env.entity(t, created.Entity.ID)
	if ent.GithubPRNumber == nil || *ent.GithubPRNumber != prs[0].Number || ent.GithubPRURL != prs[0].URL {
		t.Fatalf("after correlated merge: number=%v url=%q", ent.GithubPRNumber, ent.GithubPRURL)
	}

	// an uncorrelated pull request without a url must not inherit the old one
	if _, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: 900, Merged: true, HeadRef: "edited-kpis-churn-1600000000000"}); err != nil {
		t.Fatal(err)
	}
	ent = env.entity(t, created.Entity.ID)
	if ent.GithubPRNumber == nil || *ent.GithubPRNumber != 900 || ent.GithubPRURL != "" {
		t.Fatalf("after legacy merge: number=%v url=%q", ent.GithubPRNumber, ent.GithubPRURL)
	}

	url := "https://github.com/acme/catalog/pull/901"
	if _, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: 901, Merged: true, HeadRef: "edited-kpis-churn-1600000000001", URL: url}); err != nil {
		t.Fatal(err)
	}
	if ent := env.entity(t, created.Entity.ID); ent.GithubPRURL != url {
		t.Fatalf("url = %q", ent.GithubPRURL)
	}
}

func TestUnknownBranchIsDropped(t *testing.T) {
	env := newTestEnv(t)
	for _, ref := range []string{"main", "created-kpis-does-not-exist-1", "feature-x"} {
		out, err := env.Engine.Reconcile(env.Ctx, engine.ClosedPullRequest{Number: 1, Merged: true, HeadRef: ref})
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		if out.Outcome != engine.OutcomeDropped {
			t.Fatalf("%s: outcome = %s", ref, out.Outcome)
		}
	}
	if n := env.countEvents(t, "webhook.dropped"); n != 3 {
		t.Fatalf("dropped events = %d", n)
	}
}

func TestReviewQueueAcrossKinds(t *testing.T) {
	env := newTestEnv(t)
	first := env.createKPI(t, "Churn")
	metric, err := env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{Kind: domain.KindMetric, Name: "Sessions", Actor: bob})
	if err != nil {
		t.Fatal(err)
	}
	dim, err := env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{Kind: domain.KindDimension, Name: "Country", Actor: bob})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Publish(env.Ctx, domain.KindMetric, metric.Entity.ID, eve); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.ReviewQueue(env.Ctx, engine.QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("queue = %d items", len(items))
	}
	if items[0].Entity.ID != dim.Entity.ID || items[1].Entity.ID != first.Entity.ID {
		t.Fatalf("queue order = %s, %s", items[0].Entity.Name, items[1].Entity.Name)
	}
	if items[0].Kind != domain.KindDimension {
		t.Fatalf("kind = %s", items[0].Kind)
	}

	only, err := env.Engine.ReviewQueue(env.Ctx, engine.QueueOptions{Kind: domain.KindKPI})
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].Entity.ID != first.Entity.ID {
		t.Fatalf("filtered queue = %+v", only)
	}
}

func TestSlugCollisionsGetSuffix(t *testing.T) {
	env := newTestEnv(t)
	a := env.createKPI(t, "Churn")
	b := env.createKPI(t, "churn!")
	c := env.createKPI(t, "日本")
	if a.Entity.Slug != "churn" || b.Entity.Slug != "churn-2" {
		t.Fatalf("slugs = %q, %q", a.Entity.Slug, b.Entity.Slug)
	}
	if len(c.Entity.Slug) != len("item-")+8 {
		t.Fatalf("fallback slug = %q", c.Entity.Slug)
	}
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{Kind: domain.KindKPI, Name: "Bad", Details: map[string]any{"direction": "up"}, Actor: ada})
	if err == nil {
		t.Fatal("expected validation error")
	}
	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateOptions{Kind: "widget", Name: "Bad", Actor: ada})
	var ie *engine.InputError
	if !errors.As(err, &ie) {
		t.Fatalf("want input error, got %v", err)
	}
	all, err := env.Engine.ListEntities(env.Ctx, repo.EntityFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("invalid payload stored %d entities", len(all))
	}
}

func TestAsyncDispatcherSyncsOffRequestPath(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Sync.Mode = config.SyncModeAsync
	env.Engine.EnableAsync(2, 8)

	res := env.createKPI(t, "Churn")
	if res.Sync != nil {
		t.Fatalf("async create returned a sync outcome: %+v", res.Sync)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.Engine.Dispatcher.Close(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ent := env.entity(t, res.Entity.ID); ent.GithubPRNumber == nil {
		t.Fatalf("async sync did not record bookkeeping: %+v", ent)
	}
	if err := env.Engine.Dispatcher.Enqueue(engine.SyncJob{}); !errors.Is(err, engine.ErrDispatcherClosed) {
		t.Fatalf("enqueue after close: %v", err)
	}
}

func TestCheckPublishedFindsLostReconciliation(t *testing.T) {
	env := newTestEnv(t)
	res := env.createKPI(t, "Churn")
	if _, err := env.Engine.DB.Exec(`UPDATE entities SET status='published', github_pr_number=NULL WHERE id=?`, res.Entity.ID); err != nil {
		t.Fatal(err)
	}
	bad, err := env.Engine.CheckPublished(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 1 {
		t.Fatalf("violations = %d", len(bad))
	}
}

func TestRoleAndKeyAdministration(t *testing.T) {
	env := newTestEnv(t)
	var fe auth.ForbiddenError

	if err := env.Engine.GrantRole(env.Ctx, bob, "ada", domain.RoleAdmin); !errors.As(err, &fe) {
		t.Fatalf("non-admin grant: expected forbidden, got %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, engine.Actor{}, "bob", domain.RoleAdmin); err != nil {
		t.Fatalf("operator grant: %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, bob, "ada", "owner"); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
	if err := env.Engine.GrantRole(env.Ctx, bob, "ada", domain.RoleEditor); err != nil {
		t.Fatalf("admin grant: %v", err)
	}
	roles, err := env.Engine.Roles(env.Ctx, "ada")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != domain.RoleEditor {
		t.Fatalf("expected ada to be editor, got %v", roles)
	}
	if err := env.Engine.RevokeRole(env.Ctx, bob, "ada", domain.RoleEditor); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if roles, _ := env.Engine.Roles(env.Ctx, "ada"); len(roles) != 0 {
		t.Fatalf("expected no roles after revoke, got %v", roles)
	}
	if got := env.countEvents(t, "role.granted"); got != 2 {
		t.Fatalf("expected 2 role.granted events, got %d", got)
	}
	if got := env.countEvents(t, "role.revoked"); got != 1 {
		t.Fatalf("expected 1 role.revoked event, got %d", got)
	}

	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, ada, "ada", "laptop")
	if err != nil {
		t.Fatalf("create own key: %v", err)
	}
	if len(plain) != 51 || plain[:3] != "kc_" {
		t.Fatalf("unexpected key shape %q", plain)
	}
	if key.KeyHash != repo.HashAPIKey(plain) {
		t.Fatalf("stored hash does not match the plain key")
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, ada, "eve", "x"); !errors.As(err, &fe) {
		t.Fatalf("key for another actor: expected forbidden, got %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, eve, key.ID); !errors.As(err, &fe) {
		t.Fatalf("deleting another actor's key: expected forbidden, got %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, bob, key.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, engine.Actor{}, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

package vcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *GitHubClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGitHubClient(GitHubOptions{
		BaseURL:   srv.URL,
		Owner:     "acme",
		Repo:      "catalog",
		Token:     StaticToken("tkn"),
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestGitHubClientFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/catalog/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"object":{"sha":"base123"}}`))
	})
	mux.HandleFunc("POST /repos/acme/catalog/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refs/heads/created-kpis-x-1", body["ref"])
		assert.Equal(t, "base123", body["sha"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /repos/acme/catalog/contents/data/kpis/x.yaml", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "created-kpis-x-1", r.URL.Query().Get("ref"))
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})
	mux.HandleFunc("PUT /repos/acme/catalog/contents/data/kpis/x.yaml", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		content, err := base64.StdEncoding.DecodeString(body["content"].(string))
		require.NoError(t, err)
		assert.Equal(t, "name: X\n", string(content))
		_, hasSHA := body["sha"]
		assert.False(t, hasSHA)
		assert.Equal(t, "Ada", body["author"].(map[string]any)["name"])
		_, _ = w.Write([]byte(`{"commit":{"sha":"commit456"}}`))
	})
	mux.HandleFunc("POST /repos/acme/catalog/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":42,"html_url":"https://github.com/acme/catalog/pull/42"}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	sha, err := c.DefaultBranchSHA(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "base123", sha)
	require.NoError(t, c.CreateBranch(ctx, "created-kpis-x-1", sha))

	_, found, err := c.FileSHA(ctx, "data/kpis/x.yaml", "created-kpis-x-1")
	require.NoError(t, err)
	assert.False(t, found)

	commit, err := c.PutFile(ctx, PutFileRequest{
		Path:    "data/kpis/x.yaml",
		Branch:  "created-kpis-x-1",
		Message: "Create kpi: X",
		Content: []byte("name: X\n"),
		Author:  Identity{Name: "Ada", Email: "ada@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "commit456", commit)

	pr, err := c.CreatePullRequest(ctx, PullRequestRequest{Title: "Create kpi: X", Head: "created-kpis-x-1", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/catalog/pull/42", pr.URL)
}

func TestGitHubClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"object":{"sha":"ok"}}`))
	}))
	sha, err := c.DefaultBranchSHA(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "ok", sha)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGitHubClientClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Object does not exist"}`))
	}))
	err := c.CreateBranch(context.Background(), "b", "sha")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 422, se.Status)
	assert.Equal(t, "Object does not exist", se.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGitHubClientPlainPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	err := c.do(context.Background(), http.MethodPost, c.repoPath("issues"), map[string]string{"title": "x"}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreatePullRequestRecoversWhenFirstResponseIsLost(t *testing.T) {
	var posts atomic.Int32
	var created atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/catalog/pulls", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if created.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed","errors":[{"resource":"PullRequest","code":"custom","message":"A pull request already exists for acme:created-kpis-x-1."}]}`))
	})
	mux.HandleFunc("GET /repos/acme/catalog/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme:created-kpis-x-1", r.URL.Query().Get("head"))
		assert.Equal(t, "main", r.URL.Query().Get("base"))
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		if !created.Load() {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"number":42,"html_url":"https://github.com/acme/catalog/pull/42"}]`))
	})
	c := newTestClient(t, mux)

	pr, err := c.CreatePullRequest(context.Background(), PullRequestRequest{Title: "Create kpi: X", Head: "created-kpis-x-1", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), posts.Load())
	assert.Equal(t, PullRequest{Number: 42, URL: "https://github.com/acme/catalog/pull/42"}, pr)
}

func TestCreatePullRequestConflictWithoutExistingPRFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/catalog/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed","errors":[{"message":"A pull request already exists for acme:b."}]}`))
	})
	mux.HandleFunc("GET /repos/acme/catalog/pulls", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	c := newTestClient(t, mux)

	_, err := c.CreatePullRequest(context.Background(), PullRequestRequest{Head: "b", Base: "main"})
	assert.True(t, IsAlreadyExists(err))
}

func TestCreateBranchAcceptsRefFromLostResponse(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/catalog/git/refs", func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Reference already exists"}`))
	})
	mux.HandleFunc("GET /repos/acme/catalog/git/ref/heads/created-kpis-x-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":{"sha":"base123"}}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.CreateBranch(ctx, "created-kpis-x-1", "base123"))
	assert.Equal(t, int32(2), posts.Load())

	err := c.CreateBranch(ctx, "created-kpis-x-1", "other456")
	assert.True(t, IsAlreadyExists(err))
}

func TestGitHubClientMissingToken(t *testing.T) {
	c := NewGitHubClient(GitHubOptions{Owner: "acme", Repo: "catalog", Token: StaticToken("")})
	_, err := c.DefaultBranchSHA(context.Background(), "main")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	c := NewGitHubClient(GitHubOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: 3 * time.Second})
	assert.Equal(t, 2*time.Second, c.retryDelay(1, "2"))
	assert.Equal(t, 3*time.Second, c.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
}

package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type GitHubOptions struct {
	BaseURL    string
	Owner      string
	Repo       string
	Token      TokenSource
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// GitHubClient talks to the GitHub REST v3 API.
type GitHubClient struct {
	baseURL    string
	owner      string
	repo       string
	token      TokenSource
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewGitHubClient(opts GitHubOptions) *GitHubClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "kpicatalog-sync"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &GitHubClient{
		baseURL:    baseURL,
		owner:      opts.Owner,
		repo:       opts.Repo,
		token:      opts.Token,
		httpClient: httpClient,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *GitHubClient) DefaultBranchSHA(ctx context.Context, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.do(ctx, http.MethodGet, c.repoPath("git", "ref", "heads")+"/"+escapePath(branch), nil, &out); err != nil {
		return "", err
	}
	if out.Object.SHA == "" {
		return "", fmt.Errorf("branch %s has no head commit", branch)
	}
	return out.Object.SHA, nil
}

// CreateBranch creates refs/heads/name at fromSHA. A ref that already points
// at fromSHA counts as created.
func (c *GitHubClient) CreateBranch(ctx context.Context, name, fromSHA string) error {
	body := map[string]string{"ref": "refs/heads/" + name, "sha": fromSHA}
	err := c.send(ctx, http.MethodPost, c.repoPath("git", "refs"), body, nil, true)
	if !IsAlreadyExists(err) {
		return err
	}
	existing, lookupErr := c.DefaultBranchSHA(ctx, name)
	if lookupErr != nil || existing != fromSHA {
		return err
	}
	return nil
}

func (c *GitHubClient) FileSHA(ctx context.Context, path, ref string) (string, bool, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	p := c.repoPath("contents") + "/" + escapePath(path) + "?ref=" + url.QueryEscape(ref)
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	if IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return out.SHA, true, nil
}

func (c *GitHubClient) PutFile(ctx context.Context, req PutFileRequest) (string, error) {
	body := map[string]any{
		"message":   req.Message,
		"content":   base64.StdEncoding.EncodeToString(req.Content),
		"branch":    req.Branch,
		"committer": req.Committer,
		"author":    req.Author,
	}
	if req.PriorSHA != "" {
		body["sha"] = req.PriorSHA
	}
	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := c.do(ctx, http.MethodPut, c.repoPath("contents")+"/"+escapePath(req.Path), body, &out); err != nil {
		return "", err
	}
	return out.Commit.SHA, nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, req PullRequestRequest) (PullRequest, error) {
	body := map[string]string{"title": req.Title, "head": req.Head, "base": req.Base, "body": req.Body}
	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err := c.send(ctx, http.MethodPost, c.repoPath("pulls"), body, &out, true)
	if IsAlreadyExists(err) {
		if pr, ok := c.findPullRequest(ctx, req.Head, req.Base); ok {
			return pr, nil
		}
	}
	if err != nil {
		return PullRequest{}, err
	}
	return PullRequest{Number: out.Number, URL: out.HTMLURL}, nil
}

// findPullRequest looks up the pull request already opened from head.
func (c *GitHubClient) findPullRequest(ctx context.Context, head, base string) (PullRequest, bool) {
	q := url.Values{}
	q.Set("head", c.owner+":"+head)
	q.Set("base", base)
	q.Set("state", "all")
	var out []struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := c.do(ctx, http.MethodGet, c.repoPath("pulls")+"?"+q.Encode(), nil, &out); err != nil || len(out) == 0 {
		return PullRequest{}, false
	}
	return PullRequest{Number: out[0].Number, URL: out[0].HTMLURL}, true
}

func (c *GitHubClient) repoPath(parts ...string) string {
	return "/repos/" + url.PathEscape(c.owner) + "/" + url.PathEscape(c.repo) + "/" + strings.Join(parts, "/")
}

func escapePath(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// do sends one API call. Only GET and PUT are retried on transport errors,
// 429 and 5xx; a repeated POST could create a second ref or pull request.
func (c *GitHubClient) do(ctx context.Context, method, path string, payload, out any) error {
	return c.send(ctx, method, path, payload, out, method == http.MethodGet || method == http.MethodPut)
}

// send is do with an explicit retry policy. Callers passing retry for a POST
// must resolve a 422 "already exists" from a repeated attempt themselves.
func (c *GitHubClient) send(ctx context.Context, method, path string, payload, out any, retry bool) error {
	if c.token == nil {
		return ErrMissingCredentials
	}
	token, err := c.token.Token(ctx)
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	maxRetries := c.maxRetries
	if !retry {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		req.Header.Set("User-Agent", c.userAgent)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		msg := strings.TrimSpace(string(respBody))
		var parsed struct {
			Message string `json:"message"`
			Errors  []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Message
			for _, e := range parsed.Errors {
				if e.Message != "" {
					msg += ": " + e.Message
				}
			}
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
}

func (c *GitHubClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if d := parseRetryAfter(retryAfter); d > 0 {
		return min(d, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

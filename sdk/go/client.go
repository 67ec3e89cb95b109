package catalogsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal KPI catalog HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Entity is a catalog item of any kind.
type Entity struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Slug           string         `json:"slug"`
	Status         string         `json:"status"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Category       string         `json:"category,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedBy      string         `json:"created_by"`
	LastModifiedBy string         `json:"last_modified_by"`
	CreatedAt      string         `json:"created_at"`
	LastModifiedAt string         `json:"last_modified_at"`
	PRNumber       *int           `json:"github_pr_number,omitempty"`
	PRURL          string         `json:"github_pr_url,omitempty"`
	FilePath       string         `json:"github_file_path,omitempty"`
}

// Sync is the outcome of pushing an entity to the external repository.
type Sync struct {
	Success        bool   `json:"success"`
	SyncID         string `json:"sync_id"`
	ContributionID string `json:"contribution_id"`
	Branch         string `json:"branch,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Contribution struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	ItemType   string `json:"item_type"`
	ItemID     string `json:"item_id"`
	ItemSlug   string `json:"item_slug"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	PRNumber   *int   `json:"pr_number,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

type WriteResult struct {
	Entity       Entity       `json:"entity"`
	Contribution Contribution `json:"contribution"`
	Sync         *Sync        `json:"sync,omitempty"`
}

type PublishResult struct {
	Entity Entity `json:"entity"`
	Sync   Sync   `json:"sync"`
}

type QueueItem struct {
	Kind   string `json:"kind"`
	Entity Entity `json:"entity"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type WhoAmI struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty"`
}

// EntityInput is the body of create and edit calls. Nil fields are left
// unchanged on edit.
type EntityInput struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Category    *string        `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin exchanges an actor id for a bearer token and keeps it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, name, email string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"actor_id": actorID, "name": name, "email": email}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// CreateEntity creates a draft and returns it with its sync outcome.
func (c *Client) CreateEntity(ctx context.Context, kind string, in EntityInput) (WriteResult, error) {
	var resp WriteResult
	err := c.do(ctx, http.MethodPost, entityPath(kind, ""), in, &resp)
	return resp, err
}

// EditEntity changes a draft.
func (c *Client) EditEntity(ctx context.Context, kind, id string, in EntityInput) (WriteResult, error) {
	var resp WriteResult
	err := c.do(ctx, http.MethodPatch, entityPath(kind, id), in, &resp)
	return resp, err
}

// GetEntity fetches by id or slug.
func (c *Client) GetEntity(ctx context.Context, kind, idOrSlug string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, entityPath(kind, idOrSlug), nil, &resp)
	return resp, err
}

func (c *Client) ListEntities(ctx context.Context, kind, status string, limit int) ([]Entity, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Entity
	err := c.do(ctx, http.MethodGet, withQuery(entityPath(kind, ""), q), nil, &resp)
	return resp, err
}

// RetrySync pushes the current state of an entity again.
func (c *Client) RetrySync(ctx context.Context, kind, id string) (Sync, error) {
	var resp Sync
	err := c.do(ctx, http.MethodPost, entityPath(kind, id)+"/sync", nil, &resp)
	return resp, err
}

// ReviewQueue lists drafts awaiting publication.
func (c *Client) ReviewQueue(ctx context.Context, kind string) ([]QueueItem, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	var resp []QueueItem
	err := c.do(ctx, http.MethodGet, withQuery("review/queue", q), nil, &resp)
	return resp, err
}

// Publish opens the publish pull request for a draft. Editors only.
func (c *Client) Publish(ctx context.Context, kind, id string) (PublishResult, error) {
	var resp PublishResult
	endpoint := fmt.Sprintf("review/%s/%s/publish", url.PathEscape(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Contributions(ctx context.Context, userID string, limit int) ([]Contribution, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Contribution
	err := c.do(ctx, http.MethodGet, withQuery("contributions", q), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateAPIKey returns the plain key once; the server keeps only its hash.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]string{"name": name}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func entityPath(kind, id string) string {
	p := "entities/" + url.PathEscape(kind)
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

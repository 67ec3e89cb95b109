package domain

import "time"

type Entity struct {
	ID              string         `json:"id" db:"id"`
	Kind            Kind           `json:"kind" db:"kind" enum:"kpi,metric,dimension,event,dashboard"`
	Slug            string         `json:"slug" db:"slug"`
	Status          Status         `json:"status" db:"status" enum:"draft,published,archived"`
	Name            string         `json:"name" db:"name"`
	Description     string         `json:"description,omitempty" db:"description"`
	Category        string         `json:"category,omitempty" db:"category"`
	Tags            []string       `json:"tags,omitempty" db:"-"`
	Details         map[string]any `json:"details,omitempty" db:"-"`
	CreatedBy       string         `json:"created_by" db:"created_by"`
	LastModifiedBy  string         `json:"last_modified_by" db:"last_modified_by"`
	CreatedAt       string         `json:"created_at" db:"created_at" format:"date-time"`
	LastModifiedAt  string         `json:"last_modified_at" db:"last_modified_at" format:"date-time"`
	GithubCommitSHA string         `json:"github_commit_sha,omitempty" db:"github_commit_sha"`
	GithubPRNumber  *int           `json:"github_pr_number,omitempty" db:"github_pr_number"`
	GithubPRURL     string         `json:"github_pr_url,omitempty" db:"github_pr_url"`
	GithubFilePath  string         `json:"github_file_path,omitempty" db:"github_file_path"`
	PublishExempt   bool           `json:"publish_exempt,omitempty" db:"publish_exempt"`
}

// Synced reports whether the entity carries bookkeeping from a successful sync.
func (e Entity) Synced() bool {
	return e.GithubPRNumber != nil
}

type Contribution struct {
	ID         string             `json:"id" db:"id"`
	UserID     string             `json:"user_id" db:"user_id"`
	ItemType   Kind               `json:"item_type" db:"item_type"`
	ItemID     string             `json:"item_id" db:"item_id"`
	ItemSlug   string             `json:"item_slug" db:"item_slug"`
	Action     Action             `json:"action" db:"action" enum:"created,edited"`
	Status     ContributionStatus `json:"status" db:"status" enum:"pending,completed,failed"`
	SyncID     string             `json:"sync_id,omitempty" db:"sync_id"`
	PRNumber   *int               `json:"pr_number,omitempty" db:"pr_number"`
	Error      string             `json:"error,omitempty" db:"error"`
	CreatedAt  string             `json:"created_at" db:"created_at" format:"date-time"`
	ResolvedAt string             `json:"resolved_at,omitempty" db:"resolved_at" format:"date-time"`
}

// PendingSync correlates one sync attempt with the pull request it opened.
// The ID doubles as the opaque token embedded in the pull request body.
type PendingSync struct {
	ID        string    `json:"id" db:"id"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	Kind      Kind      `json:"kind" db:"kind"`
	Action    Action    `json:"action" db:"action"`
	Branch    string    `json:"branch,omitempty" db:"branch"`
	PRNumber  *int      `json:"pr_number,omitempty" db:"pr_number"`
	PRURL     string    `json:"pr_url,omitempty" db:"pr_url"`
	CommitSHA string    `json:"commit_sha,omitempty" db:"commit_sha"`
	FilePath  string    `json:"file_path,omitempty" db:"file_path"`
	State     SyncState `json:"state" db:"state" enum:"open,merged,closed"`
	CreatedAt string    `json:"created_at" db:"created_at" format:"date-time"`
	ClosedAt  string    `json:"closed_at,omitempty" db:"closed_at" format:"date-time"`
}

type WebhookDelivery struct {
	DeliveryID  string `json:"delivery_id" db:"delivery_id"`
	Event       string `json:"event" db:"event"`
	Action      string `json:"action,omitempty" db:"action"`
	Payload     string `json:"payload" db:"payload"`
	Outcome     string `json:"outcome,omitempty" db:"outcome"`
	Error       string `json:"error,omitempty" db:"error"`
	ReceivedAt  string `json:"received_at" db:"received_at" format:"date-time"`
	ProcessedAt string `json:"processed_at,omitempty" db:"processed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	Name      string `json:"name,omitempty" db:"name"`
	KeyHash   string `json:"key_hash" db:"key_hash"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

type ActorRole struct {
	ActorID   string `json:"actor_id" db:"actor_id"`
	Role      string `json:"role" db:"role"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// TimeLayout is the fixed-width UTC layout for every stored timestamp, so
// lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

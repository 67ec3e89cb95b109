package server

import (
	"encoding/json"

	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine"
)

// Request payloads

type CreateEntityRequest struct {
	Name        string         `json:"name" minLength:"1" maxLength:"200"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

type EditEntityRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Category    *string        `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"editor,admin"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"Defaults to the caller"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
}

type PublishExemptRequest struct {
	Exempt bool `json:"exempt"`
}

// Response payloads

type SyncResponse struct {
	Success        bool   `json:"success"`
	SyncID         string `json:"sync_id"`
	ContributionID string `json:"contribution_id"`
	Branch         string `json:"branch,omitempty"`
	CommitSHA      string `json:"commit_sha,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	Error          string `json:"error,omitempty"`
}

type WriteResponse struct {
	Entity       domain.Entity       `json:"entity"`
	Contribution domain.Contribution `json:"contribution"`
	Sync         *SyncResponse       `json:"sync,omitempty" doc:"Absent while the sync is queued"`
}

type PublishResponse struct {
	Entity domain.Entity `json:"entity"`
	Sync   SyncResponse  `json:"sync"`
}

type QueueItemResponse struct {
	Kind   domain.Kind   `json:"kind"`
	Entity domain.Entity `json:"entity"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty" doc:"Only returned on creation"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func syncResponse(o engine.SyncOutcome) SyncResponse {
	return SyncResponse{
		Success:        o.Success,
		SyncID:         o.SyncID,
		ContributionID: o.ContributionID,
		Branch:         o.Branch,
		CommitSHA:      o.CommitSHA,
		PRNumber:       o.PRNumber,
		PRURL:          o.PRURL,
		FilePath:       o.FilePath,
		Error:          o.Error,
	}
}

func writeResponse(res engine.WriteResult) WriteResponse {
	out := WriteResponse{Entity: res.Entity, Contribution: res.Contribution}
	if res.Sync != nil {
		s := syncResponse(*res.Sync)
		out.Sync = &s
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

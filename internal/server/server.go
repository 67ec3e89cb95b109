package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"kpicatalog/internal/catalogschema"
	"kpicatalog/internal/domain"
	"kpicatalog/internal/engine"
	"kpicatalog/internal/engine/auth"
	"kpicatalog/internal/repo"
)

// WebhookPath is where the external host posts pull request notifications.
const WebhookPath = "/webhooks/vcs"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Webhook is mounted at WebhookPath outside authentication when set.
	Webhook http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"sync_unavailable"`
	Message string         `json:"message" example:"publish: sync failed, verify repository credentials and connectivity then retry"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the catalog API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.Webhook != nil {
		router.Method(http.MethodPost, WebhookPath, cfg.Webhook)
	}
	router.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				data, _ := io.ReadAll(req.Body)
				req.Body = io.NopCloser(bytes.NewBuffer(data))
				ctx := context.WithValue(req.Context(), requestKey{}, req)
				ctx = context.WithValue(ctx, bodyBytesKey{}, data)
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
		r.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
		hcfg := huma.DefaultConfig("KPI Catalog API", "1.0.0")
		hcfg.OpenAPIPath = "/openapi"
		hcfg.DocsPath = ""
		api := humachi.New(r, hcfg)
		group := huma.NewGroup(api, basePath)

		registerDocs(r, basePath)
		registerHealth(group)
		registerEntities(group, cfg.Engine)
		registerReview(group, cfg.Engine)
		registerContributions(group, cfg.Engine)
		registerEvents(group, cfg.Engine)
		registerRoles(group, cfg.Engine)
		registerAPIKeys(group, cfg.Engine)
		registerMe(group, cfg.Engine)
		if cfg.Auth.EnableDevLogin {
			registerDevAuth(group, cfg.Auth)
		}
		registerOpenAPI(r, api, basePath)
	})
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"roles": fe.Roles})
	}
	var ie *engine.InputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ie.Field})
	}
	var ve *catalogschema.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), map[string]any{"kind": ve.Kind})
	}
	var te *engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"status": te.From})
	}
	var re *engine.RetryableError
	if errors.As(err, &re) {
		return newAPIError(http.StatusServiceUnavailable, "sync_unavailable", err.Error(), map[string]any{"retryable": true})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseKind(raw string) (domain.Kind, huma.StatusError) {
	k, err := domain.ParseKind(raw)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kind": raw})
	}
	return k, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>KPI Catalog API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type entityPath struct {
	Kind string `path:"kind" doc:"kpi, metric, dimension, event or dashboard (plural accepted)"`
	ID   string `path:"id"`
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{kind}",
		Summary:       "Create a draft and sync it",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Kind string              `path:"kind"`
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		res, err := e.CreateEntity(ctx, engine.CreateOptions{
			Kind:        kind,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Tags:        input.Body.Tags,
			Details:     input.Body.Details,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: writeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}",
		Summary:     "List entities of a kind",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind      string `path:"kind"`
		Status    string `query:"status" enum:"draft,published,archived"`
		CreatedBy string `query:"created_by"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Entity `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		items, err := e.ListEntities(ctx, repo.EntityFilters{
			Kind:      kind,
			Status:    domain.Status(input.Status),
			CreatedBy: input.CreatedBy,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Entity `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}",
		Summary:     "Get an entity by id or slug",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		ent, err := e.GetEntity(ctx, kind, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			ent, err = e.GetEntityBySlug(ctx, kind, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-entity",
		Method:      http.MethodPatch,
		Path:        "/entities/{kind}/{id}",
		Summary:     "Edit a draft and sync it",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind"`
		ID   string            `path:"id"`
		Body EditEntityRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		opts := engine.EditOptions{
			Kind:        kind,
			ID:          input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Category:    input.Body.Category,
			Details:     input.Body.Details,
			Actor:       actor,
		}
		if _, ok := rawBodyMap(ctx)["tags"]; ok {
			tags := nonNilSlice(input.Body.Tags)
			opts.Tags = &tags
		}
		res, err := e.EditEntity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: writeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-sync",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/sync",
		Summary:     "Retry the sync of an entity that never got a pull request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		out, err := e.RetrySync(ctx, kind, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: syncResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-publish-exempt",
		Method:      http.MethodPut,
		Path:        "/entities/{kind}/{id}/publish-exempt",
		Summary:     "Exempt a published entity from the pull request requirement",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string               `path:"kind"`
		ID   string               `path:"id"`
		Body PublishExemptRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		if err := e.SetPublishExempt(ctx, kind, input.ID, input.Body.Exempt, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "review-queue",
		Method:      http.MethodGet,
		Path:        "/review/queue",
		Summary:     "Drafts of every kind, most recently modified first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		opts := engine.QueueOptions{Limit: input.Limit}
		if input.Kind != "" {
			kind, kerr := parseKind(input.Kind)
			if kerr != nil {
				return nil, kerr
			}
			opts.Kind = kind
		}
		items, err := e.ReviewQueue(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]QueueItemResponse, 0, len(items))
		for _, it := range items {
			out = append(out, QueueItemResponse{Kind: it.Kind, Entity: it.Entity})
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish",
		Method:      http.MethodPost,
		Path:        "/review/{kind}/{id}/publish",
		Summary:     "Re-sync a draft and publish it",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, kerr := parseKind(input.Kind)
		if kerr != nil {
			return nil, kerr
		}
		res, err := e.Publish(ctx, kind, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Entity: res.Entity, Sync: syncResponse(res.Sync)}}, nil
	})
}

func registerContributions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contributions",
		Method:      http.MethodGet,
		Path:        "/contributions",
		Summary:     "Contribution ledger",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID   string `query:"user_id"`
		ItemID   string `query:"item_id"`
		ItemType string `query:"item_type"`
		Status   string `query:"status" enum:"pending,completed,failed"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Contribution `json:"body"`
	}, error) {
		f := repo.ContributionFilters{
			UserID: input.UserID,
			ItemID: input.ItemID,
			Status: domain.ContributionStatus(input.Status),
			Limit:  normalizeLimit(input.Limit),
		}
		if input.ItemType != "" {
			kind, kerr := parseKind(input.ItemType)
			if kerr != nil {
				return nil, kerr
			}
			f.ItemType = kind
		}
		items, err := e.ListContributions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Contribution `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	for _, op := range []struct {
		id, path, summary string
		apply             func(context.Context, engine.Actor, string, string) error
	}{
		{"grant-role", "/roles/grant", "Grant role", e.GrantRole},
		{"revoke-role", "/roles/revoke", "Revoke role", e.RevokeRole},
	} {
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := op.apply(ctx, actor, input.Body.ActorID, input.Body.Role); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := strings.TrimSpace(input.Body.ActorID)
		if owner == "" {
			owner = actor.ID
		}
		plain, key, err := e.CreateAPIKey(ctx, actor, owner, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles, err := e.Roles(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Name:    p.Name,
			Email:   p.Email,
			Roles:   nonNilSlice(roles),
			Source:  p.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Name, input.Body.Email, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]json.RawMessage{}
	}
	return out
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

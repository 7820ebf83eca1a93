// Package server is the Request Facade: it translates REST and WebSocket
// requests into internal/engine calls and internal/store queries. It
// performs no business logic beyond request validation and translation.
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
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"smokestack/internal/auth"
	"smokestack/internal/domain"
	"smokestack/internal/engine"
	"smokestack/internal/errs"
	"smokestack/internal/events"
	"smokestack/internal/history"
	"smokestack/internal/schema"
	"smokestack/internal/store"
)

// Config wires the request facade's dependencies.
type Config struct {
	Engine  *engine.Engine
	Store   *store.Store
	History *history.Log
	Bus     *events.Bus
	Schema  *schema.Validator

	BasePath string
	Auth     auth.Config
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lock_conflict"`
	Message string         `json:"message" example:"component bar is locked by operation 124"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type apiError struct {
	status int
	apiErrorBody
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

type bodyBytesKey struct{}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// New returns an HTTP handler exposing the Smokestack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errList ...error) huma.StatusError {
		var details map[string]any
		if len(errList) > 0 {
			details = map[string]any{"errors": errList}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(auth.Middleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Smokestack API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOperations(group, cfg)
	registerSubscriptions(group, cfg)
	registerComponents(group, cfg)
	registerTags(group, cfg)
	registerGroups(group, cfg)
	registerSystemSinks(group, cfg)
	registerHistory(group, cfg)
	registerWatch(router, basePath, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, apiErrorBody: apiErrorBody{Code: code, Message: message, Details: details}}
}

// handleError translates a domain/engine error into the facade's structured
// envelope, mapping every error kind spec §7 names to an HTTP status.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *errs.Error
	if errors.As(err, &se) {
		return newAPIError(statusForKind(se.Kind), string(se.Kind), se.Message, se.Details)
	}
	return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
}

func statusForKind(k errs.Kind) int {
	switch k {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.InvalidTransition, errs.CycleDetected, errs.ScheduleConflictWithDependency:
		return http.StatusUnprocessableEntity
	case errs.DependencyPending, errs.DependencyUnsatisfiable, errs.NeedsApproval, errs.LockConflict:
		return http.StatusConflict
	case errs.Unauthorized:
		return http.StatusForbidden
	case errs.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_input"
	case http.StatusForbidden:
		return "unauthorized"
	default:
		return "internal"
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Smokestack API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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

func rawJSON(ctx context.Context) (any, error) {
	raw := bodyBytes(ctx)
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// registerOperations exposes create/show/list/edit/transition/approve, and
// the external synchronizer's set_approvals bypass.
func registerOperations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Create operation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateOperationRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := rawJSON(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		if err := cfg.Schema.ValidateOperationWrite(raw); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		op, err := cfg.Engine.Create(ctx, engine.CreateInput{
			Title:       input.Body.Title,
			Purpose:     input.Body.Purpose,
			URL:         input.Body.URL,
			StartsAt:    input.Body.StartsAt,
			EndsAt:      input.Body.EndsAt,
			Annotations: input.Body.Annotations,
			Components:  input.Body.Components,
			Locks:       input.Body.Locks,
			Tags:        input.Body.Tags,
			DependsOn:   input.Body.DependsOn,
			Operators:   input.Body.Operators,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Show operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		op, err := cfg.Store.GetOperation(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
	}, func(ctx context.Context, input *struct {
		Component string `query:"component"`
		Tag       string `query:"tag"`
		Status    string `query:"status"`
		From      string `query:"from"`
		To        string `query:"to"`
		Mine      bool   `query:"mine"`
		Cursor    string `query:"cursor"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body paginatedOperations `json:"body"`
	}, error) {
		actor, _ := auth.FromContext(ctx)
		all := cfg.Store.ListOperations()

		var from, to time.Time
		if input.From != "" {
			from, _ = time.Parse(time.RFC3339, input.From)
		}
		if input.To != "" {
			to, _ = time.Parse(time.RFC3339, input.To)
		}

		filtered := make([]domain.Operation, 0, len(all))
		for _, op := range all {
			if input.Component != "" && !op.HasComponent(input.Component) {
				continue
			}
			if input.Tag != "" && !op.HasTag(input.Tag) {
				continue
			}
			if input.Status != "" && string(op.Status) != input.Status {
				continue
			}
			if !from.IsZero() && op.CreatedAt.Before(from) {
				continue
			}
			if !to.IsZero() && op.CreatedAt.After(to) {
				continue
			}
			if input.Mine && !isMine(op, actor.Actor, cfg.Store) {
				continue
			}
			filtered = append(filtered, op)
		}

		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		start := 0
		if input.Cursor != "" {
			createdAt, id, err := parseCompositeCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_input", "invalid cursor", nil)
			}
			for i, op := range filtered {
				if op.CreatedAt.After(createdAt) || (op.CreatedAt.Equal(createdAt) && op.ID > id) {
					start = i
					break
				}
				start = i + 1
			}
		}
		end := start + limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page := filtered[start:end]
		resp := paginatedOperations{Items: mapOperations(page)}
		if end < len(filtered) {
			last := page[len(page)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedOperations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-operation",
		Method:      http.MethodPatch,
		Path:        "/operations/{id}",
		Summary:     "Edit operation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body EditOperationRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := rawJSON(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		if err := cfg.Schema.ValidateOperationWrite(raw); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		op, err := cfg.Engine.Edit(ctx, input.ID, engine.EditInput{
			Title:       input.Body.Title,
			Purpose:     input.Body.Purpose,
			URL:         input.Body.URL,
			StartsAt:    input.Body.StartsAt,
			EndsAt:      input.Body.EndsAt,
			Annotations: input.Body.Annotations,
			Components:  input.Body.Components,
			Locks:       input.Body.Locks,
			Tags:        input.Body.Tags,
			DependsOn:   input.Body.DependsOn,
			Operators:   input.Body.Operators,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/transition",
		Summary:     "Transition operation status",
		Errors: []int{
			http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized,
			http.StatusConflict, http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := rawJSON(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		if err := cfg.Schema.ValidateTransition(raw); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		op, err := cfg.Engine.Transition(ctx, input.ID, domain.Status(input.Body.To), actor, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/approve",
		Summary:     "Approve operation",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := cfg.Engine.Approve(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-approvals-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/set-approvals",
		Summary:     "Replace approvals (external synchronizer)",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body SetApprovalsRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := cfg.Engine.SetApprovals(ctx, input.ID, input.Body.Users, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})
}

func isMine(op domain.Operation, actor string, st *store.Store) bool {
	if op.CreatedBy == actor {
		return true
	}
	for _, o := range op.Operators {
		if o == actor {
			return true
		}
	}
	for _, sub := range st.SubscriptionsFor(actor) {
		if sub.Kind == domain.SelectorOperation && sub.Selector == fmt.Sprint(op.ID) {
			return true
		}
	}
	return false
}

func registerSubscriptions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/subscriptions",
		Summary:     "List current user's subscriptions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedSubscriptions `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		subs := cfg.Store.SubscriptionsFor(actor)
		out := make([]SubscriptionResponse, len(subs))
		for i, s := range subs {
			out[i] = subscriptionResponse(s)
		}
		return &struct {
			Body paginatedSubscriptions `json:"body"`
		}{Body: paginatedSubscriptions{Items: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-subscription",
		Method:        http.MethodPost,
		Path:          "/subscriptions",
		Summary:       "Add a subscription",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubscribeRequest `json:"body"`
	}) (*struct {
		Body SubscriptionResponse `json:"body"`
	}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind := domain.SelectorKind(input.Body.Kind)
		switch kind {
		case domain.SelectorOperation, domain.SelectorComponent, domain.SelectorTag:
		default:
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "kind must be operation, component, or tag", nil)
		}
		if input.Body.Selector == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "selector is required", nil)
		}
		sub := domain.Subscription{Subscriber: actor, Kind: kind, Selector: input.Body.Selector, CreatedAt: time.Now().UTC()}
		cfg.Store.AddSubscription(sub)
		return &struct {
			Body SubscriptionResponse `json:"body"`
		}{Body: subscriptionResponse(sub)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-subscription",
		Method:      http.MethodDelete,
		Path:        "/subscriptions",
		Summary:     "Remove a subscription",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind"`
		Selector string `query:"selector"`
	}) (*struct{}, error) {
		actor, authErr := auth.ActorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg.Store.RemoveSubscription(actor, domain.SelectorKind(input.Kind), input.Selector)
		return &struct{}{}, nil
	})
}

func registerComponents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-component",
		Method:        http.MethodPost,
		Path:          "/components",
		Summary:       "Create component",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateComponentRequest `json:"body"`
	}) (*struct {
		Body ComponentResponse `json:"body"`
	}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "name is required", nil)
		}
		c := domain.Component{
			Name:               input.Body.Name,
			Description:        input.Body.Description,
			URL:                input.Body.URL,
			Owners:             input.Body.Owners,
			RequiresApprovalBy: input.Body.RequiresApprovalBy,
			RequiredApprovals:  input.Body.RequiredApprovals,
			CreatedAt:          time.Now().UTC(),
		}
		cfg.Store.PutComponent(c)
		return &struct {
			Body ComponentResponse `json:"body"`
		}{Body: componentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-component",
		Method:      http.MethodGet,
		Path:        "/components/{name}",
		Summary:     "Show component",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body ComponentResponse `json:"body"`
	}, error) {
		c, err := cfg.Store.GetComponent(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComponentResponse `json:"body"`
		}{Body: componentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-components",
		Method:      http.MethodGet,
		Path:        "/components",
		Summary:     "List components",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ComponentResponse `json:"body"`
	}, error) {
		items := cfg.Store.ListComponents()
		out := make([]ComponentResponse, len(items))
		for i, c := range items {
			out[i] = componentResponse(c)
		}
		return &struct {
			Body []ComponentResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-component",
		Method:      http.MethodDelete,
		Path:        "/components/{name}",
		Summary:     "Delete component",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Store.GetComponent(input.Name); err != nil {
			return nil, handleError(err)
		}
		for _, id := range cfg.Store.OperationsByComponent(input.Name) {
			op, err := cfg.Store.GetOperation(id)
			if err == nil && !op.Status.Terminal() {
				return nil, handleError(errs.Conflictf("component %s is referenced by non-terminal operation %d", input.Name, id))
			}
		}
		cfg.Store.DeleteComponent(input.Name)
		return &struct{}{}, nil
	})
}

func registerTags(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tag",
		Method:        http.MethodPost,
		Path:          "/tags",
		Summary:       "Create tag",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateTagRequest `json:"body"`
	}) (*struct {
		Body TagResponse `json:"body"`
	}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "name is required", nil)
		}
		t := domain.Tag{
			Name:               input.Body.Name,
			Description:        input.Body.Description,
			RequiresApprovalBy: input.Body.RequiresApprovalBy,
			RequiredApprovals:  input.Body.RequiredApprovals,
			CreatedAt:          time.Now().UTC(),
		}
		cfg.Store.PutTag(t)
		return &struct {
			Body TagResponse `json:"body"`
		}{Body: tagResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tag",
		Method:      http.MethodGet,
		Path:        "/tags/{name}",
		Summary:     "Show tag",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body TagResponse `json:"body"`
	}, error) {
		t, err := cfg.Store.GetTag(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagResponse `json:"body"`
		}{Body: tagResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tags",
		Method:      http.MethodGet,
		Path:        "/tags",
		Summary:     "List tags",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TagResponse `json:"body"`
	}, error) {
		items := cfg.Store.ListTags()
		out := make([]TagResponse, len(items))
		for i, t := range items {
			out[i] = tagResponse(t)
		}
		return &struct {
			Body []TagResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-tag",
		Method:      http.MethodDelete,
		Path:        "/tags/{name}",
		Summary:     "Delete tag",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Store.GetTag(input.Name); err != nil {
			return nil, handleError(err)
		}
		for _, id := range cfg.Store.OperationsByTag(input.Name) {
			op, err := cfg.Store.GetOperation(id)
			if err == nil && !op.Status.Terminal() {
				return nil, handleError(errs.Conflictf("tag %s is referenced by non-terminal operation %d", input.Name, id))
			}
		}
		cfg.Store.DeleteTag(input.Name)
		return &struct{}{}, nil
	})
}

func registerGroups(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-group",
		Method:        http.MethodPost,
		Path:          "/groups",
		Summary:       "Create group",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateGroupRequest `json:"body"`
	}) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "name is required", nil)
		}
		g := domain.Group{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Members:     input.Body.Members,
			CreatedAt:   time.Now().UTC(),
		}
		cfg.Store.PutGroup(g)
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{name}",
		Summary:     "Show group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		g, err := cfg.Store.GetGroup(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List groups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GroupResponse `json:"body"`
	}, error) {
		items := cfg.Store.ListGroups()
		out := make([]GroupResponse, len(items))
		for i, g := range items {
			out[i] = groupResponse(g)
		}
		return &struct {
			Body []GroupResponse `json:"body"`
		}{Body: out}, nil
	})
}

// registerSystemSinks exposes admin CRUD over outbound event delivery
// targets; delivery itself runs through events.SinkDispatcher, never on the
// request path.
func registerSystemSinks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-system-sink",
		Method:        http.MethodPost,
		Path:          "/system-sinks",
		Summary:       "Register a system sink",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateSystemSinkRequest `json:"body"`
	}) (*struct {
		Body SystemSinkResponse `json:"body"`
	}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.DeliveryTarget == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "delivery_target is required", nil)
		}
		sk := domain.SystemSink{
			ID:             uuid.New().String(),
			Selector:       input.Body.Selector,
			EventFilter:    input.Body.EventFilter,
			DeliveryTarget: input.Body.DeliveryTarget,
			CreatedAt:      time.Now().UTC(),
		}
		cfg.Store.PutSink(sk)
		return &struct {
			Body SystemSinkResponse `json:"body"`
		}{Body: systemSinkResponse(sk)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-system-sinks",
		Method:      http.MethodGet,
		Path:        "/system-sinks",
		Summary:     "List system sinks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SystemSinkResponse `json:"body"`
	}, error) {
		items := cfg.Store.ListSinks()
		out := make([]SystemSinkResponse, len(items))
		for i, sk := range items {
			out[i] = systemSinkResponse(sk)
		}
		return &struct {
			Body []SystemSinkResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-system-sink",
		Method:      http.MethodDelete,
		Path:        "/system-sinks/{id}",
		Summary:     "Remove a system sink",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := auth.ActorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg.Store.DeleteSink(input.ID)
		return &struct{}{}, nil
	})
}

func registerHistory(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Query the compliance history log",
	}, func(ctx context.Context, input *struct {
		OpID      int64  `query:"op_id"`
		Actor     string `query:"actor"`
		Component string `query:"component"`
		Tag       string `query:"tag"`
		From      string `query:"from"`
		To        string `query:"to"`
		Cursor    string `query:"cursor"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		q := history.Query{OpID: input.OpID, Actor: input.Actor, Component: input.Component, Tag: input.Tag, Cursor: input.Cursor, Limit: input.Limit}
		if input.From != "" {
			q.Since, _ = time.Parse(time.RFC3339, input.From)
		}
		if input.To != "" {
			q.Until, _ = time.Parse(time.RFC3339, input.To)
		}
		page, err := cfg.History.Find(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: mapHistory(page)}, nil
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerWatch mounts GET /ws/watch directly on the chi router: huma has
// no first-class websocket upgrade support, so the raw route sits alongside
// the generated API surface and reuses the same auth middleware.
func registerWatch(r chi.Router, basePath string, cfg Config) {
	r.Get(path.Join(basePath, "ws", "watch"), func(w http.ResponseWriter, req *http.Request) {
		principal, ok := auth.FromContext(req.Context())
		if !ok || principal.Actor == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		stream := cfg.Bus.Open(principal.Actor)
		defer stream.Close()

		go drainClientMessages(conn)

		for evt := range stream.Events() {
			if err := conn.WriteJSON(watchEvent(evt)); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseMessage, "slow_consumer"),
			time.Now().Add(time.Second))
	})
}

// drainClientMessages discards inbound frames so the connection's read
// deadline machinery stays healthy; watch is a server-to-client stream only.
func drainClientMessages(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type watchEventBody struct {
	Kind      string            `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Operation OperationResponse `json:"operation"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
}

func watchEvent(evt domain.Event) watchEventBody {
	return watchEventBody{
		Kind:      string(evt.Kind),
		Timestamp: evt.Timestamp,
		Actor:     evt.Actor,
		Operation: operationResponse(evt.Operation),
		From:      string(evt.From),
		To:        string(evt.To),
	}
}

func parseCompositeCursor(cursor string) (time.Time, int64, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, 0, err
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, err
	}
	return ts, id, nil
}

func composeCursor(ts time.Time, id int64) string {
	return fmt.Sprintf("%s|%d", ts.UTC().Format(time.RFC3339Nano), id)
}

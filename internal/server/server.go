package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/graph"
	"storyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"story not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBacklogs(group, cfg.Engine)
	registerStories(group, cfg.Engine)
	registerProgress(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrFileOverlap) {
		return newAPIError(http.StatusConflict, "file_overlap", err.Error(), nil)
	}
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", err.Error(), map[string]any{"cycle": ce.Cycle})
	}
	var ue *graph.UnknownDependencyError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_dependency", err.Error(), map[string]any{"story_id": ue.StoryID, "depends_on": ue.DependsOn})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "duplicate"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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

func registerBacklogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-backlog",
		Method:        http.MethodPost,
		Path:          "/backlogs",
		Summary:       "Import backlog",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportBacklogRequest `json:"body"`
	}) (*struct {
		Body domain.Backlog `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc := input.Body.document()
		if err := doc.Validate(); err != nil {
			return nil, handleError(err)
		}
		b, err := e.ImportBacklog(ctx, doc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Backlog `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-backlogs",
		Method:      http.MethodGet,
		Path:        "/backlogs",
		Summary:     "List backlogs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Backlog `json:"body"`
	}, error) {
		items, err := e.Repo.ListBacklogs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Backlog `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-backlog",
		Method:      http.MethodGet,
		Path:        "/backlogs/{backlog_id}",
		Summary:     "Get backlog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BacklogID string `path:"backlog_id"`
	}) (*struct {
		Body domain.Backlog `json:"body"`
	}, error) {
		b, err := e.Repo.GetBacklog(ctx, input.BacklogID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Backlog `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backlog-status",
		Method:      http.MethodGet,
		Path:        "/backlogs/{backlog_id}/status",
		Summary:     "Backlog status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BacklogID string `path:"backlog_id"`
	}) (*struct {
		Body BacklogStatusResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBacklog(ctx, input.BacklogID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountStoriesByStatus(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BacklogStatusResponse `json:"body"`
		}{Body: BacklogStatusResponse{
			BacklogID: b.ID,
			Counts:    counts,
			Done:      counts.Done(),
			Complete:  counts.AllComplete(),
		}}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/backlogs/{backlog_id}/stories",
		Summary:     "List stories",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BacklogID string `path:"backlog_id"`
		Status    string `query:"status" enum:"pending,in_progress,completed,blocked,"`
	}) (*struct {
		Body []domain.Story `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBacklog(ctx, input.BacklogID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStories(ctx, repo.StoryFilters{
			BacklogID: input.BacklogID,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Story `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "eligible-stories",
		Method:      http.MethodGet,
		Path:        "/backlogs/{backlog_id}/eligible",
		Summary:     "Eligible stories",
		Description: "Pending stories whose dependencies are all completed, in selection order.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BacklogID string `path:"backlog_id"`
	}) (*struct {
		Body []domain.Story `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBacklog(ctx, input.BacklogID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEligibleStories(ctx, input.BacklogID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Story `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Get story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		s, err := e.Repo.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-acceptance",
		Method:      http.MethodPatch,
		Path:        "/stories/{story_id}/acceptance",
		Summary:     "Update acceptance criteria",
		Description: "The only external write to a story's definition while a session may be running.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StoryID string                  `path:"story_id"`
		Body    UpdateAcceptanceRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateAcceptance(ctx, input.StoryID, input.Body.Acceptance, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-progress",
		Method:      http.MethodGet,
		Path:        "/backlogs/{backlog_id}/progress",
		Summary:     "Progress ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BacklogID string `path:"backlog_id"`
		StoryID   string `query:"story_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.ProgressEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBacklog(ctx, input.BacklogID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListProgress(ctx, repo.ProgressFilters{
			BacklogID: input.BacklogID,
			StoryID:   input.StoryID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ProgressEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "Emitted signals",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.Signal `json:"body"`
	}, error) {
		items, err := e.Repo.ListSignals(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Signal `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
		BacklogID  string `query:"backlog_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.BacklogID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		rawKey := fmt.Sprintf("sl_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     rawKey,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})
}

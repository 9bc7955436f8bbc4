package server

import (
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

	"factorypulse/internal/domain"
	"factorypulse/internal/engine"
	"factorypulse/internal/repo"
	"factorypulse/internal/stages"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"required prerequisites not met"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Factory Pulse API.
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
			// Schema-level request errors are 400, distinct from
			// prerequisite validation failures at 422.
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
	hcfg := huma.DefaultConfig("Factory Pulse API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOrgs(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerCustomers(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
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

// handleError maps engine and repo errors onto the API envelope. The four
// error classes stay distinguishable so clients can tell "fix your data"
// from "misconfigured" from "try again".
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Result != nil {
			details["result"] = validationResponse(ve.Result)
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	var be *engine.BypassNotAllowedError
	if errors.As(err, &be) {
		return newAPIError(http.StatusForbidden, "bypass_forbidden", err.Error(), map[string]any{"actor_id": be.ActorID})
	}
	var ae *engine.AuthenticationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var ce *engine.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusInternalServerError, "configuration_error", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStageConflict) {
		return newAPIError(http.StatusConflict, "stage_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, stages.ErrUnknownStage) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pe *engine.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusServiceUnavailable, "persistence_error", err.Error(), nil)
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

func registerDevAuth(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	if !authCfg.DevLoginEnabled {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string   `json:"actor_id"`
			Roles   []string `json:"roles,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := IssueToken(authCfg.JWTSecret, input.Body.ActorID, input.Body.Roles, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerOrgs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "bootstrap-org",
		Method:        http.MethodPost,
		Path:          "/orgs/bootstrap",
		Summary:       "Bootstrap the configured organization",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Org    domain.Organization `json:"org"`
			Stages []StageResponse     `json:"stages"`
		} `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org, created, err := e.BootstrapOrg(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Org    domain.Organization `json:"org"`
				Stages []StageResponse     `json:"stages"`
			} `json:"body"`
		}{}
		out.Body.Org = org
		out.Body.Stages = mapStages(created)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		org, err := e.Repo.GetOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})
}

func registerStages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/stages",
		Summary:     "List workflow stages",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		list, err := e.Stages.WorkflowStages(ctx, input.OrgID)
		if err != nil {
			if errors.Is(err, stages.ErrNoStages) {
				return nil, handleError(&engine.ConfigurationError{Message: "org has no active stages", Err: err})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/stages/{id}",
		Summary:     "Get workflow stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		s, err := e.Stages.StageByID(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/stages",
		Summary:       "Create workflow stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		Body  struct {
			Name              string `json:"name"`
			Description       string `json:"description,omitempty"`
			Order             int    `json:"order"`
			EstimatedDays     *int   `json:"estimated_days,omitempty"`
			Color             string `json:"color,omitempty"`
			RequiredSubStages int    `json:"required_sub_stages,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStage(ctx, engine.CreateStageInput{
			OrgID:             input.OrgID,
			Name:              input.Body.Name,
			Description:       input.Body.Description,
			Order:             input.Body.Order,
			EstimatedDays:     input.Body.EstimatedDays,
			Color:             input.Body.Color,
			RequiredSubStages: input.Body.RequiredSubStages,
			ActorID:           principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-active",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}/stages/{id}/active",
		Summary:     "Activate or deactivate a stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
		Body  struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.SetStageActive(ctx, input.OrgID, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-stages",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/stages/refresh",
		Summary:     "Drop the cached stage catalog",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		e.Stages.Refresh(input.OrgID)
		return &struct{}{}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/projects",
		Summary:       "Create project (intake)",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		Body  CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		in := engine.CreateProjectInput{
			OrgID:          input.OrgID,
			Title:          input.Body.Title,
			EstimatedValue: input.Body.EstimatedValue,
			Tags:           input.Body.Tags,
			ActorID:        principal.ActorID,
		}
		if input.Body.Description != nil {
			in.Description = *input.Body.Description
		}
		if input.Body.Notes != nil {
			in.Notes = *input.Body.Notes
		}
		if input.Body.Priority != nil {
			in.Priority = *input.Body.Priority
		}
		if input.Body.CustomerID != nil {
			in.CustomerID = *input.Body.CustomerID
		}
		if input.Body.ContactID != nil {
			in.ContactID = *input.Body.ContactID
		}
		if input.Body.Metadata != nil {
			raw, err := json.Marshal(input.Body.Metadata)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid metadata", map[string]any{"error": err.Error()})
			}
			in.MetadataJSON = string(raw)
		}
		p, err := e.CreateProject(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		StageID    string `query:"stage_id"`
		Priority   string `query:"priority"`
		CustomerID string `query:"customer_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListProjects(ctx, repo.ProjectFilters{
			OrgID:           input.OrgID,
			StageID:         input.StageID,
			Priority:        input.Priority,
			CustomerID:      input.CustomerID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProjects{Items: []ProjectResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapProjects(items)
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{id}",
		Summary:     "Update project fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u := repo.ProjectUpdate{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Notes:          input.Body.Notes,
			Priority:       input.Body.Priority,
			EstimatedValue: input.Body.EstimatedValue,
			CustomerID:     input.Body.CustomerID,
			ContactID:      input.Body.ContactID,
			PONumber:       input.Body.PONumber,
			BOMItemCount:   input.Body.BOMItemCount,
		}
		if input.Body.Tags != nil {
			u.Tags = input.Body.Tags
			u.TagsSet = true
		}
		p, err := e.UpdateProject(ctx, input.ID, u, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/transitions/validate",
		Summary:     "Validate a stage transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body ValidateTransitionRequest `json:"body"`
	}) (*struct {
		Body ValidationResultResponse `json:"body"`
	}, error) {
		if input.Body.ToStageID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage_id is required", nil)
		}
		res, err := e.ValidateTransition(ctx, input.ID, input.Body.ToStageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResultResponse `json:"body"`
		}{Body: validationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/transitions/execute",
		Summary:     "Execute a stage transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body ExecuteTransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ToStageID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage_id is required", nil)
		}
		out, err := e.ExecuteTransition(ctx, input.ID, input.Body.ToStageID, engine.TransitionOptions{
			ActorID:      principal.ActorID,
			Roles:        principal.Roles,
			Reason:       input.Body.Reason,
			Bypass:       input.Body.Bypass,
			BypassReason: input.Body.BypassReason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := TransitionResponse{
			Committed:       out.Committed,
			HistoryRecorded: out.HistoryRecorded,
			Project:         projectResponse(out.Project),
		}
		if out.HistoryRecorded {
			rec := transitionRecordResponse(out.Record)
			resp.Record = &rec
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-transition",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/transitions/can/{stage_id}",
		Summary:     "Whether a transition would pass validation",
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		StageID string `path:"stage_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		ok := e.CanTransitionToStage(ctx, input.ID, input.StageID)
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"can_transition": ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-recommendations",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/transitions/recommendations/{stage_id}",
		Summary:     "Blockers, recommendations, and warnings for a transition",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		StageID string `path:"stage_id"`
	}) (*struct {
		Body engine.Recommendations `json:"body"`
	}, error) {
		rec, err := e.TransitionRecommendations(ctx, input.ID, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Recommendations `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-history",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/transitions",
		Summary:     "Stage transition history",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTransitions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.TransitionHistory(ctx, repo.TransitionFilters{
			ProjectID:       input.ID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTransitions{Items: []TransitionRecordResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, t := range items {
			resp.Items = append(resp.Items, transitionRecordResponse(t))
		}
		return &struct {
			Body paginatedTransitions `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCustomers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-customer",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/customers",
		Summary:       "Create customer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string                `path:"org_id"`
		Body  CreateCustomerRequest `json:"body"`
	}) (*struct {
		Body domain.Customer `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCustomer(ctx, domain.Customer{
			OrgID:   input.OrgID,
			Name:    input.Body.Name,
			Company: input.Body.Company,
			Email:   input.Body.Email,
			Phone:   input.Body.Phone,
		}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Customer `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-customers",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/customers",
		Summary:     "List customers",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Customer `json:"body"`
	}, error) {
		items, err := e.Repo.ListCustomers(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Customer{}
		}
		return &struct {
			Body []domain.Customer `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-contact",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/contacts",
		Summary:       "Create contact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		Body  CreateContactRequest `json:"body"`
	}) (*struct {
		Body domain.Contact `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateContact(ctx, input.OrgID, domain.Contact{
			CustomerID: input.Body.CustomerID,
			Name:       input.Body.Name,
			Email:      input.Body.Email,
			Phone:      input.Body.Phone,
			Role:       input.Body.Role,
		}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contact `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contacts",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/customers/{customer_id}/contacts",
		Summary:     "List customer contacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		CustomerID string `path:"customer_id"`
	}) (*struct {
		Body []domain.Contact `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCustomer(ctx, input.OrgID, input.CustomerID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListContactsByCustomer(ctx, input.CustomerID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Contact{}
		}
		return &struct {
			Body []domain.Contact `json:"body"`
		}{Body: items}, nil
	})
}

func registerReviews(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/reviews",
		Summary:       "Submit a discipline review",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Review `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SubmitReview(ctx, engine.SubmitReviewInput{
			ProjectID:  input.ID,
			Discipline: input.Body.Discipline,
			ReviewerID: input.Body.ReviewerID,
			Summary:    input.Body.Summary,
			ActorID:    principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Review `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/reviews",
		Summary:     "List project reviews",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Review `json:"body"`
	}, error) {
		items, err := e.Repo.ListReviewsByProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Review{}
		}
		return &struct {
			Body []domain.Review `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/decide",
		Summary:     "Approve or reject a review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body DecideReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Review `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.DecideReview(ctx, input.ID, input.Body.Status, input.Body.Summary, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Review `json:"body"`
		}{Body: v}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []EventResponse `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.OrgID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []EventResponse `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = []EventResponse{}
		if len(items) > limit {
			out.Body.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		for _, ev := range items {
			out.Body.Items = append(out.Body.Items, eventResponse(ev))
		}
		return out, nil
	})
}

func registerRoles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/roles",
		Summary:       "Assign an org role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		Body  struct {
			ActorID string `json:"actor_id"`
			Role    string `json:"role"`
		} `json:"body"`
	}) (*struct {
		Body domain.OrgRole `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if err := e.AssignRole(ctx, input.OrgID, input.Body.ActorID, input.Body.Role, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrgRole `json:"body"`
		}{Body: domain.OrgRole{OrgID: input.OrgID, ActorID: input.Body.ActorID, Role: input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/roles",
		Summary:     "List org roles",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.OrgRole `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrgRoles(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.OrgRole{}
		}
		return &struct {
			Body []domain.OrgRole `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/orgs/{org_id}/roles/{actor_id}/{role}",
		Summary:     "Revoke an org role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		ActorID string `path:"actor_id"`
		Role    string `path:"role"`
	}) (*struct{}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.OrgID, input.ActorID, input.Role, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Key    string        `json:"key"`
			APIKey domain.APIKey `json:"api_key"`
		} `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, k, err := e.CreateAPIKey(ctx, principal.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Key    string        `json:"key"`
				APIKey domain.APIKey `json:"api_key"`
			} `json:"body"`
		}{}
		out.Body.Key = plain
		out.Body.APIKey = k
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List own API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Factory Pulse API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

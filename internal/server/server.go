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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"defectline/internal/analytics"
	"defectline/internal/domain"
	"defectline/internal/engine"
	"defectline/internal/repo"
)

const defaultResolution = "Fixed by manual protocol."

// EventLister reads back the audit trail.
type EventLister interface {
	LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Events   EventLister
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"defect not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the defect tracker API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Defectline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Auth)
	registerDefects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	if cfg.Events != nil {
		registerEvents(group, cfg.Events)
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", msg, nil)
	case errors.Is(err, engine.ErrDuplicateID):
		return newAPIError(http.StatusConflict, "duplicate_id", msg, nil)
	case errors.Is(err, engine.ErrNothingToClear):
		return newAPIError(http.StatusConflict, "nothing_to_clear", msg, nil)
	case errors.Is(err, engine.ErrInvalidDefect), errors.Is(err, analytics.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):     true,
		path.Join("/", basePath, "auth/login"): true,
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
    <title>Defectline API Docs</title>
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
      Obtain a token from POST auth/login and send Authorization: Bearer &lt;token&gt;.
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

func registerAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in as manager (password) or floor worker",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		name := strings.TrimSpace(input.Body.Name)
		role := strings.ToLower(strings.TrimSpace(input.Body.Role))
		switch role {
		case RoleManager:
			if authCfg.AdminCheck == nil || !authCfg.AdminCheck(input.Body.Password) {
				authCfg.logger().Printf("auth: manager login denied for %q", name)
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "access denied", nil)
			}
			if name == "" {
				name = "Admin"
			}
		case RoleWorker:
			if name == "" {
				name = "Worker"
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role must be manager or worker", nil)
		}
		token, exp, err := signToken(authCfg, name, role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, Role: role, ActorID: name, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}

type defectBody struct {
	Body DefectResponse `json:"body"`
}

func registerDefects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-defects",
		Method:      http.MethodGet,
		Path:        "/defects",
		Summary:     "List defects in triage order",
	}, func(ctx context.Context, input *struct {
		Q string `query:"q" doc:"case-insensitive search over id, task, impact, reporter and description"`
	}) (*struct {
		Body DefectListResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items := e.Search(ctx, input.Q)
		return &struct {
			Body DefectListResponse `json:"body"`
		}{Body: DefectListResponse{Items: mapDefects(items, e.Now()), Dirty: e.Dirty()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-defect",
		Method:        http.MethodPost,
		Path:          "/defects",
		Summary:       "Report a defect; critical defects halt the line",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ReportDefectRequest `json:"body"`
	}) (*struct {
		LineHalt string `header:"X-Line-Halt"`
		Body     ReportDefectResponse
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := strings.TrimSpace(input.Body.ID)
		if !domain.ValidID(id) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid id format, expected D-XXX", map[string]any{"id": input.Body.ID})
		}
		detail := input.Body.Detail
		if detail == "" {
			detail = "N/A"
		}
		d := domain.NewDefect(input.Body.Severity, strings.ToUpper(id), input.Body.TaskName, input.Body.Description, p.ActorID, detail, e.Now())
		res, err := e.Report(ctx, d)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			LineHalt string `header:"X-Line-Halt"`
			Body     ReportDefectResponse
		}{Body: ReportDefectResponse{
			Defect:      defectResponse(res.Defect, e.Now()),
			Halt:        res.Halted(),
			HaltMessage: res.HaltMessage,
		}}
		if res.Halted() {
			out.LineHalt = "true"
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-defect",
		Method:      http.MethodGet,
		Path:        "/defects/{id}",
		Summary:     "Get a defect",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*defectBody, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &defectBody{Body: defectResponse(d, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-defect",
		Method:      http.MethodPost,
		Path:        "/defects/{id}/resolve",
		Summary:     "Resolve a defect (manager)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ResolveDefectRequest `required:"false"`
	}) (*defectBody, error) {
		p, authErr := requireRole(ctx, RoleManager)
		if authErr != nil {
			return nil, authErr
		}
		details := strings.TrimSpace(input.Body.Details)
		if details == "" {
			details = defaultResolution
		}
		d, err := e.Resolve(ctx, input.ID, p.ActorID, details)
		if err != nil {
			return nil, handleError(err)
		}
		return &defectBody{Body: defectResponse(d, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-fix",
		Method:      http.MethodGet,
		Path:        "/defects/{id}/suggestion",
		Summary:     "Suggest a fix for an open defect (manager)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SuggestionResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, RoleManager); authErr != nil {
			return nil, authErr
		}
		s, err := e.Suggest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SuggestionResponse `json:"body"`
		}{Body: suggestionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-suggestion",
		Method:      http.MethodPost,
		Path:        "/defects/{id}/apply-suggestion",
		Summary:     "Resolve a defect with its suggested fix (manager)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*defectBody, error) {
		p, authErr := requireRole(ctx, RoleManager)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ApplySuggestion(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &defectBody{Body: defectResponse(d, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-resolved",
		Method:      http.MethodPost,
		Path:        "/defects/clear-resolved",
		Summary:     "Permanently remove resolved defects (manager)",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClearResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleManager)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ClearResolved(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClearResponse `json:"body"`
		}{Body: ClearResponse{Removed: n}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "count-task-defects",
		Method:      http.MethodGet,
		Path:        "/tasks/{task}/count",
		Summary:     "Count defects logged against a task",
	}, func(ctx context.Context, input *struct {
		Task string `path:"task"`
	}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{TaskName: input.Task, Count: e.CountForTask(ctx, input.Task)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-sigma",
		Method:      http.MethodGet,
		Path:        "/tasks/{task}/sigma",
		Summary:     "Six Sigma metrics for a task (manager)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Task          string `path:"task"`
		Units         int    `query:"units" default:"100"`
		Opportunities int    `query:"opportunities" default:"5"`
	}) (*struct {
		Body SigmaResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, RoleManager); authErr != nil {
			return nil, authErr
		}
		rep, err := e.Sigma(ctx, input.Task, input.Units, input.Opportunities)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SigmaResponse `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, events EventLister) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Level    string `query:"level"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := events.LatestEvents(ctx, repo.EventFilters{
			Type:     input.Type,
			EntityID: input.EntityID,
			Level:    input.Level,
			Cursor:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

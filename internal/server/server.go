package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"breakline/internal/accounts"
	"breakline/internal/domain"
	"breakline/internal/engine"
	"breakline/internal/engine/auth"
	"breakline/internal/logger"
	"breakline/internal/views"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// LoginRatePerMinute caps login attempts per client address. Zero
	// disables the limit.
	LoginRatePerMinute int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot move report from resolved to assigned"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint answers with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Breakline API.
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
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(logger.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Engine, newLoginLimiter(cfg.LoginRatePerMinute)))
	hcfg := huma.DefaultConfig("Breakline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerViews(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWatch(router, cfg.Engine, basePath)
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
	var (
		verr  domain.ValidationError
		aerr  domain.AuthError
		rerr  domain.UnauthorizedRoleError
		terr  domain.TransitionError
		fe    auth.ForbiddenError
		scope auth.ScopeError
	)
	switch {
	case errors.As(err, &verr):
		var details map[string]any
		if verr.Field != "" {
			details = map[string]any{"field": verr.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", verr.Error(), details)
	case errors.Is(err, domain.ErrAuthRequired):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	case errors.As(err, &aerr):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", aerr.Reason, nil)
	case errors.As(err, &rerr):
		return newAPIError(http.StatusForbidden, "unauthorized_role", rerr.Error(), map[string]any{"role": rerr.Role, "entry": rerr.Entry})
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", fe.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &scope):
		return newAPIError(http.StatusForbidden, "forbidden", scope.Error(), map[string]any{"permission": scope.Permission, "report_id": scope.ReportID})
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &terr):
		return newAPIError(http.StatusConflict, "invalid_transition", terr.Error(), map[string]any{"from": terr.From, "to": terr.To})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
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
			if oas.Components != nil && oas.Components.Schemas != nil {
				oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
			}
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if _, ok := public[route]; ok {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Breakline API Docs</title>
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
      Sign in with POST /auth/login, then send Authorization: Bearer &lt;token&gt;.
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

func registerAuth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Sign up as a reporter",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, err := e.Register(ctx, input.Body.Name, input.Body.Email, input.Body.Password); err != nil {
			return nil, handleError(err)
		}
		sess, err := e.Login(ctx, accounts.EntryReporter, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Sign in through the reporter or staff entry",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		entry := accounts.Entry(input.Body.Entry)
		if entry == "" {
			entry = accounts.EntryReporter
		}
		sess, err := e.Login(ctx, entry, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "End the current session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		sess, authErr := sessionFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Logout(ctx, sess.ID); err != nil {
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
		Summary:     "Current account",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		sess, authErr := sessionFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			Account:     sess.Account,
			Route:       sess.Route,
			Permissions: nonNilSlice(e.Permissions(sess.Principal())),
			ExpiresAt:   sess.ExpiresAt,
		}}, nil
	})
}

type reportPath struct {
	ID string `path:"id"`
}

type reportOutput struct {
	Body domain.Report `json:"body"`
}

func registerReports(api huma.API, e engine.Engine) {
	errs := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "File a breakdown report",
		DefaultStatus: http.StatusCreated,
		Errors:        errs,
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest `json:"body"`
	}) (*reportOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.CreateReport(ctx, p, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report",
		Errors:      errs,
	}, func(ctx context.Context, input *reportPath) (*reportOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.GetReport(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-report",
		Method:      http.MethodPatch,
		Path:        "/reports/{id}",
		Summary:     "Edit report message",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body EditReportRequest `json:"body"`
	}) (*reportOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.EditReport(ctx, p, input.ID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-report",
		Method:        http.MethodDelete,
		Path:          "/reports/{id}",
		Summary:       "Delete report",
		DefaultStatus: http.StatusNoContent,
		Errors:        errs,
	}, func(ctx context.Context, input *reportPath) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteReport(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/assign",
		Summary:     "Assign a pending report to a technician",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AssignReportRequest `json:"body"`
	}) (*reportOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.AssignReport(ctx, p, input.ID, input.Body.TechnicianID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/start",
		Summary:     "Start work on an assigned report",
		Errors:      errs,
	}, func(ctx context.Context, input *reportPath) (*reportOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.StartReport(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/resolve",
		Summary:     "Resolve a report with fix details",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ResolveReportRequest `json:"body"`
	}) (*reportOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.ResolveReport(ctx, p, input.ID, input.Body.FixDetails)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: r}, nil
	})
}

func registerViews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-view",
		Method:      http.MethodGet,
		Path:        "/views/{kind}",
		Summary:     "Dashboard projection",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"reporter,manager,technician"`
		Status string `query:"status" enum:"all,pending,assigned,in-progress,resolved"`
	}) (*struct {
		Body views.Projection `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		proj, err := e.View(ctx, p, views.Kind(input.Kind), input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body views.Projection `json:"body"`
		}{Body: proj}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	errs := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List accounts",
		Errors:      errs,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserList `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListUsers(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserList `json:"body"`
		}{Body: UserList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-technicians",
		Method:      http.MethodGet,
		Path:        "/users/technicians",
		Summary:     "List technicians a report can be assigned to",
		Errors:      errs,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserList `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Technicians(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserList `json:"body"`
		}{Body: UserList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "provision-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Provision a technician or manager",
		DefaultStatus: http.StatusCreated,
		Errors:        errs,
	}, func(ctx context.Context, input *struct {
		Body ProvisionUserRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := e.ProvisionUser(ctx, p, input.Body.Name, input.Body.Email, input.Body.Password, domain.Role(input.Body.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deprovision-user",
		Method:        http.MethodDelete,
		Path:          "/users/{id}",
		Summary:       "Remove an account",
		DefaultStatus: http.StatusNoContent,
		Errors:        errs,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeprovisionUser(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent change events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body EventPage `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
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
		items, err := e.LatestEvents(ctx, p, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventPage{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventPage `json:"body"`
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

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

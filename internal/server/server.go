package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"greeter/internal/domain"
	"greeter/internal/gate"
	"greeter/internal/greeting"
	"greeter/internal/singleton"
	"greeter/internal/supervisor"
)

// ClusterView exposes the coordination state for the status endpoints.
type ClusterView interface {
	Status(ctx context.Context) (singleton.ClusterStatus, error)
	Events(ctx context.Context, n int) ([]domain.Event, error)
}

// Config for the HTTP API handler.
type Config struct {
	// Service routes public requests to the singleton wherever it runs.
	Service singleton.Asker
	// Local serves forwarded requests on this node only.
	Local      singleton.Asker
	Cluster    ClusterView
	BasePath   string
	AskTimeout time.Duration
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"routing_failed"`
	Message string         `json:"message" example:"no singleton host elected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"not_host\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the greeter API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 10 * time.Second
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(newPeerAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Greeter API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGreetings(group, cfg)
	registerCluster(group, cfg.Cluster)
	registerPeer(group, cfg)
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
	var ce *greeting.CommandError
	switch {
	case errors.Is(err, greeting.ErrInvalidCommand):
		return newAPIError(http.StatusBadRequest, singleton.CodeBadRequest, msg, nil)
	case errors.As(err, &ce):
		return newAPIError(http.StatusInternalServerError, singleton.CodeCommandFailed, msg, map[string]any{
			"command": ce.Command.String(),
			"cause":   ce.Err.Error(),
		})
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, singleton.CodeTimeout, "request timed out", nil)
	case errors.Is(err, singleton.ErrNotHost):
		return newAPIError(http.StatusServiceUnavailable, singleton.CodeRoutingFailed, msg, map[string]any{"reason": singleton.ReasonNotHost})
	case errors.Is(err, singleton.ErrNoLeader), errors.Is(err, singleton.ErrPeerUnavailable):
		return newAPIError(http.StatusServiceUnavailable, singleton.CodeRoutingFailed, msg, nil)
	case errors.Is(err, supervisor.ErrStopped), errors.Is(err, gate.ErrTerminated), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, singleton.CodeInstanceUnavailable, msg, nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyPeerSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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

// applyPeerSecurity marks the peer endpoint as bearer-protected.
func applyPeerSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["peerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	item, ok := oas.Paths[path.Join(basePath, singleton.AskPath)]
	if ok && item.Post != nil {
		item.Post.Security = []map[string][]string{{"peerAuth": {}}}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Greeter API Docs</title>
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

// ask bounds the wait for a reply by the configured timeout.
func ask(ctx context.Context, target singleton.Asker, timeout time.Duration, cmd greeting.Command) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return target.Ask(ctx, cmd)
}

func registerGreetings(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "hello",
		Method:      http.MethodGet,
		Path:        "/hello/{id}",
		Summary:     "Greet a user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *HelloInput) (*HelloOutput, error) {
		var org *string
		if input.Organization != "" {
			org = &input.Organization
		}
		cmd, err := greeting.NewHello(input.ID, org)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := ask(ctx, cfg.Service, cfg.AskTimeout, cmd)
		if err != nil {
			return nil, handleError(err)
		}
		msg, ok := res.(string)
		if !ok {
			return nil, handleError(fmt.Errorf("unexpected reply %T", res))
		}
		return &HelloOutput{Body: HelloResponse{Message: msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "use-greeting",
		Method:      http.MethodPost,
		Path:        "/hello/{id}",
		Summary:     "Set a user's greeting",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *UseGreetingInput) (*DoneOutput, error) {
		cmd, err := greeting.NewUseGreeting(input.ID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := ask(ctx, cfg.Service, cfg.AskTimeout, cmd); err != nil {
			return nil, handleError(err)
		}
		return &DoneOutput{Body: DoneResponse{Done: true}}, nil
	})
}

func registerCluster(api huma.API, view ClusterView) {
	if view == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "cluster-status",
		Method:      http.MethodGet,
		Path:        "/cluster",
		Summary:     "Singleton host, lease and members",
	}, func(ctx context.Context, _ *struct{}) (*ClusterOutput, error) {
		st, err := view.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &ClusterOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cluster-events",
		Method:      http.MethodGet,
		Path:        "/cluster/events",
		Summary:     "Latest lifecycle events",
	}, func(ctx context.Context, input *EventsInput) (*EventsOutput, error) {
		events, err := view.Events(ctx, input.N)
		if err != nil {
			return nil, handleError(err)
		}
		return &EventsOutput{Body: EventsResponse{Items: events}}, nil
	})
}

func registerPeer(api huma.API, cfg Config) {
	if cfg.Local == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "peer-ask",
		Method:      http.MethodPost,
		Path:        singleton.AskPath,
		Summary:     "Serve a forwarded command on the hosting node",
	}, func(ctx context.Context, input *PeerAskInput) (*PeerAskOutput, error) {
		cmd, err := input.Body.Unwrap()
		if err != nil {
			return nil, handleError(err)
		}
		if from, ok := peerFromContext(ctx); ok {
			cfg.Auth.logger().Printf("serving %s forwarded by %s", cmd, from)
		}
		res, err := ask(ctx, cfg.Local, cfg.AskTimeout, cmd)
		if err != nil {
			return nil, handleError(err)
		}
		reply, err := singleton.ReplyFor(cmd, res)
		if err != nil {
			return nil, handleError(err)
		}
		return &PeerAskOutput{Body: reply}, nil
	})
}

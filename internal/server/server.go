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

	"vintrack/internal/domain"
	"vintrack/internal/engine"
	"vintrack/internal/engine/auth"
	"vintrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"execution is done; no further recordings are accepted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vintrack API.
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
	hcfg := huma.DefaultConfig("Vintrack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProtocols(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerDeviations(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerFermentations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var authz auth.AuthorizationError
	if errors.As(err, &authz) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"required_role": authz.Role})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var se engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
		return "state_conflict"
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
		fmt.Fprint(w, swaggerHTML(basePath))
	})
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vintrack API Docs</title>
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

func registerProtocols(api huma.API, e engine.Engine) {
	type protocolWithSteps struct {
		Protocol domain.Protocol `json:"protocol"`
		Steps    []domain.Step   `json:"steps,omitempty"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-protocol",
		Method:        http.MethodPost,
		Path:          "/protocols",
		Summary:       "Create draft protocol",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProtocolRequest `json:"body"`
	}) (*struct {
		Body protocolWithSteps `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		specs := make([]engine.StepSpec, 0, len(input.Body.Steps))
		for _, s := range input.Body.Steps {
			specs = append(specs, stepSpec(s))
		}
		p, steps, err := e.CreateProtocol(ctx, engine.ProtocolCreateOptions{
			WineryID:     e.Config.Winery.ID,
			VarietalCode: input.Body.VarietalCode,
			Version:      input.Body.Version,
			Steps:        specs,
			Actor:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body protocolWithSteps `json:"body"`
		}{Body: protocolWithSteps{Protocol: p, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-protocols",
		Method:      http.MethodGet,
		Path:        "/protocols",
		Summary:     "List protocols",
	}, func(ctx context.Context, input *struct {
		Varietal string `query:"varietal"`
		Status   string `query:"status" enum:",draft,final,deprecated"`
	}) (*struct {
		Body []domain.Protocol `json:"body"`
	}, error) {
		items, err := e.ListProtocols(ctx, repo.ProtocolFilters{
			WineryID:     e.Config.Winery.ID,
			VarietalCode: input.Varietal,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Protocol `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/latest",
		Summary:     "Latest final protocol for a varietal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Varietal string `query:"varietal" required:"true"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		p, err := e.LatestFinal(ctx, e.Config.Winery.ID, input.Varietal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/{protocol_id}",
		Summary:     "Get protocol with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body protocolWithSteps `json:"body"`
	}, error) {
		p, steps, err := e.GetProtocol(ctx, input.ProtocolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body protocolWithSteps `json:"body"`
		}{Body: protocolWithSteps{Protocol: p, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-protocol-step",
		Method:        http.MethodPost,
		Path:          "/protocols/{protocol_id}/steps",
		Summary:       "Add step to draft protocol",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProtocolID string      `path:"protocol_id"`
		Body       StepRequest `json:"body"`
	}) (*struct {
		Body domain.Step `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AddStep(ctx, input.ProtocolID, stepSpec(input.Body), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Step `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-protocol",
		Method:      http.MethodPost,
		Path:        "/protocols/{protocol_id}/approve",
		Summary:     "Approve draft protocol",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ApproveProtocol(ctx, input.ProtocolID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "version-protocol",
		Method:        http.MethodPost,
		Path:          "/protocols/{protocol_id}/versions",
		Summary:       "Deprecate and open next version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProtocolID string            `path:"protocol_id"`
		Body       NewVersionRequest `json:"body"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next, err := e.NewVersion(ctx, input.ProtocolID, input.Body.Version, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: next}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	type instanceDetail struct {
		Instance       domain.Instance        `json:"instance"`
		Execution      *domain.Execution      `json:"execution,omitempty"`
		Steps          []domain.InstanceStep  `json:"steps,omitempty"`
		Customizations []domain.Customization `json:"customizations,omitempty"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-protocol",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Instantiate a final protocol for a fermentation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body InstantiateRequest `json:"body"`
	}) (*struct {
		Body instanceDetail `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, exec, err := e.Instantiate(ctx, input.Body.ProtocolID, input.Body.FermentationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body instanceDetail `json:"body"`
		}{Body: instanceDetail{Instance: in, Execution: &exec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get instance with steps and customization history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body instanceDetail `json:"body"`
	}, error) {
		in, steps, customs, err := e.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := instanceDetail{Instance: in, Steps: steps, Customizations: customs}
		if exec, err := e.Repo.GetExecutionByInstance(ctx, in.ID); err == nil {
			detail.Execution = &exec
		}
		return &struct {
			Body instanceDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "customize-instance",
		Method:        http.MethodPost,
		Path:          "/instances/{instance_id}/customizations",
		Summary:       "Customize a copied step before start",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID string           `path:"instance_id"`
		Body       CustomizeRequest `json:"body"`
	}) (*struct {
		Body domain.InstanceStep `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		step, err := e.Customize(ctx, engine.CustomizeOptions{
			InstanceID:     input.InstanceID,
			StepID:         input.Body.StepID,
			Kind:           input.Body.Kind,
			ToleranceHours: input.Body.ToleranceHours,
			TriggerValue:   input.Body.TriggerValue,
			Notes:          input.Body.Notes,
			Reason:         input.Body.Reason,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InstanceStep `json:"body"`
		}{Body: step}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	type recordResponse struct {
		Execution  domain.Execution      `json:"execution"`
		Completion domain.StepCompletion `json:"completion"`
		Deviations []domain.Deviation    `json:"deviations,omitempty"`
		Alerts     []domain.Alert        `json:"alerts,omitempty"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List active executions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Execution `json:"body"`
	}, error) {
		items, err := e.Repo.ListActiveExecutions(ctx, e.Config.Winery.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Execution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.Repo.GetExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/start",
		Summary:     "Start execution",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := e.Start(ctx, input.ExecutionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-completion",
		Method:        http.MethodPost,
		Path:          "/executions/{execution_id}/completions",
		Summary:       "Record a step completion",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                  `path:"execution_id"`
		Body        RecordCompletionRequest `json:"body"`
	}) (*struct {
		Body recordResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordCompletion(ctx, engine.RecordOptions{
			ExecutionID:   input.ExecutionID,
			StepID:        input.Body.StepID,
			CompletedAt:   input.Body.CompletedAt,
			MeasuredValue: input.Body.MeasuredValue,
			Note:          input.Body.Note,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body recordResponse `json:"body"`
		}{Body: recordResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-skip",
		Method:        http.MethodPost,
		Path:          "/executions/{execution_id}/skips",
		Summary:       "Record a step skip",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExecutionID string            `path:"execution_id"`
		Body        RecordSkipRequest `json:"body"`
	}) (*struct {
		Body recordResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordSkip(ctx, engine.RecordOptions{
			ExecutionID: input.ExecutionID,
			StepID:      input.Body.StepID,
			CompletedAt: input.Body.RecordedAt,
			Note:        input.Body.Note,
			SkipReason:  input.Body.Reason,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body recordResponse `json:"body"`
		}{Body: recordResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execution-status",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/status",
		Summary:     "Execution status with current, upcoming and missed steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body engine.ExecutionStatus `json:"body"`
	}, error) {
		st, err := e.Status(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecutionStatus `json:"body"`
		}{Body: st}, nil
	})
}

func registerDeviations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deviations",
		Method:      http.MethodGet,
		Path:        "/deviations",
		Summary:     "List deviations",
	}, func(ctx context.Context, input *struct {
		ExecutionID string `query:"execution_id"`
		Kind        string `query:"kind" enum:",timing,skip,execution_quality"`
		Severity    string `query:"severity" enum:",low,medium,high,critical"`
		Unacked     bool   `query:"unacked"`
		Investigate bool   `query:"requires_investigation"`
	}) (*struct {
		Body []domain.Deviation `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeviations(ctx, repo.DeviationFilters{
			ExecutionID: input.ExecutionID,
			Kind:        input.Kind,
			Severity:    input.Severity,
			Unacked:     input.Unacked,
			Investigate: input.Investigate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Deviation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-deviation",
		Method:      http.MethodPost,
		Path:        "/deviations/{deviation_id}/ack",
		Summary:     "Acknowledge a deviation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeviationID string     `path:"deviation_id"`
		Body        AckRequest `json:"body"`
	}) (*struct {
		Body domain.Deviation `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.AcknowledgeDeviation(ctx, input.DeviationID, input.Body.Note, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deviation `json:"body"`
		}{Body: d}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List alerts",
	}, func(ctx context.Context, input *struct {
		ExecutionID string `query:"execution_id"`
		Severity    string `query:"severity" enum:",low,medium,high,critical"`
		Type        string `query:"type"`
		Unacked     bool   `query:"unacked"`
		Limit       int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		items, err := e.ListAlerts(ctx, repo.AlertFilters{
			ExecutionID: input.ExecutionID,
			Severity:    input.Severity,
			Type:        input.Type,
			Unacked:     input.Unacked,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "raise-alert",
		Method:        http.MethodPost,
		Path:          "/alerts",
		Summary:       "Raise an operator-reported alert",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RaiseAlertRequest `json:"body"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RaiseAlert(ctx, engine.RaiseAlertOptions{
			Type:           input.Body.Type,
			WineryID:       e.Config.Winery.ID,
			ExecutionID:    input.Body.ExecutionID,
			FermentationID: input.Body.FermentationID,
			Title:          input.Body.Title,
			Message:        input.Body.Message,
			Action:         input.Body.Action,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/ack",
		Summary:     "Acknowledge an alert",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AlertID string `path:"alert_id"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AcknowledgeAlert(ctx, input.AlertID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-alert-preferences",
		Method:      http.MethodGet,
		Path:        "/alerts/preferences",
		Summary:     "Get the caller's alert preferences",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AlertPreference `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetAlertPreference(ctx, actor.ID, e.Config.Winery.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AlertPreference `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-alert-preferences",
		Method:      http.MethodPut,
		Path:        "/alerts/preferences",
		Summary:     "Set the caller's alert preferences",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PreferenceRequest `json:"body"`
	}) (*struct {
		Body domain.AlertPreference `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetAlertPreference(ctx, domain.AlertPreference{
			UserID:         actor.ID,
			WineryID:       e.Config.Winery.ID,
			InAppEnabled:   input.Body.InAppEnabled,
			SMSEnabled:     input.Body.SMSEnabled,
			EmailEnabled:   input.Body.EmailEnabled,
			SuppressLow:    input.Body.SuppressLow,
			QuietStart:     input.Body.QuietStart,
			QuietEnd:       input.Body.QuietEnd,
			DNDUntil:       input.Body.DNDUntil,
			SMSRecipient:   input.Body.SMSRecipient,
			EmailRecipient: input.Body.EmailRecipient,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AlertPreference `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cached-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts/cached",
		Summary:     "Offline alert feed for the caller",
	}, func(ctx context.Context, input *struct {
		FermentationID string `query:"fermentation_id"`
	}) (*struct {
		Body []domain.CachedAlert `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.CachedAlerts(ctx, actor.ID, input.FermentationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CachedAlert `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-cached-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/cached/{cached_id}/ack",
		Summary:     "Acknowledge an offline feed entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CachedID string `path:"cached_id"`
	}) (*struct {
		Body domain.CachedAlert `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AcknowledgeCachedAlert(ctx, input.CachedID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CachedAlert `json:"body"`
		}{Body: c}, nil
	})
}

func registerFermentations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-fermentation",
		Method:        http.MethodPost,
		Path:          "/fermentations",
		Summary:       "Register a fermentation batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateFermentationRequest `json:"body"`
	}) (*struct {
		Body domain.Fermentation `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateFermentation(ctx, domain.Fermentation{
			ID:        input.Body.ID,
			WineryID:  e.Config.Winery.ID,
			BatchName: input.Body.BatchName,
			StartDate: input.Body.StartDate,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fermentation `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fermentations",
		Method:      http.MethodGet,
		Path:        "/fermentations",
		Summary:     "List fermentation batches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Fermentation `json:"body"`
	}, error) {
		items, err := e.Repo.ListFermentations(ctx, e.Config.Winery.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Fermentation `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, e.Config.Winery.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func stepSpec(s StepRequest) engine.StepSpec {
	return engine.StepSpec{
		Sequence:       s.Sequence,
		Name:           s.Name,
		TriggerType:    s.TriggerType,
		TriggerValue:   s.TriggerValue,
		ToleranceHours: s.ToleranceHours,
		Measurement:    s.Measurement,
		Critical:       s.Critical,
		ExpectedValue:  s.ExpectedValue,
		ExpectedLow:    s.ExpectedLow,
		ExpectedHigh:   s.ExpectedHigh,
	}
}

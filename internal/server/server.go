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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/firmware"
	"fleetline/internal/migrate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"device esp32-01 not found"`
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

// New returns an HTTP handler exposing the Fleetline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fleetline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine, time.Now())
	registerDeviceFacing(group, cfg.Engine)
	registerDevices(group, cfg.Engine)
	registerFirmware(group, cfg.Engine)
	registerDeployments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerFirmwareDownload(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())
	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
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
	var nfe engine.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"resource": nfe.Resource, "id": nfe.ID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		msg := ve.Message
		lowered := strings.ToLower(msg)
		if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "must") {
			return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	}
	var tio engine.TransientIOError
	if errors.As(err, &tio) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
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
	case http.StatusServiceUnavailable:
		return "unavailable"
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
			applyAuthSecurity(oas, basePath)
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPath(basePath, route) {
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
    <title>Fleetline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine, startedAt time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		schema, err := migrate.Version(e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountDevicesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
			"schema_version": schema,
			"device_counts":  counts,
		}}, nil
	})
}

func registerDeviceFacing(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "device-register",
		Method:        http.MethodPost,
		Path:          "/device/register",
		Summary:       "Register a device",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterDeviceRequest `json:"body"`
	}) (*struct {
		Body domain.Device `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		d, err := e.RegisterDevice(ctx, engine.RegisterOptions{
			DeviceID:        input.Body.DeviceID,
			Name:            input.Body.DeviceName,
			Type:            input.Body.DeviceType,
			LocalIP:         input.Body.LocalIP,
			MACAddress:      input.Body.MACAddress,
			FirmwareVersion: input.Body.FirmwareVersion,
			HardwareVersion: input.Body.HardwareVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Device `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "device-unregister",
		Method:      http.MethodPost,
		Path:        "/device/unregister",
		Summary:     "Unregister a device",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UnregisterDeviceRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.DeviceID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "device_id is required", nil)
		}
		if err := e.UnregisterDevice(ctx, input.Body.DeviceID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "device-status",
		Method:      http.MethodPost,
		Path:        "/device/status",
		Summary:     "Heartbeat with telemetry; returns queued commands",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DeviceStatusRequest `json:"body"`
	}) (*struct {
		Body DeviceStatusResponse `json:"body"`
	}, error) {
		cmds, err := e.SyncDeviceStatus(ctx, input.Body.DeviceID, input.Body.Telemetry)
		if err != nil {
			return nil, handleError(err)
		}
		resp := DeviceStatusResponse{Status: "success", Commands: pendingCommands(cmds)}
		if len(cmds) > 0 {
			resp.Message = fmt.Sprintf("%d command(s) queued", len(cmds))
		}
		return &struct {
			Body DeviceStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "device-complete-command",
		Method:      http.MethodPost,
		Path:        "/device/commands/{commandId}/complete",
		Summary:     "Report a command outcome",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommandID string                 `path:"commandId"`
		Body      CompleteCommandRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		cmd, err := e.ReportOutcome(ctx, input.CommandID, input.Body.Success, input.Body.ErrorMessage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: commandResponse(cmd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "device-command-progress",
		Method:      http.MethodPost,
		Path:        "/device/commands/{commandId}/progress",
		Summary:     "Report OTA progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommandID string                 `path:"commandId"`
		Body      CommandProgressRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.ReportProgress(ctx, input.CommandID, input.Body.Progress, input.Body.StatusMessage); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDevices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/devices",
		Summary:     "List devices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Device `json:"body"`
	}, error) {
		items, err := e.Repo.ListDevices(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Device `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-online-devices",
		Method:      http.MethodGet,
		Path:        "/devices/online",
		Summary:     "List online devices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Device `json:"body"`
	}, error) {
		items, err := e.Repo.ListDevices(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Device `json:"body"`
		}{Body: items}, nil
	})

	type deviceDetail struct {
		Device    domain.Device  `json:"device"`
		Telemetry map[string]any `json:"telemetry,omitempty"`
		SeenAt    string         `json:"telemetry_at,omitempty" format:"date-time"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/devices/{id}",
		Summary:     "Get device with latest telemetry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body deviceDetail `json:"body"`
	}, error) {
		d, err := e.Repo.GetDevice(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := deviceDetail{Device: d}
		if ts, payload, err := e.Repo.LatestTelemetry(ctx, input.ID); err == nil && payload != "" {
			var tel map[string]any
			if json.Unmarshal([]byte(payload), &tel) == nil {
				detail.Telemetry = tel
				detail.SeenAt = ts
			}
		}
		return &struct {
			Body deviceDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-command",
		Method:        http.MethodPost,
		Path:          "/devices/{id}/commands",
		Summary:       "Enqueue a command for a device",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body EnqueueCommandRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cmd, err := e.Enqueue(ctx, engine.EnqueueOptions{
			DeviceID: input.ID,
			Kind:     input.Body.Kind,
			Payload:  input.Body.Payload,
			ActorID:  actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: commandResponse(cmd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-device-commands",
		Method:      http.MethodGet,
		Path:        "/devices/{id}/commands",
		Summary:     "List a device's commands",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:",pending,sent,completed,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []CommandResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDevice(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCommandsByDevice(ctx, input.ID, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CommandResponse `json:"body"`
		}{Body: mapCommands(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-device",
		Method:      http.MethodDelete,
		Path:        "/devices/{id}",
		Summary:     "Delete a device and its history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteDevice(ctx, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-delete-devices",
		Method:      http.MethodPost,
		Path:        "/devices/batch-delete",
		Summary:     "Delete multiple devices",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BatchDeleteRequest `json:"body"`
	}) (*struct {
		Body engine.BatchDeleteResult `json:"body"`
	}, error) {
		res, err := e.BatchDeleteDevices(ctx, input.Body.DeviceIDs, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BatchDeleteResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerFirmware(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-firmware",
		Method:        http.MethodPost,
		Path:          "/firmware",
		Summary:       "Upload a firmware image",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Version     string `query:"version"`
		DeviceType  string `query:"device_type"`
		Description string `query:"description"`
		FileName    string `query:"file_name"`
		RawBody     []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body domain.Firmware `json:"body"`
	}, error) {
		fw, err := e.UploadFirmware(ctx, engine.UploadFirmwareOptions{
			Version:     input.Version,
			Description: input.Description,
			DeviceType:  input.DeviceType,
			FileName:    input.FileName,
			Data:        input.RawBody,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Firmware `json:"body"`
		}{Body: fw}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-firmware",
		Method:      http.MethodGet,
		Path:        "/firmware",
		Summary:     "List firmware images",
	}, func(ctx context.Context, input *struct {
		IncludeDeleted bool `query:"include_deleted"`
	}) (*struct {
		Body []domain.Firmware `json:"body"`
	}, error) {
		items, err := e.Repo.ListFirmware(ctx, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Firmware `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-firmware",
		Method:      http.MethodDelete,
		Path:        "/firmware/{id}",
		Summary:     "Delete a firmware image",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteFirmware(ctx, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerFirmwareDownload serves the artifact bytes directly. Registered
// on the router rather than through huma so the body can be streamed.
func registerFirmwareDownload(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "firmware/{id}/download"), func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		fw, err := e.Repo.GetFirmware(req.Context(), id)
		if err != nil || fw.Status != "available" {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("firmware %s not found", id), nil))
			return
		}
		if url, err := e.Store.PresignedURL(req.Context(), fw.StorageRef, e.Config.URLExpiry()); err == nil {
			http.Redirect(w, req, url, http.StatusTemporaryRedirect)
			return
		} else if !errors.Is(err, firmware.ErrNoPresign) {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "unavailable", "firmware storage unavailable", nil))
			return
		}
		rc, err := e.Store.Get(req.Context(), fw.StorageRef)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "unavailable", "firmware storage unavailable", nil))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(fw.Size, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fw.FileName))
		w.Header().Set("X-Firmware-Version", fw.Version)
		w.Header().Set("X-Firmware-Hash", fw.Checksum)
		io.Copy(w, rc)
	})
}

func registerDeployments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments",
		Summary:       "Start a firmware deployment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateDeploymentRequest `json:"body"`
	}) (*struct {
		Body DeploymentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.FirmwareID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "firmware_id is required", nil)
		}
		dep, err := e.Deploy(ctx, engine.DeployOptions{
			FirmwareID: input.Body.FirmwareID,
			DeviceIDs:  input.Body.DeviceIDs,
			Name:       input.Body.Name,
			ActorID:    actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeploymentResponse `json:"body"`
		}{Body: pendingDeploymentResponse(dep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}",
		Summary:     "Deployment status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeploymentResponse `json:"body"`
	}, error) {
		p, err := e.DeploymentStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeploymentResponse `json:"body"`
		}{Body: deploymentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deployment-history",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "Deployment history",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []DeploymentResponse `json:"body"`
	}, error) {
		items, err := e.DeploymentHistory(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeploymentResponse `json:"body"`
		}{Body: mapDeployments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "realtime-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments/realtime",
		Summary:     "Deployments in flight",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []DeploymentResponse `json:"body"`
	}, error) {
		items, err := e.RealtimeStatus(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeploymentResponse `json:"body"`
		}{Body: mapDeployments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/{id}/cancel",
		Summary:     "Cancel an in-flight deployment",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.CancelDeployment(ctx, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "canceling"}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event feed",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = v
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursor, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, ev := range items {
			resp.Items = append(resp.Items, eventResponse(ev))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// Package httpapi exposes the model manager and the service supervisor over
// HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"modelwarden/internal/manager"
	"modelwarden/pkg/types"
)

// ModelService is the part of the model manager the API layer uses.
type ModelService interface {
	Ready() bool
	ListModels() []types.ModelDescriptor
	GetModel(id string) (types.ModelDescriptor, error)
	RegisterModel(ctx context.Context, d types.ModelDescriptor) (string, error)
	UnregisterModel(ctx context.Context, id string) error
	LoadModel(ctx context.Context, id string, opts manager.LoadOptions) error
	UnloadModel(ctx context.Context, id string) error
	PrefetchModels(ctx context.Context, ids []string) []manager.PrefetchResult
	Prefetch(ids []string)
	Execute(ctx context.Context, modelID string, payload types.InferRequest, opts manager.ExecuteOptions) (string, types.InferResult, error)
	Status() types.StatusResponse
	GetResourceUsage() types.ResourceUsage
	UpdateResourceQuota(u types.QuotaUpdate) (types.ResourceUsage, error)
}

// ServiceSupervisor is the part of the health supervisor the API layer uses.
type ServiceSupervisor interface {
	Statuses() []types.ServiceStatus
	Status(name string) (types.ServiceStatus, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	SystemHealth() types.SystemHealthResponse
}

var errNoSupervisor = notFound("no services are supervised")

type notFound string

func (e notFound) Error() string   { return string(e) }
func (e notFound) StatusCode() int { return http.StatusNotFound }

type api struct {
	models   ModelService
	services ServiceSupervisor
	opts     Options
	log      zerolog.Logger
}

// NewMux builds the router. services may be nil when nothing is supervised.
func NewMux(models ModelService, services ServiceSupervisor, opts Options) http.Handler {
	opts = opts.withDefaults()
	a := &api{models: models, services: services, opts: opts, log: *opts.Logger}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger(a.log))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if opts.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORS.AllowedOrigins,
			AllowedMethods: opts.CORS.AllowedMethods,
			AllowedHeaders: opts.CORS.AllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Group(func(r chi.Router) {
		// Compression for JSON endpoints
		r.Use(middleware.Compress(5))

		r.Route("/models", func(r chi.Router) {
			r.Get("/", a.listModels)
			r.Post("/", a.registerModel)
			r.Post("/prefetch", a.prefetch)
			r.Get("/{id}", a.getModel)
			r.Delete("/{id}", a.unregisterModel)
			r.Post("/{id}/load", a.loadModel)
			r.Post("/{id}/unload", a.unloadModel)
		})
		r.Post("/execute", a.execute)
		r.Get("/status", a.status)
		r.Get("/quota", a.quota)
		r.Patch("/quota", a.updateQuota)

		r.Get("/services", a.listServices)
		r.Get("/services/{name}", a.getService)
		r.Post("/services/{name}/{action}", a.controlService)
		r.Get("/health", a.systemHealth)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if models.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if opts.Events != nil {
		r.Get("/events", opts.Events.ServeHTTP)
	}

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// It writes the error response itself and reports whether decoding succeeded.
func (a *api) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// @Summary      List models
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: a.models.ListModels()})
}

// @Summary      Register a model
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        body  body      types.ModelDescriptor  true  "Model descriptor"
// @Success      201   {object}  types.ModelDescriptor
// @Failure      400   {object}  types.ErrorResponse
// @Router       /models [post]
func (a *api) registerModel(w http.ResponseWriter, r *http.Request) {
	var d types.ModelDescriptor
	if !a.decodeJSON(w, r, &d) {
		return
	}
	id, err := a.models.RegisterModel(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := a.models.GetModel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *api) getModel(w http.ResponseWriter, r *http.Request) {
	d, err := a.models.GetModel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) unregisterModel(w http.ResponseWriter, r *http.Request) {
	if err := a.models.UnregisterModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// boolQuery parses an optional boolean query parameter.
func boolQuery(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, manager.ErrValidation("query parameter %s: %q is not a boolean", key, v)
	}
	return b, nil
}

// @Summary      Load a model
// @Description  Makes the model resident. immediate=true allows preempting lower tiers.
// @Tags         models
// @Produce      json
// @Param        id         path   string  true   "Model id"
// @Param        immediate  query  bool    false  "Preempt lower tiers if needed (default true)"
// @Param        warmup     query  bool    false  "Run a warmup generation after loading"
// @Success      200  {object}  types.ModelDescriptor
// @Failure      404  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /models/{id}/load [post]
func (a *api) loadModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	immediate, err := boolQuery(r, "immediate", true)
	if err != nil {
		writeError(w, err)
		return
	}
	warmup, err := boolQuery(r, "warmup", false)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := joinContexts(a.opts.BaseContext, r.Context())
	defer cancel()
	if err := a.models.LoadModel(ctx, id, manager.LoadOptions{Immediate: immediate, Warmup: warmup}); err != nil {
		writeError(w, err)
		return
	}
	d, err := a.models.GetModel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) unloadModel(w http.ResponseWriter, r *http.Request) {
	if err := a.models.UnloadModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type prefetchResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// @Summary      Prefetch models
// @Description  Loads models in the background without preemption. wait=true blocks and reports per-model results.
// @Tags         models
// @Accept       json
// @Param        body  body   types.PrefetchRequest  true   "Model ids"
// @Param        wait  query  bool                   false  "Wait for every load to settle"
// @Success      202
// @Router       /models/prefetch [post]
func (a *api) prefetch(w http.ResponseWriter, r *http.Request) {
	var req types.PrefetchRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, manager.ErrValidation("ids must not be empty"))
		return
	}
	wait, err := boolQuery(r, "wait", false)
	if err != nil {
		writeError(w, err)
		return
	}
	if !wait {
		a.models.Prefetch(req.IDs)
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": req.IDs})
		return
	}
	ctx, cancel := joinContexts(a.opts.BaseContext, r.Context())
	defer cancel()
	results := a.models.PrefetchModels(ctx, req.IDs)
	out := make([]prefetchResult, len(results))
	for i, res := range results {
		out[i] = prefetchResult{ID: res.ID}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// @Summary      Execute a request
// @Description  Queues a request against a model, loading it first if needed, and waits for the result.
// @Tags         execute
// @Accept       json
// @Produce      json
// @Param        body  body      types.ExecuteRequest  true  "Execution request"
// @Success      200   {object}  types.ExecuteResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      404   {object}  types.ErrorResponse
// @Failure      502   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /execute [post]
func (a *api) execute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	// Join server base context with request context so shutdown cancels the wait too.
	ctx, cancel := joinContexts(a.opts.BaseContext, r.Context())
	defer cancel()
	id, res, err := a.models.Execute(ctx, req.Model, req.InferRequest, manager.ExecuteOptions{Urgent: req.Urgent, UserID: req.UserID})
	if err != nil {
		// Client went away; nobody is listening.
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ExecuteResponse{RequestID: id, Model: req.Model, Result: res})
}

// @Summary      Manager status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.models.Status())
}

// @Summary      Resource quota and usage
// @Tags         quota
// @Produce      json
// @Success      200  {object}  types.ResourceUsage
// @Router       /quota [get]
func (a *api) quota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.models.GetResourceUsage())
}

// @Summary      Update the resource quota
// @Tags         quota
// @Accept       json
// @Produce      json
// @Param        body  body      types.QuotaUpdate  true  "Fields to change"
// @Success      200   {object}  types.ResourceUsage
// @Failure      400   {object}  types.ErrorResponse
// @Router       /quota [patch]
func (a *api) updateQuota(w http.ResponseWriter, r *http.Request) {
	var u types.QuotaUpdate
	if !a.decodeJSON(w, r, &u) {
		return
	}
	usage, err := a.models.UpdateResourceQuota(u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (a *api) listServices(w http.ResponseWriter, r *http.Request) {
	if a.services == nil {
		writeJSON(w, http.StatusOK, map[string]any{"services": []types.ServiceStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": a.services.Statuses()})
}

func (a *api) getService(w http.ResponseWriter, r *http.Request) {
	if a.services == nil {
		writeError(w, errNoSupervisor)
		return
	}
	st, err := a.services.Status(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// @Summary      Control a service
// @Tags         services
// @Produce      json
// @Param        name    path  string  true  "Service name"
// @Param        action  path  string  true  "start, stop or restart"
// @Success      200  {object}  types.ServiceStatus
// @Failure      404  {object}  types.ErrorResponse
// @Failure      424  {object}  types.ErrorResponse
// @Router       /services/{name}/{action} [post]
func (a *api) controlService(w http.ResponseWriter, r *http.Request) {
	if a.services == nil {
		writeError(w, errNoSupervisor)
		return
	}
	name := chi.URLParam(r, "name")
	var op func(context.Context, string) error
	switch chi.URLParam(r, "action") {
	case "start":
		op = a.services.Start
	case "stop":
		op = a.services.Stop
	case "restart":
		op = a.services.Restart
	default:
		writeJSONError(w, http.StatusNotFound, "unknown action")
		return
	}
	ctx, cancel := joinContexts(a.opts.BaseContext, r.Context())
	defer cancel()
	if err := op(ctx, name); err != nil {
		writeError(w, err)
		return
	}
	st, err := a.services.Status(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// @Summary      System health
// @Description  Rollup of every supervised service. 503 when the system is critical or down.
// @Tags         services
// @Produce      json
// @Success      200  {object}  types.SystemHealthResponse
// @Failure      503  {object}  types.SystemHealthResponse
// @Router       /health [get]
func (a *api) systemHealth(w http.ResponseWriter, r *http.Request) {
	sh := types.SystemHealthResponse{Status: "healthy", Services: []types.ServiceStatus{}}
	if a.services != nil {
		sh = a.services.SystemHealth()
	}
	status := http.StatusOK
	if sh.Status == "critical" || sh.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sh)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/taskforge/internal/agent"
	"github.com/nidhogg/taskforge/internal/conversation"
	"github.com/nidhogg/taskforge/internal/planner"
	"github.com/nidhogg/taskforge/internal/provider"
	"github.com/nidhogg/taskforge/internal/store"
	"go.uber.org/zap"
)

const providerHealthTimeout = 5 * time.Second

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	agent     *agent.Agent
	providers *provider.Router
	runs      store.RunStore // optional
	metrics   http.Handler   // optional
	logger    *zap.Logger
}

// NewHandler creates a new API handler. runs and metrics may be nil.
func NewHandler(a *agent.Agent, providers *provider.Router, runs store.RunStore, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{
		agent:     a,
		providers: providers,
		runs:      runs,
		metrics:   metrics,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/capabilities", h.listCapabilities)
		r.Get("/providers", h.listProviders)

		r.Post("/plans", h.createPlan)

		r.Post("/runs", h.createRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/steps", h.getRunSteps)

		r.Get("/conversation", h.getConversation)
		r.Get("/conversation/usage", h.conversationUsage)
		r.Post("/conversation/summarize", h.summarizeConversation)
		r.Delete("/conversation", h.clearConversation)

		if h.metrics != nil {
			r.Method(http.MethodGet, "/metrics", h.metrics)
		}
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "taskforge"})
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Catalog())
}

type providerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
	Healthy *bool  `json:"healthy,omitempty"`
	Error   string `json:"error,omitempty"`
}

// listProviders reports configured providers; ?check=true runs health checks.
func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	check := r.URL.Query().Get("check") == "true"
	var out []providerStatus
	for _, p := range h.providers.ListProviders() {
		st := providerStatus{ID: p.ID(), Name: p.Name(), Default: p.ID() == h.providers.DefaultID()}
		if check {
			ctx, cancel := context.WithTimeout(r.Context(), providerHealthTimeout)
			err := p.HealthCheck(ctx)
			cancel()
			healthy := err == nil
			st.Healthy = &healthy
			if err != nil {
				st.Error = err.Error()
			}
		}
		out = append(out, st)
	}
	if out == nil {
		out = []providerStatus{}
	}
	writeJSON(w, http.StatusOK, out)
}

type goalRequest struct {
	Goal string `json:"goal"`
}

func decodeGoal(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", false
	}
	if req.Goal == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "goal is required"})
		return "", false
	}
	return req.Goal, true
}

func (h *Handler) createPlan(w http.ResponseWriter, r *http.Request) {
	goal, ok := decodeGoal(w, r)
	if !ok {
		return
	}
	p, err := h.agent.Plan(r.Context(), goal)
	if err != nil {
		h.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// createRun executes a goal synchronously. A failed execution is still a
// 200: the outcome carries the failure.
func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	goal, ok := decodeGoal(w, r)
	if !ok {
		return
	}
	out, err := h.agent.Run(r.Context(), goal)
	if err != nil {
		h.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writePlanError(w http.ResponseWriter, err error) {
	var pce *planner.PlanCreationError
	if errors.As(err, &pce) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Error("run request failed", zap.Error(err))
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run store not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run store not configured"})
		return
	}
	out, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getRunSteps(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run store not configured"})
		return
	}
	steps, err := h.runs.ListSteps(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	msgs := h.agent.Memory().Messages()
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) conversationUsage(w http.ResponseWriter, r *http.Request) {
	mem := h.agent.Memory()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage": mem.Usage(),
		"stats": mem.Stats(),
	})
}

type summarizeRequest struct {
	TargetRatio float64 `json:"target_ratio"`
}

func (h *Handler) summarizeConversation(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.TargetRatio == 0 {
		req.TargetRatio = conversation.DefaultTargetRatio
	}
	if req.TargetRatio < 0 || req.TargetRatio >= 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target_ratio must be in (0, 1)"})
		return
	}
	mem := h.agent.Memory()
	changed := mem.Summarize(r.Context(), req.TargetRatio)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summarized": changed,
		"usage":      mem.Usage(),
	})
}

func (h *Handler) clearConversation(w http.ResponseWriter, r *http.Request) {
	keep := r.URL.Query().Get("keep_system") != "false"
	h.agent.Memory().Clear(keep)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true, "kept_system": keep})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

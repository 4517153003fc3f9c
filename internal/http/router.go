package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
	aliassvc "github.com/hunvreus/devpush/internal/service/alias"
	"github.com/hunvreus/devpush/internal/service/deploy"
	"github.com/hunvreus/devpush/internal/service/reconcile"
)

// Router exposes the engine's HTTP surface: deployment triggers, history,
// cancel, rollback, environment alias removal, targeted reconciliation,
// health and metrics.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	deploy     *deploy.Service
	alias      *aliassvc.Service
	reconciler *reconcile.Reconciler
	projects   repository.ProjectRepository
	health     func(ctx context.Context) error

	metricsOnce          sync.Once
	metricsInitialized   bool
	requestTotal         *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	deploymentsStarted   prometheus.Counter
	deploymentsConcluded *prometheus.CounterVec
	reconcileTicks       prometheus.Counter
}

const healthCheckTimeout = 2 * time.Second

// New creates and registers handlers. health is the dependency probe run
// by /healthz.
func New(logger *slog.Logger, deploySvc *deploy.Service, aliasSvc *aliassvc.Service, reconciler *reconcile.Reconciler, projects repository.ProjectRepository, health func(ctx context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		deploy:     deploySvc,
		alias:      aliasSvc,
		reconciler: reconciler,
		projects:   projects,
		health:     health,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments", r.handleCreate))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:id", r.handleCancel))
	r.mux.HandleFunc("/projects/", r.instrument("/projects/:id", r.handleProject))
	r.mux.HandleFunc("/reconcile", r.instrument("/reconcile", r.handleReconcile))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	status := "ok"
	components := map[string]any{"status": "up"}
	if r.health != nil {
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components = map[string]any{"status": "down", "error": err.Error()}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": map[string]any{"dependencies": components},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

type createRequest struct {
	ProjectID     string            `json:"project_id"`
	Branch        string            `json:"branch"`
	CommitSHA     string            `json:"commit_sha"`
	CommitAuthor  string            `json:"commit_author"`
	CommitMessage string            `json:"commit_message"`
	CommitDate    string            `json:"commit_date"`
	Trigger       string            `json:"trigger"`
	EnvVars       map[string]string `json:"env_vars"`
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload createRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ProjectID == "" || payload.Branch == "" || payload.CommitSHA == "" {
		r.writeError(w, http.StatusBadRequest, "project_id, branch and commit_sha are required")
		return
	}

	deployment, err := r.deploy.Create(req.Context(), deploy.CreateParams{
		ProjectID: payload.ProjectID,
		Branch:    payload.Branch,
		CommitSHA: payload.CommitSHA,
		CommitMeta: domain.CommitMeta{
			Author:  payload.CommitAuthor,
			Message: payload.CommitMessage,
			Date:    payload.CommitDate,
		},
		Trigger: payload.Trigger,
		EnvVars: payload.EnvVars,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		r.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	r.RecordDeploymentStarted()
	r.writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": deployment.ID,
		"status":        deployment.Status,
	})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	deploymentID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if deploymentID == "" {
		r.writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	if err := r.deploy.Cancel(req.Context(), deploymentID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			r.writeError(w, http.StatusNotFound, "deployment not found")
		case errors.Is(err, deploy.ErrNotCancelable):
			r.writeError(w, http.StatusConflict, err.Error())
		default:
			r.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceled"})
}

// handleProject dispatches the per-project sub-resources: rollback,
// deployment history and environment alias removal.
func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/projects/")
	projectID, action, found := strings.Cut(rest, "/")
	if !found || projectID == "" {
		r.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "rollback":
		if req.Method != http.MethodPost {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.handleRollback(w, req, projectID)
	case "deployments":
		if req.Method != http.MethodGet {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.handleListDeployments(w, req, projectID)
	case "aliases":
		if req.Method != http.MethodDelete {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.handleDeleteEnvironmentAliases(w, req, projectID)
	default:
		r.writeError(w, http.StatusNotFound, "not found")
	}
}

type rollbackRequest struct {
	EnvironmentID string `json:"environment_id"`
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, projectID string) {
	var payload rollbackRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.EnvironmentID == "" {
		r.writeError(w, http.StatusBadRequest, "environment_id required")
		return
	}

	project, err := r.projects.GetProjectByID(req.Context(), projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	swapped, err := r.alias.Rollback(req.Context(), project, payload.EnvironmentID)
	if err != nil {
		if errors.Is(err, aliassvc.ErrNoRollbackTarget) {
			r.writeError(w, http.StatusConflict, err.Error())
			return
		}
		r.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{
		"subdomain":     swapped.Subdomain,
		"deployment_id": swapped.DeploymentID,
	})
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			r.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	deployments, err := r.deploy.ListRecent(req.Context(), projectID, limit)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]map[string]any, 0, len(deployments))
	for _, d := range deployments {
		items = append(items, map[string]any{
			"id":             d.ID,
			"environment_id": d.EnvironmentID,
			"branch":         d.Branch,
			"commit_sha":     d.CommitSHA,
			"status":         d.Status,
			"conclusion":     d.Conclusion,
			"created_at":     d.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"deployments": items})
}

type environmentAliasesRequest struct {
	EnvironmentID string `json:"environment_id"`
}

func (r *Router) handleDeleteEnvironmentAliases(w http.ResponseWriter, req *http.Request, projectID string) {
	var payload environmentAliasesRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.EnvironmentID == "" {
		r.writeError(w, http.StatusBadRequest, "environment_id required")
		return
	}

	project, err := r.projects.GetProjectByID(req.Context(), projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := r.alias.RemoveEnvironmentAliases(req.Context(), project, payload.EnvironmentID); err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type reconcileRequest struct {
	DeploymentIDs []string `json:"deployment_ids"`
}

func (r *Router) handleReconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload reconcileRequest
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			r.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := r.reconciler.Reconcile(req.Context(), payload.DeploymentIDs...); err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.RecordReconcileTick()
	r.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}

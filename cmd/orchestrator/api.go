package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wavecrew/internal/config"
	"wavecrew/internal/domain"
	"wavecrew/internal/graph"
	"wavecrew/internal/metrics"
	"wavecrew/internal/orchestrator"
	"wavecrew/internal/plan"
	"wavecrew/internal/wave"
)

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	metrics      *metrics.Metrics
	logger       *log.Logger
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /config", a.handleConfig)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	mux.HandleFunc("GET /projects", a.handleListProjects)
	mux.HandleFunc("POST /projects", a.handleCreateProject)
	mux.HandleFunc("GET /projects/{id}", a.handleGetProject)
	mux.HandleFunc("POST /projects/{id}/questions", a.handleQuestions)
	mux.HandleFunc("POST /projects/{id}/answers", a.handleAnswers)
	mux.HandleFunc("POST /projects/{id}/config/request", a.handleConfigRequest)
	mux.HandleFunc("POST /projects/{id}/config", a.handleConfigSubmit)
	mux.HandleFunc("POST /projects/{id}/plan", a.handleSubmitPlan)
	mux.HandleFunc("POST /projects/{id}/plan/feedback", a.handleFeedback)
	mux.HandleFunc("POST /projects/{id}/plan/revert", a.handleRevert)
	mux.HandleFunc("POST /projects/{id}/plan/approve", a.handleApprove)
	mux.HandleFunc("POST /projects/{id}/plan/abandon", a.handleAbandon)
	mux.HandleFunc("POST /projects/{id}/resume", a.handleResume)

	mux.HandleFunc("GET /projects/{id}/tasks", a.handleTasks)
	mux.HandleFunc("GET /projects/{id}/waves", a.handleWaves)
	mux.HandleFunc("GET /projects/{id}/waves/{n}", a.handleWave)
	mux.HandleFunc("POST /projects/{id}/waves/{n}/review", a.handleReviewAction)
	mux.HandleFunc("POST /projects/{id}/waves/{n}/escalate", a.handleEscalate)
	mux.HandleFunc("GET /projects/{id}/reviews", a.handleProjectReviews)
	mux.HandleFunc("GET /projects/{id}/decisions", a.handleDecisions)
	mux.HandleFunc("GET /projects/{id}/messages", a.handleMessages)

	mux.HandleFunc("GET /reviews", a.handleReviews)
	mux.HandleFunc("GET /reviews/{id}", a.handleGetReview)
	mux.HandleFunc("POST /callbacks/completion", a.handleCompletion)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleConfig reports effective settings. Secrets are never echoed.
func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	agents := make(map[string]string, len(a.cfg.Agents))
	for name, ac := range a.cfg.Agents {
		agents[name] = ac.Kind
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         a.cfg.Path,
		"server":       a.cfg.Server,
		"orchestrator": a.orchestrator.Config(),
		"transport":    a.cfg.Transport.Kind,
		"agents":       agents,
		"write_scopes": a.cfg.WriteScopes(),
	})
}

func (a *app) handleListProjects(w http.ResponseWriter, r *http.Request) {
	items, err := a.orchestrator.ListProjects(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string `json:"id"`
		OwnerID      string `json:"owner_id"`
		OwnerContact string `json:"owner_contact"`
		Name         string `json:"name"`
		Goal         string `json:"goal"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner_id and name are required"))
		return
	}
	project, err := a.orchestrator.CreateProject(r.Context(), orchestrator.CreateProjectInput{
		ID:           req.ID,
		OwnerID:      req.OwnerID,
		OwnerContact: req.OwnerContact,
		Name:         req.Name,
		Goal:         req.Goal,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (a *app) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := a.orchestrator.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (a *app) handleQuestions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Questions []domain.Question `json:"questions"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := a.orchestrator.RecordQuestions(r.Context(), r.PathValue("id"), req.Questions)
	respond(w, project, err)
}

func (a *app) handleAnswers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers map[string]string `json:"answers"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := a.orchestrator.AnswerQuestions(r.Context(), r.PathValue("id"), req.Answers)
	respond(w, project, err)
}

func (a *app) handleConfigRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fields []domain.ConfigField `json:"fields"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := a.orchestrator.RequestConfig(r.Context(), r.PathValue("id"), req.Fields)
	respond(w, project, err)
}

func (a *app) handleConfigSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Values map[string]string `json:"values"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := a.orchestrator.SubmitConfig(r.Context(), r.PathValue("id"), req.Values)
	respond(w, project, err)
}

// handleSubmitPlan accepts a JSON or YAML plan body.
func (a *app) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	p, err := plan.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	project, err := a.orchestrator.SubmitPlan(r.Context(), r.PathValue("id"), p)
	respond(w, project, err)
}

func (a *app) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb plan.Feedback
	if !decodeBody(w, r, &fb) {
		return
	}
	if queryBool(r, "dry_run") {
		preview, err := a.orchestrator.AnalyzeFeedback(r.Context(), r.PathValue("id"), fb)
		respond(w, preview, err)
		return
	}
	project, err := a.orchestrator.ApplyFeedback(r.Context(), r.PathValue("id"), fb)
	respond(w, project, err)
}

func (a *app) handleRevert(w http.ResponseWriter, r *http.Request) {
	project, err := a.orchestrator.RevertPlan(r.Context(), r.PathValue("id"))
	respond(w, project, err)
}

func (a *app) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	project, first, err := a.orchestrator.ApprovePlan(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": project,
		"wave":    first,
	})
}

func (a *app) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	project, err := a.orchestrator.AbandonPlan(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	respond(w, project, err)
}

func (a *app) handleResume(w http.ResponseWriter, r *http.Request) {
	report, err := a.orchestrator.Resume(r.Context(), r.PathValue("id"))
	respond(w, report, err)
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	items, err := a.orchestrator.ListTasks(r.Context(), r.PathValue("id"))
	respond(w, items, err)
}

func (a *app) handleWaves(w http.ResponseWriter, r *http.Request) {
	items, err := a.orchestrator.ListWaves(r.Context(), r.PathValue("id"))
	respond(w, items, err)
}

func (a *app) handleWave(w http.ResponseWriter, r *http.Request) {
	number, ok := waveNumber(w, r)
	if !ok {
		return
	}
	projectID := r.PathValue("id")
	wv, err := a.orchestrator.GetWave(r.Context(), projectID, number)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	tasks, err := a.orchestrator.ListWaveTasks(r.Context(), projectID, number)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wave":  wv,
		"tasks": tasks,
	})
}

func (a *app) handleReviewAction(w http.ResponseWriter, r *http.Request) {
	number, ok := waveNumber(w, r)
	if !ok {
		return
	}
	var req struct {
		Action   domain.ReviewAction `json:"action"`
		Actor    string              `json:"actor"`
		Notes    string              `json:"notes"`
		Assignee string              `json:"assignee"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" || strings.TrimSpace(req.Actor) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action and actor are required"))
		return
	}
	res, err := a.orchestrator.ReviewAction(r.Context(), orchestrator.ReviewActionInput{
		ProjectID:  r.PathValue("id"),
		WaveNumber: number,
		Action:     req.Action,
		Actor:      req.Actor,
		Notes:      req.Notes,
		Assignee:   req.Assignee,
	})
	if err != nil && res.Request.ID == "" {
		writeServiceError(w, err)
		return
	}
	body := map[string]any{
		"request":     res.Request,
		"wave_status": res.Wave.Status,
		"phase":       res.Phase,
	}
	if err != nil {
		// The action was applied; the follow-up (usually a deadlock) failed.
		body["follow_up_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *app) handleEscalate(w http.ResponseWriter, r *http.Request) {
	number, ok := waveNumber(w, r)
	if !ok {
		return
	}
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	res, err := a.orchestrator.EscalateWave(r.Context(), r.PathValue("id"), number, req.Actor, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *app) handleProjectReviews(w http.ResponseWriter, r *http.Request) {
	items, err := a.orchestrator.ListReviewRequests(r.Context(), r.PathValue("id"), queryBool(r, "active"), queryInt(r, "limit", 100))
	respond(w, items, err)
}

func (a *app) handleReviews(w http.ResponseWriter, r *http.Request) {
	active := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		active = queryBool(r, "active")
	}
	items, err := a.orchestrator.ListReviewRequests(r.Context(), "", active, queryInt(r, "limit", 200))
	respond(w, items, err)
}

func (a *app) handleGetReview(w http.ResponseWriter, r *http.Request) {
	item, err := a.orchestrator.GetReviewRequest(r.Context(), r.PathValue("id"))
	respond(w, item, err)
}

func (a *app) handleDecisions(w http.ResponseWriter, r *http.Request) {
	items, err := a.orchestrator.ListDecisions(r.Context(), r.PathValue("id"), queryInt(r, "limit", 300))
	respond(w, items, err)
}

func (a *app) handleMessages(w http.ResponseWriter, r *http.Request) {
	items, err := a.orchestrator.ListMessages(r.Context(), r.PathValue("id"), queryInt(r, "limit", 200))
	respond(w, items, err)
}

// handleCompletion is the callback for agents running outside the process.
func (a *app) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var ev domain.CompletionEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.Status != domain.TaskStatusCompleted && ev.Status != domain.TaskStatusFailed {
		writeError(w, http.StatusBadRequest, fmt.Errorf("status must be %s or %s", domain.TaskStatusCompleted, domain.TaskStatusFailed))
		return
	}
	out, err := a.orchestrator.HandleCompletion(r.Context(), ev)
	if err != nil && !out.Applied {
		writeServiceError(w, err)
		return
	}
	body := map[string]any{
		"applied":  out.Applied,
		"resolved": out.Resolved,
	}
	if err != nil {
		body["follow_up_error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, body)
}

func respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, orchestrator.ErrReviewNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, orchestrator.ErrWrongPhase),
		errors.Is(err, orchestrator.ErrReviewExists),
		errors.Is(err, orchestrator.ErrWaveInFlight),
		errors.Is(err, orchestrator.ErrAutofixExhausted):
		return http.StatusConflict
	case errors.Is(err, graph.ErrInvalidPlan),
		errors.Is(err, plan.ErrInvalidEdit),
		errors.Is(err, wave.ErrDeadlock),
		errors.Is(err, orchestrator.ErrPlanIncomplete):
		return http.StatusUnprocessableEntity
	case strings.Contains(err.Error(), "invalid"),
		strings.Contains(err.Error(), "required"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

const maxBodyBytes = 4 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return nil, false
	}
	return body, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, dst)
}

func loggingMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func waveNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid wave number %q", r.PathValue("n")))
		return 0, false
	}
	return n, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}

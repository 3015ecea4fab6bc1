package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	appai "github.com/bryanwahyu/supabase-compliance/internal/application/ai"
	"github.com/bryanwahyu/supabase-compliance/internal/application/autofix"
	"github.com/bryanwahyu/supabase-compliance/internal/application/evidence"
	"github.com/bryanwahyu/supabase-compliance/internal/application/projects"
	"github.com/bryanwahyu/supabase-compliance/internal/application/reports"
	appscans "github.com/bryanwahyu/supabase-compliance/internal/application/scans"
	domai "github.com/bryanwahyu/supabase-compliance/internal/domain/ai"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

const maxBodyBytes = 1 << 20

// Deps are the services the router serves.
type Deps struct {
	Projects *projects.Service
	Scans    *appscans.Service
	AutoFix  *autofix.Service
	Reports  *reports.Service
	AI       *appai.Service
	Checks   domain.CheckRepository
	Evidence domain.EvidenceRepository
	Broker   *evidence.Broker
	Registry *domain.Registry

	// SyncScans makes POST /v1/scans wait for completion by default.
	SyncScans bool

	APIKeys     map[string]string
	CORSOrigins []string
	Limiter     *middleware.RateLimiter
	Health      map[string]middleware.HealthChecker
}

type Router struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	r := &Router{Deps: d}
	mux := chi.NewRouter()

	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins(d.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", middleware.HealthHandler(d.Health))
	mux.Get("/ready", middleware.ReadinessHandler(d.Health))
	mux.Get("/live", middleware.LivenessHandler)
	mux.Handle("/metrics", middleware.MetricsHandler())

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(d.APIKeys))
		if d.Limiter != nil {
			rt.Use(middleware.RateLimitMiddleware(d.Limiter))
		}

		rt.Post("/projects", r.wrap(r.handleCreateProject))
		rt.Get("/projects/{id}", r.wrap(r.handleGetProject))
		rt.Get("/projects/{id}/scans", r.wrap(r.handleProjectScans))

		rt.Post("/scans", r.wrap(r.handleStartScan))
		rt.Get("/scans/{id}", r.wrap(r.handleGetScan))
		rt.Get("/scans/{id}/checks", r.wrap(r.handleScanChecks))
		rt.Post("/scans/{id}/report", r.wrap(r.handleExportReport))

		rt.Get("/checks/{id}", r.wrap(r.handleGetCheck))
		rt.Get("/checks/{id}/evidence", r.wrap(r.handleEvidence))
		rt.Get("/checks/{id}/evidence/stream", r.handleEvidenceStream)

		rt.Get("/auto-fix/session", r.wrap(r.handleLatestSession))
		rt.Post("/auto-fix/session", r.wrap(r.handleCreateSession))
		rt.Patch("/auto-fix/session/{id}", r.wrap(r.handlePatchSession))
		rt.Delete("/auto-fix/session/{id}", r.wrap(r.handleDeleteSession))
		rt.Post("/auto-fix/execute", r.wrap(r.handleExecute))

		rt.Post("/ai/chat", r.wrap(r.handleChat))
	})

	return mux
}

func origins(list []string) []string {
	if len(list) == 0 {
		return []string{"*"}
	}
	return list
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps service errors onto HTTP statuses. Every failure body carries a
// human readable "error".
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var (
			verr *domain.ValidationError
			cerr *domain.ConnectionError
			terr *domain.SessionTerminalError
		)
		switch {
		case errors.As(err, &terr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success":    false,
				"error":      terr.Error(),
				"session_id": terr.SessionID,
				"status":     terr.Status,
			})
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Reason, "field": verr.Field})
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, domain.ErrSessionConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &cerr):
			writeError(w, http.StatusBadGateway, cerr.Error())
		case errors.Is(err, domai.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, "ai quota exceeded")
		case errors.Is(err, reports.ErrDisabled), errors.Is(err, appai.ErrDisabled):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "request timed out")
		default:
			log.Error().Err(err).Str("path", req.URL.Path).Str("request_id", chimw.GetReqID(req.Context())).Msg("request failed")
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, req *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.Invalid("body", "invalid JSON body: "+err.Error())
	}
	return nil
}

func pathID(req *http.Request, field string) (string, error) {
	id := chi.URLParam(req, "id")
	return id, validID(field, id)
}

func validID(field, id string) error {
	if err := middleware.ValidateID(field, id); err != nil {
		return domain.Invalid(field, err.Error())
	}
	return nil
}

func queryInt(req *http.Request, key string) int {
	n, _ := strconv.Atoi(req.URL.Query().Get(key))
	return n
}

func owner(req *http.Request) string {
	return middleware.GetOwnerFromContext(req.Context())
}

// ownProject fails with ErrNotFound when the project belongs to another owner.
func (r *Router) ownProject(req *http.Request, projectID string) error {
	if err := validID("project_id", projectID); err != nil {
		return err
	}
	_, err := r.Projects.Get(req.Context(), owner(req), projectID)
	return err
}

func (r *Router) ownCheck(req *http.Request, checkID string) (*domain.Check, error) {
	if err := validID("check_id", checkID); err != nil {
		return nil, err
	}
	c, err := r.Checks.Get(req.Context(), checkID)
	if err != nil {
		return nil, err
	}
	if err := r.ownProject(req, c.ProjectID); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Router) ownScan(req *http.Request, scanID string) (*domain.Scan, error) {
	s, err := r.Scans.Get(req.Context(), scanID)
	if err != nil {
		return nil, err
	}
	if err := r.ownProject(req, s.ProjectID); err != nil {
		return nil, err
	}
	return s, nil
}

// ---- projects

// POST /v1/projects
func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) error {
	var body projects.CreateCommand
	if err := decode(w, req, &body); err != nil {
		return err
	}
	p, err := r.Projects.Create(req.Context(), owner(req), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, p)
	return nil
}

// GET /v1/projects/{id}
func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "project_id")
	if err != nil {
		return err
	}
	p, err := r.Projects.Get(req.Context(), owner(req), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, p)
	return nil
}

// GET /v1/projects/{id}/scans?limit=20
func (r *Router) handleProjectScans(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "project_id")
	if err != nil {
		return err
	}
	if err := r.ownProject(req, id); err != nil {
		return err
	}
	list, err := r.Scans.Latest(req.Context(), id, middleware.ValidateLimit(queryInt(req, "limit")))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

// ---- scans

// POST /v1/scans {"project_id": "..."}[?wait=true]
func (r *Router) handleStartScan(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		ProjectID string `json:"project_id"`
		// accepted for older dashboard clients
		LegacyProjectID string `json:"projectId"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	projectID := body.ProjectID
	if projectID == "" {
		projectID = body.LegacyProjectID
	}
	if projectID == "" {
		return domain.Invalid("project_id", "Project ID is required")
	}
	if err := r.ownProject(req, projectID); err != nil {
		return err
	}

	wait := r.SyncScans
	if v := req.URL.Query().Get("wait"); v != "" {
		wait, _ = strconv.ParseBool(v)
	}

	if wait {
		scan, err := r.Scans.Run(req.Context(), projectID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, scan)
		return nil
	}

	scan, err := r.Scans.Start(req.Context(), projectID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"scan_id":    scan.ID,
		"project_id": scan.ProjectID,
		"status":     scan.Status,
		"started_at": scan.StartedAt,
		"message":    "scan started in background",
	})
	return nil
}

// GET /v1/scans/{id}
func (r *Router) handleGetScan(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan_id")
	if err != nil {
		return err
	}
	scan, err := r.ownScan(req, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scan)
	return nil
}

// GET /v1/scans/{id}/checks
func (r *Router) handleScanChecks(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan_id")
	if err != nil {
		return err
	}
	if _, err := r.ownScan(req, id); err != nil {
		return err
	}
	rows, err := r.Scans.ListChecks(req.Context(), id)
	if err != nil {
		return err
	}
	out := make([]checkView, 0, len(rows))
	for _, c := range rows {
		out = append(out, r.view(c))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// POST /v1/scans/{id}/report
func (r *Router) handleExportReport(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "scan_id")
	if err != nil {
		return err
	}
	if _, err := r.ownScan(req, id); err != nil {
		return err
	}
	if r.Reports == nil {
		return reports.ErrDisabled
	}
	url, err := r.Reports.Export(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"scan_id": id, "url": url})
	return nil
}

// ---- checks

type checkView struct {
	ID        string             `json:"id"`
	ProjectID string             `json:"project_id"`
	ScanID    string             `json:"scan_id"`
	Type      domain.CheckType   `json:"type"`
	Status    domain.CheckStatus `json:"status"`
	Result    *bool              `json:"result"`
	Details   any                `json:"details"`
	Timestamp time.Time          `json:"timestamp"`
}

func (r *Router) view(c *domain.Check) checkView {
	details, err := r.Registry.DecodeDetails(c.Type, c.Details)
	if err != nil {
		details = c.Details
	}
	return checkView{
		ID: c.ID, ProjectID: c.ProjectID, ScanID: c.ScanID, Type: c.Type,
		Status: c.Status, Result: c.Result, Details: details, Timestamp: c.Timestamp,
	}
}

// GET /v1/checks/{id}
func (r *Router) handleGetCheck(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "check_id")
	if err != nil {
		return err
	}
	c, err := r.ownCheck(req, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, r.view(c))
	return nil
}

// GET /v1/checks/{id}/evidence?page=1&page_size=50
func (r *Router) handleEvidence(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "check_id")
	if err != nil {
		return err
	}
	if _, err := r.ownCheck(req, id); err != nil {
		return err
	}
	page := middleware.ValidatePage(queryInt(req, "page"))
	size := middleware.ValidateLimit(queryInt(req, "page_size"))

	rows, total, err := r.Evidence.ListByCheck(req.Context(), id, page, size)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, domain.EvidencePage{
		Data:       rows,
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	})
	return nil
}

// ---- auto-fix

// GET /v1/auto-fix/session?check_id=
func (r *Router) handleLatestSession(w http.ResponseWriter, req *http.Request) error {
	checkID := req.URL.Query().Get("check_id")
	if checkID == "" {
		return domain.Invalid("check_id", "Missing check_id parameter")
	}
	if _, err := r.ownCheck(req, checkID); err != nil {
		return err
	}
	sess, err := r.AutoFix.Latest(req.Context(), checkID)
	if err != nil {
		return err
	}
	// null when the check has no session yet
	writeJSON(w, http.StatusOK, sess)
	return nil
}

// POST /v1/auto-fix/session {"check_id": "...", "config": {...}}
func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		CheckID string         `json:"check_id"`
		Config  map[string]any `json:"config"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	if body.CheckID == "" {
		return domain.Invalid("check_id", "Missing required parameters")
	}
	if _, err := r.ownCheck(req, body.CheckID); err != nil {
		return err
	}
	sess, err := r.AutoFix.Create(req.Context(), body.CheckID, body.Config)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess)
	return nil
}

func (r *Router) ownSession(req *http.Request) (string, error) {
	id, err := pathID(req, "session_id")
	if err != nil {
		return "", err
	}
	sess, err := r.AutoFix.Get(req.Context(), id)
	if err != nil {
		return "", err
	}
	if _, err := r.ownCheck(req, sess.CheckID); err != nil {
		return "", err
	}
	return id, nil
}

// PATCH /v1/auto-fix/session/{id}
func (r *Router) handlePatchSession(w http.ResponseWriter, req *http.Request) error {
	id, err := r.ownSession(req)
	if err != nil {
		return err
	}
	var patch domain.SessionPatch
	if err := decode(w, req, &patch); err != nil {
		return err
	}
	sess, err := r.AutoFix.Patch(req.Context(), id, patch)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess)
	return nil
}

// DELETE /v1/auto-fix/session/{id}
func (r *Router) handleDeleteSession(w http.ResponseWriter, req *http.Request) error {
	id, err := r.ownSession(req)
	if err != nil {
		return err
	}
	if err := r.AutoFix.Delete(req.Context(), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

// POST /v1/auto-fix/execute {"check_id": "...", "config": {...}}
func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		CheckID       string         `json:"check_id"`
		LegacyCheckID string         `json:"checkId"`
		Config        map[string]any `json:"config"`
	}
	if err := decode(w, req, &body); err != nil {
		return err
	}
	checkID := body.CheckID
	if checkID == "" {
		checkID = body.LegacyCheckID
	}
	if checkID == "" {
		return domain.Invalid("check_id", "Missing required parameter: checkId")
	}
	if _, err := r.ownCheck(req, checkID); err != nil {
		return err
	}

	// remediation keeps going if the client disconnects
	res, err := r.AutoFix.Execute(context.WithoutCancel(req.Context()), checkID, body.Config)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

// ---- ai

// POST /v1/ai/chat {"check_id": "...", "message": "...", "history": [...]}
func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) error {
	var body appai.ChatRequest
	if err := decode(w, req, &body); err != nil {
		return err
	}
	if body.CheckID != "" {
		if _, err := r.ownCheck(req, body.CheckID); err != nil {
			return err
		}
	}
	if r.AI == nil {
		return appai.ErrDisabled
	}
	reply, err := r.AI.Chat(req.Context(), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
	return nil
}

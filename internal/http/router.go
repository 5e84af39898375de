package httpx

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/service/auth"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/logs"
	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/internal/ws"
	"github.com/splax/localvercel/pkg/crypto"
)

// Services groups what the router dispatches to.
type Services struct {
	Auth     auth.Service
	Projects project.Service
	Deploys  *deploy.Service
	Logs     logs.Service
}

// Config tunes the router.
type Config struct {
	SitesRoot         string
	ProjectsRoot      string
	UploadDir         string
	UploadMaxBytes    int64
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CookieSecure      bool
	LogBuffer         int
	WriteWait         time.Duration
	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	project  project.Service
	deploy   *deploy.Service
	logs     logs.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error
	cfg      Config
	rates    ratePolicies
	metrics  *routerMetrics
}

const (
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 20
	maxListLimit       = 100
	defaultLogLimit    = 500
	maxLogLimit        = 1000
)

// NewRouter assembles routes with dependencies. A nil limiter uses an
// in-memory one.
func NewRouter(logger *slog.Logger, svc Services, limiter RateLimiter, dbHealth func(context.Context) error, cfg Config) *Router {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = rateWindowDefault
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    svc.Auth,
		project: svc.Projects,
		deploy:  svc.Deploys,
		logs:    svc.Logs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
		cfg:      cfg,
		rates:    newRatePolicies(cfg),
		metrics:  newRouterMetrics(cfg.Registerer),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.limited(r.rates.signup, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.limited(r.rates.login, r.handleLogin)))
	r.mux.HandleFunc("/auth/logout", r.audit("auth_logout", r.handleLogout))
	r.mux.HandleFunc("/auth/session", r.audit("auth_session", r.requireAuth(r.handleSession)))

	r.mux.HandleFunc("/projects", r.audit("projects", r.authedLimited(r.rates.projects, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.requireAuth(r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.authedLimited(r.rates.deploymentReads, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/projects/", r.audit("logs_ws", r.authedLimited(r.rates.logStream, r.handleLogsWS)))

	if r.cfg.SitesRoot != "" {
		r.mux.Handle("/sites/", http.StripPrefix("/sites", staticHandler(r.cfg.SitesRoot)))
	}
	if r.cfg.ProjectsRoot != "" {
		r.mux.Handle("/p/", http.StripPrefix("/p", staticHandler(r.cfg.ProjectsRoot)))
	}
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentialsRequest
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, crypto.ErrPasswordTooShort):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.internalError(w, req, "signup failed", err)
		}
		return
	}
	r.setSessionCookie(w, token)
	writeJSON(w, http.StatusCreated, sessionView{User: newUserView(user), Tokens: newTokenView(token)})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.internalError(w, req, "login failed", err)
		return
	}
	r.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, sessionView{User: newUserView(user), Tokens: newTokenView(token)})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{"id": info.UserID, "email": info.Email},
	})
}

func (r *Router) setSessionCookie(w http.ResponseWriter, token auth.Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token.AccessToken,
		Path:     "/",
		Expires:  token.ExpiresAt,
		MaxAge:   int(token.ExpiresIn / time.Second),
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

type createProjectRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		projects, err := r.project.List(req.Context(), info.UserID)
		if err != nil {
			r.internalError(w, req, "list projects failed", err)
			return
		}
		out := make([]projectView, 0, len(projects))
		for _, p := range projects {
			out = append(out, newProjectView(p))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var payload createProjectRequest
		if !decodeJSON(w, req, &payload) {
			return
		}
		proj, err := r.project.Create(req.Context(), info.UserID, project.CreateInput{
			Name:        payload.Name,
			Description: payload.Description,
		})
		if err != nil {
			if project.IsValidationError(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.internalError(w, req, "create project failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, newProjectView(*proj))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/projects/"))
	switch {
	case len(parts) == 1:
		r.limited(r.rates.project, func(w http.ResponseWriter, req *http.Request) {
			r.handleProject(w, req, parts[0])
		})(w, req)
	case len(parts) == 2 && parts[1] == "deployments":
		if req.Method == http.MethodPost {
			r.limited(r.rates.deployUpload, func(w http.ResponseWriter, req *http.Request) {
				r.handleCreateDeployment(w, req, parts[0])
			})(w, req)
			return
		}
		r.limited(r.rates.deploymentReads, func(w http.ResponseWriter, req *http.Request) {
			r.handleListDeployments(w, req, parts[0])
		})(w, req)
	case len(parts) == 2 && parts[1] == "logs":
		r.limited(r.rates.logReads, func(w http.ResponseWriter, req *http.Request) {
			r.handleProjectLogs(w, req, parts[0])
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		proj, err := r.project.Get(req.Context(), info.UserID, projectID)
		if err != nil {
			r.projectError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, newProjectView(*proj))
	case http.MethodDelete:
		if err := r.project.Delete(req.Context(), info.UserID, projectID); err != nil {
			r.projectError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	limit := queryInt(req, "limit", defaultListLimit, maxListLimit)
	deployments, err := r.deploy.ListByProject(req.Context(), info.UserID, projectID, limit)
	if err != nil {
		r.deployError(w, req, err)
		return
	}
	out := make([]deploymentView, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, newDeploymentView(d, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request, projectID string) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	// Check ownership before spooling the body.
	if _, err := r.project.Get(req.Context(), info.UserID, projectID); err != nil {
		r.metrics.uploadRejected(rejectNoProject)
		r.projectError(w, req, err)
		return
	}
	upload, err := spoolUpload(w, req, r.cfg.UploadDir, r.cfg.UploadMaxBytes)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			r.metrics.uploadRejected(rejectTooLarge)
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		r.metrics.uploadRejected(rejectMalformed)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.metrics.uploadAccepted(upload.Size)

	deployment, err := r.deploy.Start(req.Context(), info.UserID, projectID, upload.Path, upload.CommitMessage)
	if err != nil {
		if rmErr := os.Remove(upload.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Warn("failed to remove rejected upload", "path", upload.Path, "error", rmErr)
		}
		r.metrics.uploadRejected(rejectDeploy)
		r.deployError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newDeploymentView(*deployment, false))
}

func (r *Router) handleProjectLogs(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	if _, err := r.project.Get(req.Context(), info.UserID, projectID); err != nil {
		r.projectError(w, req, err)
		return
	}
	limit := queryInt(req, "limit", defaultLogLimit, maxLogLimit)
	offset := queryInt(req, "offset", 0, -1)
	entries, err := r.logs.List(req.Context(), projectID, limit, offset)
	if err != nil {
		r.internalError(w, req, "list logs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, logViews(entries))
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/deployments/"))
	if len(parts) == 0 || len(parts) > 2 || (len(parts) == 2 && parts[1] != "logs") {
		r.notFound(w)
		return
	}
	deployment, err := r.deploy.Get(req.Context(), info.UserID, parts[0])
	if err != nil {
		r.deployError(w, req, err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, newDeploymentView(*deployment, true))
		return
	}
	limit := queryInt(req, "limit", defaultLogLimit, maxLogLimit)
	offset := queryInt(req, "offset", 0, -1)
	entries, err := r.logs.ListByDeployment(req.Context(), deployment.ID, limit, offset)
	if err != nil {
		r.internalError(w, req, "list deployment logs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, logViews(entries))
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/ws/projects/"))
	if len(parts) != 2 || parts[1] != "logs" {
		r.notFound(w)
		return
	}
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	projectID := parts[0]
	if _, err := r.project.Get(req.Context(), info.UserID, projectID); err != nil {
		r.projectError(w, req, err)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger.With("project_id", projectID), r.cfg.LogBuffer, r.cfg.WriteWait)
	hub.Register(projectID, client)
	go func() {
		client.ReadLoop()
		hub.Unregister(projectID, client)
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) mustAuth(w http.ResponseWriter, req *http.Request) (principal, bool) {
	info, ok := principalFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func (r *Router) projectError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, project.ErrProjectNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	r.internalError(w, req, "project lookup failed", err)
}

func (r *Router) deployError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, deploy.ErrProjectNotFound), errors.Is(err, deploy.ErrDeploymentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deploy.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.internalError(w, req, "deployment request failed", err)
	}
}

func (r *Router) internalError(w http.ResponseWriter, req *http.Request, msg string, err error) {
	r.logger.Error(msg, "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.request(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := principalFrom(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// staticHandler serves published sites. The first path segment must be a
// deployment or project ID. Directories without an index.html are hidden.
func staticHandler(root string) http.Handler {
	files := http.FileServer(http.FS(indexOnlyFS{os.DirFS(root)}))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		parts := splitPath(req.URL.Path)
		if len(parts) == 0 || uuid.Validate(parts[0]) != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		files.ServeHTTP(w, req)
	})
}

type indexOnlyFS struct {
	fs.FS
}

func (f indexOnlyFS) Open(name string) (fs.File, error) {
	file, err := f.FS.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		index, err := f.FS.Open(path.Join(name, "index.html"))
		if err != nil {
			file.Close()
			return nil, fs.ErrNotExist
		}
		index.Close()
	}
	return file, nil
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// queryInt reads a non-negative integer parameter, clamping to max when max
// is positive.
func queryInt(req *http.Request, key string, fallback, max int) int {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func logViews(entries []domain.ProjectLog) []logView {
	out := make([]logView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newLogView(e))
	}
	return out
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

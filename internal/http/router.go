package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/service/auth"
	"github.com/vacerde/qBridge/internal/service/collab"
	"github.com/vacerde/qBridge/internal/service/deploy"
	"github.com/vacerde/qBridge/internal/service/workspace"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	workspace workspace.Service
	deploy    *deploy.Service
	collab    collab.Service
	wsHandler http.Handler
	limiter   RateLimiter

	dbHealth      func(context.Context) error
	runtimeHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, workspaceSvc workspace.Service, deploySvc *deploy.Service, collabSvc collab.Service, wsHandler http.Handler, limiter RateLimiter, dbHealth, runtimeHealth func(context.Context) error) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		auth:          authSvc,
		workspace:     workspaceSvc,
		deploy:        deploySvc,
		collab:        collabSvc,
		wsHandler:     wsHandler,
		limiter:       limiter,
		dbHealth:      dbHealth,
		runtimeHealth: runtimeHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
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
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.withRateLimit("auth_signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/workspaces", r.audit("workspaces", r.handlerAuthRate("workspaces", rateLimitUserWrite, rateWindowDefault, r.handleWorkspaces)))
	r.mux.HandleFunc("/workspaces/", r.audit("workspace_subroutes", r.handlerAuthRate("workspace_subroutes", rateLimitUserWrite, rateWindowDefault, r.handleWorkspaceSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment_subroutes", r.handlerAuthRate("deployment_subroutes", rateLimitUserRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/invitations", r.audit("invitations", r.handlerAuthRate("invitations", rateLimitUserRead, rateWindowDefault, r.handleInvitations)))
	r.mux.HandleFunc("/invitations/", r.audit("invitation_subroutes", r.handlerAuthRate("invitation_subroutes", rateLimitUserWrite, rateWindowDefault, r.handleInvitationSubroutes)))
	if r.wsHandler != nil {
		r.mux.HandleFunc("/ws", r.audit("ws", r.withRateLimit("ws", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.wsHandler.ServeHTTP)))
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Username, payload.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":  userPayload(user),
		"token": token.AccessToken,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  userPayload(user),
		"token": token.AccessToken,
	})
}

func (r *Router) handleWorkspaces(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Template    string `json:"template"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.workspace.Create(req.Context(), workspace.CreateInput{
			OwnerID:     info.UserID,
			Name:        payload.Name,
			Description: payload.Description,
			Template:    payload.Template,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		workspaces, err := r.workspace.List(req.Context(), info.UserID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workspaces)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWorkspaceSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/workspaces/")
	parts := strings.Split(trimmed, "/")
	workspaceID := parts[0]
	if workspaceID == "" {
		r.notFound(w)
		return
	}
	requester := workspace.Requester{UserID: info.UserID, Email: info.Email}

	switch {
	case len(parts) == 1:
		switch req.Method {
		case http.MethodGet:
			found, err := r.workspace.Get(req.Context(), workspaceID, requester)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, found)
		case http.MethodDelete:
			if err := r.workspace.Delete(req.Context(), workspaceID, requester); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "start":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.workspace.Start(req.Context(), workspaceID, requester); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	case len(parts) == 2 && parts[1] == "stop":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.workspace.Stop(req.Context(), workspaceID, requester); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
		logs, err := r.workspace.Logs(req.Context(), workspaceID, requester, tail)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleWorkspaceDeployments(w, req, workspaceID, info)
	case parts[1] == "collaborators":
		r.handleWorkspaceCollaborators(w, req, workspaceID, parts[2:], info)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleWorkspaceDeployments(w http.ResponseWriter, req *http.Request, workspaceID string, info authInfo) {
	requester := deploy.Requester{UserID: info.UserID, Email: info.Email}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name         string            `json:"name"`
			Environment  string            `json:"environment"`
			BuildCommand string            `json:"buildCommand"`
			StartCommand string            `json:"startCommand"`
			EnvVars      map[string]string `json:"envVars"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		deployment, err := r.deploy.Start(req.Context(), deploy.StartInput{
			WorkspaceID:  workspaceID,
			Name:         payload.Name,
			Environment:  payload.Environment,
			BuildCommand: payload.BuildCommand,
			StartCommand: payload.StartCommand,
			EnvVars:      payload.EnvVars,
		}, requester)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deployment)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, err := r.deploy.List(req.Context(), workspaceID, requester, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWorkspaceCollaborators(w http.ResponseWriter, req *http.Request, workspaceID string, rest []string, info authInfo) {
	requester := collab.Requester{UserID: info.UserID, Email: info.Email}
	switch {
	case len(rest) == 0:
		switch req.Method {
		case http.MethodPost:
			var payload struct {
				Email string `json:"email"`
				Role  string `json:"role"`
			}
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			invited, err := r.collab.Invite(req.Context(), workspaceID, payload.Email, domain.Role(payload.Role), requester)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, invited)
		case http.MethodGet:
			collaborators, err := r.collab.List(req.Context(), workspaceID, requester)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, collaborators)
		default:
			r.methodNotAllowed(w)
		}
	case len(rest) == 1:
		email := rest[0]
		switch req.Method {
		case http.MethodDelete:
			if err := r.collab.Remove(req.Context(), workspaceID, email, requester); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
		case http.MethodPut:
			var payload struct {
				Role string `json:"role"`
			}
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			changed, err := r.collab.ChangeRole(req.Context(), workspaceID, email, domain.Role(payload.Role), requester)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, changed)
		default:
			r.methodNotAllowed(w)
		}
	case len(rest) == 2 && rest[1] == "revoke":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.collab.Revoke(req.Context(), workspaceID, rest[0], requester); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	requester := deploy.Requester{UserID: info.UserID, Email: info.Email}

	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.deploy.Get(req.Context(), deploymentID, requester)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		logs, err := r.deploy.Logs(req.Context(), deploymentID, requester)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	case len(parts) == 2 && parts[1] == "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.deploy.Cancel(req.Context(), deploymentID, requester); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleInvitations(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	requester := collab.Requester{UserID: info.UserID, Email: info.Email}
	pending, err := r.collab.PendingInvitations(req.Context(), requester)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (r *Router) handleInvitationSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/invitations/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	requester := collab.Requester{UserID: info.UserID, Email: info.Email}
	var answered *domain.Collaboration
	var err error
	switch parts[1] {
	case "accept":
		answered, err = r.collab.Accept(req.Context(), parts[0], requester)
	case "reject":
		answered, err = r.collab.Reject(req.Context(), parts[0], requester)
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answered)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	checks := map[string]func(context.Context) error{
		"database": r.dbHealth,
		"runtime":  r.runtimeHealth,
	}
	for name, check := range checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
		cancel()
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

func (r *Router) mustAuthInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func userPayload(user *domain.User) map[string]any {
	return map[string]any{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
	}
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
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
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
		if info, ok := authInfoFromContext(ctx); ok {
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
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

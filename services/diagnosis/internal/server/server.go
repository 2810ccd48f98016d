package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cropdoc/internal/ratelimit"
	"cropdoc/internal/util"
	"cropdoc/pkg/ai"
	"cropdoc/pkg/domain"
	"cropdoc/services/diagnosis/internal/app"
)

const (
	defaultMaxRequestBytes = 15 << 20

	msgQuotaExceeded     = "Monthly submission limit reached"
	msgUpstreamRateLimit = "AI service rate limit exceeded. Please try again later."
	msgUpstreamPayment   = "AI service payment required. Please contact support."
	msgNotConfigured     = "diagnosis service not configured"
	msgDiagnosisFailed   = "failed to diagnose crop"
	msgStatusFailed      = "failed to fetch submission status"
	msgTooManyDiagnoses  = "too many diagnosis requests"
	msgRequestTooLarge   = "request too large"
	msgInvalidJSON       = "invalid JSON body"
	msgInternal          = "internal error"
	msgAuthNotConfigured = "auth not configured"
	msgUnauthorized      = "unauthorized"
	msgDiagnosisNotFound = "diagnosis not found"
	msgForbidden         = "forbidden"
	msgInvalidLimit      = "invalid limit"
	msgMethodNotAllowed  = "method not allowed"
	msgNotFound          = "not found"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// TokenVerifier checks tokens locally. When Auth is also set it only
	// pre-filters and Auth supplies the authoritative user.
	TokenVerifier Authenticator
	Auth          Authenticator

	RedisAddr                  string
	RedisPassword              string
	DiagnoseRateLimitPerMinute int
	TrustedProxies             *util.TrustedProxies
	MaxRequestBytes            int64
}

// Server exposes HTTP endpoints for the diagnosis service.
type Server struct {
	app             *app.App
	tokenVerifier   Authenticator
	auth            Authenticator
	trustedProxies  *util.TrustedProxies
	diagnoseLimiter *ratelimit.FixedWindowLimiter
	mux             *http.ServeMux
	maxRequestBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	maxRequestBytes := cfg.MaxRequestBytes
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		auth:            cfg.Auth,
		trustedProxies:  cfg.TrustedProxies,
		mux:             http.NewServeMux(),
		maxRequestBytes: maxRequestBytes,
	}
	if cfg.DiagnoseRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "cropdoc:diagnosis:ratelimit:diagnose",
			Limit:    cfg.DiagnoseRateLimitPerMinute,
			Window:   time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("init diagnose limiter: %w", err)
		}
		s.diagnoseLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("diagnosis", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

// Close releases the rate limiter connection.
func (s *Server) Close() error {
	return s.diagnoseLimiter.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/functions/v1/diagnose-crop", s.withUser(s.handleDiagnoseCrop))
	s.mux.Handle("/functions/v1/get-submission-status", s.withUser(s.handleSubmissionStatus))

	// history
	s.mux.Handle("/api/diagnoses", s.withUser(s.handleListDiagnoses))
	s.mux.Handle("/api/diagnoses/", s.withUser(s.handleDiagnosisByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil && s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, msgAuthNotConfigured)
			return
		}
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		r = r.WithContext(util.WithLogAttrs(r.Context(), "user_id", user.ID))
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "diagnosis.token.verify", "fail", "reason", "missing_token")
		return domain.User{}, false
	}
	var user domain.User
	if s.tokenVerifier != nil {
		verified, err := s.tokenVerifier.Authenticate(r.Context(), token)
		if err != nil {
			s.audit(r, "diagnosis.token.verify", "fail", "reason", "invalid_signature_or_claims")
			return domain.User{}, false
		}
		user = verified
	}
	if s.auth != nil {
		remote, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.audit(r, "diagnosis.token.verify", "fail", "reason", "auth_user_failed")
			return domain.User{}, false
		}
		if user.ID != "" && remote.ID != user.ID {
			s.audit(r, "diagnosis.token.verify", "fail", "reason", "subject_mismatch")
			return domain.User{}, false
		}
		user = remote
	}
	if strings.TrimSpace(user.ID) == "" {
		s.audit(r, "diagnosis.token.verify", "fail", "reason", "missing_subject")
		return domain.User{}, false
	}
	s.audit(r, "diagnosis.token.verify", "success", "user_id", user.ID)
	return user, true
}

func (s *Server) handleDiagnoseCrop(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, user.ID, msgTooManyDiagnoses) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	var req domain.DiagnosisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgRequestTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	res, err := s.app.Diagnose(r.Context(), user, req)
	if err != nil {
		writeDiagnoseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diagnoseResponse{
		Success:     true,
		Diagnosis:   res.Diagnosis,
		DiagnosisID: res.DiagnosisID,
		Remaining:   res.Remaining,
	})
}

func (s *Server) handleSubmissionStatus(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
	default:
		methodNotAllowed(w)
		return
	}
	status, err := s.app.SubmissionStatus(r.Context(), user)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("submission_status_failed", "err", err)
		writeError(w, http.StatusInternalServerError, msgStatusFailed)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListDiagnoses(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, msgInvalidLimit)
			return
		}
		limit = n
	}
	items, err := s.app.ListDiagnoses(r.Context(), user, limit)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list_diagnoses_failed", "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// /api/diagnoses/{id}
func (s *Server) handleDiagnosisByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/diagnoses/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, msgNotFound)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, err := s.app.GetDiagnosis(r.Context(), user, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, app.ErrDiagnosisNotFound):
		notFound(w, msgDiagnosisNotFound)
	case errors.Is(err, app.ErrDiagnosisForbidden):
		s.audit(r, "diagnosis.read", "fail", "user_id", user.ID, "diagnosis_id", id, "reason", "forbidden")
		writeError(w, http.StatusForbidden, msgForbidden)
	default:
		util.LoggerFromContext(r.Context()).Error("get_diagnosis_failed", "diagnosis_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

type diagnoseResponse struct {
	Success     bool                   `json:"success"`
	Diagnosis   domain.DiagnosisResult `json:"diagnosis"`
	DiagnosisID string                 `json:"diagnosisId"`
	Remaining   int                    `json:"remaining"`
}

type quotaExceededResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Remaining int    `json:"remaining"`
	RequestID string `json:"requestId,omitempty"`
}

func writeDiagnoseError(w http.ResponseWriter, r *http.Request, err error) {
	logger := util.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, userMessage(err))
	case errors.Is(err, app.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, quotaExceededResponse{
			Error:     msgQuotaExceeded,
			Code:      "DIAGNOSIS_QUOTA_EXCEEDED",
			Remaining: 0,
			RequestID: requestID(w),
		})
	case errors.Is(err, ai.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, msgUpstreamRateLimit)
	case errors.Is(err, ai.ErrPaymentRequired):
		logger.Error("diagnose_upstream_payment_required", "err", err)
		writeError(w, http.StatusPaymentRequired, msgUpstreamPayment)
	case errors.Is(err, app.ErrInferenceNotConfigured):
		logger.Error("diagnose_not_configured", "err", err)
		writeError(w, http.StatusInternalServerError, msgNotConfigured)
	default:
		logger.Error("diagnose_failed", "err", err)
		writeError(w, http.StatusInternalServerError, msgDiagnosisFailed)
	}
}

// userMessage strips the sentinel prefix from a validation error.
func userMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), app.ErrInvalidRequest.Error()+": ")
	if msg == "" {
		return app.ErrInvalidRequest.Error()
	}
	return msg
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForDiagnosis(status, msg),
		RequestID: requestID(w),
	})
}

func requestID(w http.ResponseWriter) string {
	return strings.TrimSpace(w.Header().Get(util.RequestIDHeader))
}

func errorCodeForDiagnosis(status int, msg string) string {
	switch msg {
	case msgUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case msgAuthNotConfigured, msgNotConfigured:
		return "SYSTEM_NOT_CONFIGURED"
	case msgUpstreamRateLimit:
		return "AI_RATE_LIMITED"
	case msgUpstreamPayment:
		return "AI_PAYMENT_REQUIRED"
	case msgTooManyDiagnoses:
		return "DIAGNOSIS_RATE_LIMITED"
	case msgRequestTooLarge:
		return "DIAGNOSIS_REQUEST_TOO_LARGE"
	case msgDiagnosisNotFound:
		return "DIAGNOSIS_NOT_FOUND"
	case msgForbidden:
		return "DIAGNOSIS_FORBIDDEN"
	case msgMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case msgNotFound:
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "DIAGNOSIS_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "SYSTEM_REQUEST_FAILED"
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies the per-user throttle. Limiter errors deny the request.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, key, msg string) bool {
	if s.diagnoseLimiter == nil {
		return true
	}
	decision, err := s.diagnoseLimiter.Allow(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate_limiter_unavailable", "err", err)
	}
	if decision.Allowed {
		return true
	}
	s.audit(r, "diagnosis.throttle", "fail", "user_id", key, "count", decision.Count)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fotocall/internal/ratelimit"
	"fotocall/internal/util"
	"fotocall/pkg/ai"
	"fotocall/pkg/domain"
	"fotocall/services/leads/internal/app"
	"fotocall/services/leads/internal/security"
	"fotocall/services/leads/internal/session"
)

const signInPath = "/api/auth/signin"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Redis enables sign-in and sign-up rate limiting and security alerts when set.
	Redis                    *redis.Client
	SignupRateLimitPerMinute int
	SigninRateLimitPerMinute int

	MaxUploadBytes      int64
	MaxImagesPerRequest int
	TrustedProxies      *util.TrustedProxies
	CORSAllowedOrigins  []string
}

// Server exposes the lead API over HTTP.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	maxImages      int
	trusted        *util.TrustedProxies
	corsOrigins    []string
	signupLimiter  *ratelimit.FixedWindowLimiter
	signinLimiter  *ratelimit.FixedWindowLimiter
	alerter        *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		maxImages:      cfg.MaxImagesPerRequest,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
	}
	if s.maxImages <= 0 {
		s.maxImages = 10
	}
	if cfg.Redis != nil {
		signupLimit := cfg.SignupRateLimitPerMinute
		if signupLimit <= 0 {
			signupLimit = 5
		}
		signinLimit := cfg.SigninRateLimitPerMinute
		if signinLimit <= 0 {
			signinLimit = 10
		}
		var err error
		s.signupLimiter, err = ratelimit.NewFixedWindowLimiter(cfg.Redis, "fotocall:leads:ratelimit:signup", signupLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init signup limiter: %w", err)
		}
		s.signinLimiter, err = ratelimit.NewFixedWindowLimiter(cfg.Redis, "fotocall:leads:ratelimit:signin", signinLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init signin limiter: %w", err)
		}
		s.alerter, err = security.NewAuditAlerter(cfg.Redis, "fotocall:leads:alerts")
		if err != nil {
			return nil, fmt.Errorf("init audit alerter: %w", err)
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(
		util.WithCORS(s.corsOrigins)(
			util.WithRequestID(
				util.WithRequestLog(s.trusted, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc(signInPath, s.handleSignin)
	s.mux.HandleFunc("/api/auth/signout", s.handleSignout)
	s.mux.HandleFunc("/api/auth/session", s.handleSession)

	s.mux.HandleFunc("/api/statuses", s.handleStatuses)

	// contacts (auth required in remote mode)
	s.mux.Handle("/api/extractions", s.authenticated(s.handleExtractions))
	s.mux.Handle("/api/contacts", s.authenticated(s.handleContacts))
	s.mux.Handle("/api/contacts/", s.authenticated(s.handleContactByID))
	s.mux.Handle("/api/stats", s.authenticated(s.handleStats))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.app.AuthEnabled() {
			next(w, r, domain.LocalUser)
			return
		}
		token, _ := bearerToken(r)
		sess, err := s.app.Restore(r.Context(), token)
		if err != nil {
			s.audit(r, "leads.authorize", "error", "err", err.Error())
			writeError(w, http.StatusInternalServerError, "could not verify session")
			return
		}
		user, err := sess.Identity()
		if err != nil {
			s.audit(r, "leads.authorize", "fail")
			writeUnauthenticated(w)
			return
		}
		s.audit(r, "leads.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "leads.signup", "rate_limited")
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "leads.signup", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "leads.signup", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "leads.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signinLimiter, "too many sign-in attempts") {
		s.audit(r, "leads.signin", "rate_limited")
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "leads.signin", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "leads.signin", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "leads.signin", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.app.AuthEnabled() {
		writeError(w, http.StatusBadRequest, app.ErrAuthDisabled.Error())
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sess, err := s.app.Restore(r.Context(), token)
	if err == nil {
		err = s.app.SignOut(r.Context(), sess)
	}
	if err != nil {
		s.audit(r, "leads.signout", "error", "err", err.Error())
		writeError(w, http.StatusInternalServerError, "sign-out failed")
		return
	}
	s.audit(r, "leads.signout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.app.AuthEnabled() {
		writeJSON(w, http.StatusOK, sessionResponse{State: session.StateAuthenticated, Mode: "local", User: &domain.LocalUser})
		return
	}
	token, _ := bearerToken(r)
	sess, err := s.app.Restore(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not verify session")
		return
	}
	resp := sessionResponse{State: sess.State(), Mode: "remote"}
	if user, err := sess.Identity(); err == nil {
		resp.User = &user
		exp := sess.ExpiresAt().UTC()
		resp.ExpiresAt = &exp
	} else {
		resp.SignIn = signInPath
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusColors are the display colours of each call status.
var statusColors = map[domain.CallStatus]string{
	domain.StatusPending:       "#94a3b8",
	domain.StatusCalled:        "#3b82f6",
	domain.StatusNoAnswer:      "#f59e0b",
	domain.StatusInterested:    "#10b981",
	domain.StatusNotInterested: "#ef4444",
	domain.StatusClosed:        "#8b5cf6",
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items := make([]statusInfo, 0, len(domain.CallStatuses))
	for _, st := range domain.CallStatuses {
		items = append(items, statusInfo{Value: st, Label: st.Label(), Color: statusColors[st]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// /api/extractions
func (s *Server) handleExtractions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	images, err := s.readImages(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.app.SubmitImages(r.Context(), user, images)
	if err != nil {
		writeAppError(w, err)
		return
	}
	created := 0
	status := http.StatusOK
	failedAll := true
	persistFailed := false
	for _, res := range results {
		created += len(res.Contacts)
		if res.Outcome != app.OutcomeFailed {
			failedAll = false
		}
		if errors.Is(res.Err, app.ErrPersistenceFailed) {
			persistFailed = true
		}
	}
	if failedAll {
		status = http.StatusBadGateway
		if persistFailed {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]any{
		"results": results,
		"created": created,
	})
}

func (s *Server) readImages(r *http.Request) ([]app.NamedImage, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var images []app.NamedImage
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, errors.New("invalid form data")
		}
		files := r.MultipartForm.File["images"]
		if len(files) > s.maxImages {
			return nil, fmt.Errorf("at most %d images per request", s.maxImages)
		}
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
			}
			if len(data) == 0 {
				return nil, fmt.Errorf("%s is empty", fh.Filename)
			}
			images = append(images, app.NamedImage{
				Name:  fh.Filename,
				Image: ai.Image{MediaType: ai.NormalizeMediaType(fh.Header.Get("Content-Type"), data), Data: data},
			})
		}
	case "application/json":
		var req extractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, errors.New("invalid JSON body")
		}
		if len(req.Images) > s.maxImages {
			return nil, fmt.Errorf("at most %d images per request", s.maxImages)
		}
		for i, raw := range req.Images {
			img, err := ai.ParseDataURL(raw)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", i, err)
			}
			images = append(images, app.NamedImage{Name: "image-" + strconv.Itoa(i+1), Image: img})
		}
	default:
		return nil, errors.New("expected multipart/form-data (field: images) or application/json")
	}
	if len(images) == 0 {
		return nil, app.ErrNoImages
	}
	return images, nil
}

// /api/contacts
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	field, order, err := app.ParseSort(q.Get("sort"), q.Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))
	contacts, err := s.app.ListContacts(r.Context(), user, app.Query{
		Search:  q.Get("q"),
		Sort:    field,
		Order:   order,
		Refresh: refresh,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": contacts,
		"count": len(contacts),
	})
}

// /api/contacts/{id} or /api/contacts/{id}/status
func (s *Server) handleContactByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/contacts/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "status" {
			http.NotFound(w, r)
			return
		}
		s.handleContactStatus(w, r, user, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		contact, err := s.app.GetContact(r.Context(), user, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contact)
	case http.MethodPatch:
		var edit domain.ContactEdit
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&edit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		contact, err := s.app.SaveEdit(r.Context(), user, id, edit)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contact)
	case http.MethodDelete:
		confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
		if err := s.app.DeleteContact(r.Context(), user, id, confirmed); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleContactStatus(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	contact, err := s.app.ChangeStatus(r.Context(), user, id, domain.CallStatus(req.Status))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

// /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats(r.Context(), user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type sessionResponse struct {
	State     session.State `json:"state"`
	Mode      string        `json:"mode"`
	User      *domain.User  `json:"user,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
	SignIn    string        `json:"signIn,omitempty"`
}

type statusInfo struct {
	Value domain.CallStatus `json:"value"`
	Label string            `json:"label"`
	Color string            `json:"color"`
}

type extractionRequest struct {
	Images []string `json:"images"`
}

type statusRequest struct {
	Status string `json:"status"`
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

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeUnauthenticated(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":  "unauthorized",
		"signIn": signInPath,
	})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 32 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	if s.alerter == nil {
		return
	}
	alert, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert check failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", alert.Count,
			"threshold", alert.Threshold,
			"window", alert.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	decision, err := limiter.Allow(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate limit check failed", "err", err)
	}
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrAuthDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrEmailAndPasswordRequired), errors.Is(err, app.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrContactNotFound):
		writeError(w, http.StatusNotFound, "contact not found")
	case errors.Is(err, app.ErrDeleteNotConfirmed):
		writeError(w, http.StatusPreconditionRequired, "delete requires confirm=true")
	case errors.Is(err, app.ErrInvalidStatus),
		errors.Is(err, app.ErrPhoneRequired),
		errors.Is(err, app.ErrNoImages):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrExtractionFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, app.ErrPersistenceFailed):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

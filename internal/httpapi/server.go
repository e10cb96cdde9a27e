// Package httpapi serves the journal over HTTP: health and publish-loop
// status, a read-only view of monthly documents, a webhook that feeds the
// ingestion queue, and a websocket feed of published entries.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayjournal/internal/docstore"
	"github.com/agentworkforce/relayjournal/internal/journal"
	"github.com/agentworkforce/relayjournal/internal/relayjournal"
	"github.com/agentworkforce/relayjournal/internal/transport"
)

// TransportName is the SourceRef transport of webhook messages. They need no
// acknowledgment; the 202 response is the receipt.
const TransportName = "http"

const defaultMaxBodyBytes = 64 << 10

type ServerConfig struct {
	JWTSecret string
	// AllowedSenders restricts which token subjects may post messages.
	// Empty allows any authenticated subject.
	AllowedSenders     []string
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
}

type Server struct {
	publisher *relayjournal.Publisher
	store     docstore.Store
	cfg       ServerConfig
	senders   relayjournal.Whitelist
	limiter   *rateLimiter
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

type messageRequest struct {
	Text      string `json:"text" validate:"required,max=4096"`
	Timestamp string `json:"timestamp,omitempty"`
}

type messageResponse struct {
	ID     string                 `json:"id"`
	Source relayjournal.SourceRef `json:"source"`
}

type documentResponse struct {
	Path     string `json:"path"`
	Version  string `json:"version"`
	Markdown string `json:"markdown"`
}

func NewServer(publisher *relayjournal.Publisher, store docstore.Store, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if publisher == nil || store == nil {
		return nil, fmt.Errorf("%w: http server needs a publisher and a store", relayjournal.ErrInvalidInput)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("%w: http server needs a jwt secret", relayjournal.ErrInvalidInput)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(math.Max(1, math.Ceil(cfg.RateLimitPerSecond)))
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = &rateLimiter{
			limit:    rate.Limit(cfg.RateLimitPerSecond),
			burst:    cfg.RateLimitBurst,
			limiters: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		publisher: publisher,
		store:     store,
		cfg:       cfg,
		senders:   relayjournal.NewWhitelist(cfg.AllowedSenders),
		limiter:   limiter,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.route(rec, r, requestID)
	s.logger.Info("http request",
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, requestID string) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		// Browsers cannot set headers on a websocket handshake.
		token := r.URL.Query().Get("access_token")
		if token == "" {
			token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if _, authErr := authorizeToken(token, s.cfg.JWTSecret, scopeRead, s.now()); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, requestID)
			return
		}
		s.handleEvents(w, r, requestID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", requestID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "status"
	case len(parts) == 2 && parts[1] == "journal" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "list"
	case len(parts) == 4 && parts[1] == "journal" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "document"
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "submit"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", requestID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, requestID)
		return
	}
	if s.limiter != nil && !s.limiter.allow(claims.Subject) {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", requestID)
		return
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.publisher.Stats())
	case "list":
		s.handleList(w, r, requestID)
	case "document":
		s.handleDocument(w, r, parts[2], parts[3], requestID)
	case "submit":
		s.handleSubmit(w, r, claims, requestID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, requestID string) {
	lister, ok := s.store.(docstore.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_implemented", "document store cannot list documents", requestID)
		return
	}
	paths, err := lister.List(r.Context())
	if err != nil {
		s.logger.Warn("list journal documents failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to list documents", requestID)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": paths})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, year, month, requestID string) {
	path, ok := documentPath(year, month)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "expected /v1/journal/YYYY/MM", requestID)
		return
	}
	doc, found, err := s.store.Read(r.Context(), path)
	if err != nil {
		s.logger.Warn("read journal document failed", "request_id", requestID, "path", path, "error", err)
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to read document", requestID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no journal for "+year+"-"+month, requestID)
		return
	}
	markdown, err := journal.DecodeContent(doc.Content, doc.Encoding)
	if err != nil {
		s.logger.Error("journal document is corrupt", "request_id", requestID, "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "corrupt_document", "stored document cannot be decoded", requestID)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{Path: path, Version: doc.Version, Markdown: markdown})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, claims *tokenClaims, requestID string) {
	if !s.senders.Allows(claims.Subject) {
		writeError(w, http.StatusForbidden, "sender_not_allowed", "sender is not in the whitelist", requestID)
		return
	}
	var req messageRequest
	if !s.decodeJSONBody(w, r, requestID, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err), requestID)
		return
	}
	var timestamp time.Time
	if strings.TrimSpace(req.Timestamp) != "" {
		parsed, err := transport.ParseTimestamp(req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "timestamp must be RFC3339 or unix seconds", requestID)
			return
		}
		timestamp = parsed
	}

	source := relayjournal.SourceRef{Transport: TransportName, Chat: claims.Subject, Message: requestID}
	msg := relayjournal.NewPendingMessage(source, claims.Subject, req.Text, timestamp)
	if err := relayjournal.Submit(r.Context(), s.publisher.Queue(), msg); err != nil {
		if errors.Is(err, relayjournal.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), requestID)
			return
		}
		s.logger.Warn("webhook message not queued", "request_id", requestID, "sender", claims.Subject, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "ingestion queue is full", requestID)
		return
	}
	s.logger.Info("webhook message queued", "request_id", requestID, "message_id", msg.ID, "sender", claims.Subject)
	writeJSON(w, http.StatusAccepted, messageResponse{ID: msg.ID, Source: source})
}

func documentPath(year, month string) (string, bool) {
	if len(year) != 4 || len(month) != 2 {
		return "", false
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1 {
		return "", false
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return "", false
	}
	return journal.DocumentPath(time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC)), true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	field := strings.ToLower(verrs[0].Field())
	switch verrs[0].Tag() {
	case "required":
		return field + " is required"
	case "max":
		return field + " exceeds " + verrs[0].Param() + " characters"
	default:
		return field + " is invalid"
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, requestID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", requestID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, requestID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, requestID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", requestID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func (r *rateLimiter) retryAfterSeconds() int {
	return int(math.Max(1, math.Ceil(1/float64(r.limit))))
}

// statusRecorder keeps the response status for request logs. It passes
// Hijack through so the websocket handshake still works.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

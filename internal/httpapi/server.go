package httpapi

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          store.Logger
}

// Server exposes the document store over HTTP: conditional reads and
// writes on the canvas document, presence writes, and websocket streams
// for both. It is the transport half of the remotestore client.
type Server struct {
	store       store.DocumentStore
	cfg         ServerConfig
	logger      store.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(docStore store.DocumentStore) *Server {
	return NewServerWithConfig(docStore, ServerConfig{})
}

func NewServerWithConfig(docStore store.DocumentStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       docStore,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		vmetrics.WritePrometheus(w, true)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "canvases" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	canvasID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "get_canvas"
	case len(parts) == 3 && r.Method == http.MethodPut:
		requiredScope = "canvas:write"
		route = "put_canvas"
	case len(parts) == 4 && parts[3] == "watch" && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "watch_canvas"
	case len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodPut:
		requiredScope = "canvas:write"
		route = "put_presence"
	case len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodDelete:
		requiredScope = "canvas:write"
		route = "delete_presence"
	case len(parts) == 5 && parts[3] == "presence" && parts[4] == "watch" && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "watch_presence"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "get_canvas":
		s.handleGetCanvas(w, r, canvasID, claims, correlationID)
	case "put_canvas":
		s.handlePutCanvas(w, r, canvasID, claims, correlationID)
	case "watch_canvas":
		s.handleWatchCanvas(w, r, canvasID, claims, correlationID)
	case "put_presence":
		s.handlePutPresence(w, r, canvasID, claims, correlationID)
	case "delete_presence":
		s.handleDeletePresence(w, r, canvasID, claims, correlationID)
	case "watch_presence":
		s.handleWatchPresence(w, r, canvasID, claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// bearerHeader extracts credentials from the Authorization header, falling
// back to the access_token query parameter for websocket dials that cannot
// set headers.
func bearerHeader(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func (s *Server) handleGetCanvas(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	state, found, err := s.store.Get(r.Context(), canvasID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !canvas.HasAccess(state, claims.UserID) {
		writeError(w, http.StatusForbidden, "permission_denied", "no access to canvas", correlationID)
		return
	}
	w.Header().Set("ETag", versionETag(state.Version))
	if !found {
		// Absent documents read as the empty default, never as 404.
		writeJSON(w, http.StatusOK, state)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePutCanvas(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	submitted, err := store.DecodeState(canvasID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	expected, expErr := parseIfMatch(r.Header.Get("If-Match"))
	if expErr != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid If-Match header", correlationID)
		return
	}

	committed, err := s.store.Transact(r.Context(), canvasID, func(current canvas.State) (canvas.State, error) {
		if err := authorizeDocumentWrite(current, submitted, claims.UserID); err != nil {
			return canvas.State{}, err
		}
		if expected >= 0 && current.Version != expected {
			return canvas.State{}, &store.VersionConflictError{
				CanvasID:        canvasID,
				ExpectedVersion: expected,
				CurrentVersion:  current.Version,
			}
		}
		if submitted.StrokeCount() > canvas.MaxStrokes {
			return canvas.State{}, &canvas.CanvasFullError{CanvasID: canvasID, Count: submitted.StrokeCount()}
		}
		return submitted, nil
	})
	if err != nil {
		var conflict *store.VersionConflictError
		switch {
		case errors.As(err, &conflict):
			w.Header().Set("ETag", versionETag(conflict.CurrentVersion))
			writeError(w, http.StatusConflict, "version_conflict", err.Error(), correlationID)
		case errors.Is(err, canvas.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, "permission_denied", err.Error(), correlationID)
		case errors.Is(err, canvas.ErrCanvasFull):
			writeError(w, http.StatusUnprocessableEntity, "canvas_full", err.Error(), correlationID)
		default:
			writeStoreError(w, err, correlationID)
		}
		return
	}
	w.Header().Set("ETag", versionETag(committed.Version))
	writeJSON(w, http.StatusOK, committed)
}

// authorizeDocumentWrite gates a whole-document write. Stroke content needs
// edit rights; a change to ownership, membership or privacy needs the
// owner. Bootstrap of an unowned canvas is open.
func authorizeDocumentWrite(current, submitted canvas.State, userID string) error {
	if !canvas.CanEdit(current, userID) {
		return canvas.ErrPermissionDenied
	}
	if current.OwnerID != submitted.OwnerID ||
		current.IsPrivate != submitted.IsPrivate ||
		!sameMembers(current.TeamMembers, submitted.TeamMembers) {
		if !canvas.IsOwner(current, userID) {
			return canvas.ErrPermissionDenied
		}
	}
	return nil
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, member := range a {
		seen[member]++
	}
	for _, member := range b {
		seen[member]--
		if seen[member] < 0 {
			return false
		}
	}
	return true
}

func (s *Server) handleWatchCanvas(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	state, _, err := s.store.Get(r.Context(), canvasID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !canvas.HasAccess(state, claims.UserID) {
		writeError(w, http.StatusForbidden, "permission_denied", "no access to canvas", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket accept failed for canvas %s: %v", canvasID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	updates := make(chan canvas.State, 16)
	cancel, err := s.store.Subscribe(ctx, canvasID, func(next canvas.State) {
		select {
		case updates <- next:
		default:
			// Slow consumer; it will catch up from a later snapshot.
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	// Initial snapshot so the client renders without waiting for a change.
	if err := wsjson.Write(ctx, conn, state); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case next := <-updates:
			if err := wsjson.Write(ctx, conn, next); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePutPresence(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	var entry canvas.PresenceEntry
	if !s.decodeJSONBody(w, r, correlationID, &entry) {
		return
	}
	// The token, not the body, decides who this cursor belongs to.
	entry.UserID = claims.UserID
	if entry.DisplayName == "" {
		entry.DisplayName = claims.DisplayName
	}
	if entry.LastSeen.IsZero() {
		entry.LastSeen = time.Now().UTC()
	}
	if err := s.store.WritePresence(r.Context(), canvasID, entry); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDeletePresence(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	if err := s.store.RemovePresence(r.Context(), canvasID, claims.UserID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleWatchPresence(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	state, _, err := s.store.Get(r.Context(), canvasID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if !canvas.HasAccess(state, claims.UserID) {
		writeError(w, http.StatusForbidden, "permission_denied", "no access to canvas", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket accept failed for canvas %s presence: %v", canvasID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	updates := make(chan []canvas.PresenceEntry, 16)
	cancel, err := s.store.SubscribePresence(ctx, canvasID, func(entries []canvas.PresenceEntry) {
		select {
		case updates <- entries:
		default:
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entries := <-updates:
			if err := wsjson.Write(ctx, conn, entries); err != nil {
				return
			}
		}
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func versionETag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// parseIfMatch returns the expected version, or -1 when the header is
// absent (unconditional write).
func parseIfMatch(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return -1, nil
	}
	value = strings.Trim(value, `"`)
	return strconv.ParseInt(value, 10, 64)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	limited := io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := jsonUnmarshalStrict(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

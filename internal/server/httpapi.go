package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
)

type APIConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          Logger
}

// API serves the REST and realtime surface over a Store.
type API struct {
	store       *Store
	cfg         APIConfig
	rateLimiter *rateLimiter
}

func NewAPI(store *Store, cfg APIConfig) *API {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &API{store: store, cfg: cfg, rateLimiter: limiter}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/realtime" && r.Method == http.MethodGet {
		a.handleRealtime(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes)
	correlationID := r.Header.Get("X-Correlation-Id")

	switch {
	case r.URL.Path == "/v1/auth/signup" && r.Method == http.MethodPost:
		a.handleSignUp(w, r, correlationID)
	case r.URL.Path == "/v1/auth/signin" && r.Method == http.MethodPost:
		a.handleSignIn(w, r, correlationID)
	case r.URL.Path == "/v1/auth/refresh" && r.Method == http.MethodPost:
		a.handleRefresh(w, r, correlationID)
	default:
		a.serveAuthenticated(w, r, correlationID)
	}
}

func (a *API) serveAuthenticated(w http.ResponseWriter, r *http.Request, correlationID string) {
	user, authErr := a.store.Authenticate(r.Header.Get("Authorization"))
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if a.rateLimiter != nil && !a.rateLimiter.allow(user.ID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(a.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/v1/auth/signout" && r.Method == http.MethodPost:
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		a.store.SignOut(raw)
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
	case path == "/v1/auth/session" && r.Method == http.MethodGet:
		session, authErr := a.store.SessionFor(r.Header.Get("Authorization"))
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case path == "/v1/auth/user" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, user)

	case path == "/v1/links" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, a.store.ListLinks(user.ID))
	case path == "/v1/links" && r.Method == http.MethodPost:
		var link backend.Link
		if !a.decodeJSON(w, r, correlationID, &link) {
			return
		}
		created, err := a.store.InsertLink(user.ID, link)
		if err != nil {
			a.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case strings.HasPrefix(path, "/v1/links/") && r.Method == http.MethodPatch:
		var link backend.Link
		if !a.decodeJSON(w, r, correlationID, &link) {
			return
		}
		link.ID = strings.TrimPrefix(path, "/v1/links/")
		updated, err := a.store.UpdateLink(user.ID, link)
		if err != nil {
			a.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case strings.HasPrefix(path, "/v1/links/") && r.Method == http.MethodDelete:
		if err := a.store.DeleteLink(user.ID, strings.TrimPrefix(path, "/v1/links/")); err != nil {
			a.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case path == "/v1/folders" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, a.store.ListFolders(user.ID))
	case path == "/v1/folders" && r.Method == http.MethodPost:
		var folder backend.Folder
		if !a.decodeJSON(w, r, correlationID, &folder) {
			return
		}
		created, err := a.store.InsertFolder(user.ID, folder)
		if err != nil {
			a.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case strings.HasPrefix(path, "/v1/folders/") && r.Method == http.MethodPatch:
		var folder backend.Folder
		if !a.decodeJSON(w, r, correlationID, &folder) {
			return
		}
		folder.ID = strings.TrimPrefix(path, "/v1/folders/")
		updated, err := a.store.UpdateFolder(user.ID, folder)
		if err != nil {
			a.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case strings.HasPrefix(path, "/v1/folders/") && r.Method == http.MethodDelete:
		if err := a.store.DeleteFolder(user.ID, strings.TrimPrefix(path, "/v1/folders/")); err != nil {
			a.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case path == "/v1/settings" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, a.store.GetSettings(user.ID))
	case path == "/v1/settings" && r.Method == http.MethodPut:
		var settings backend.Settings
		if !a.decodeJSON(w, r, correlationID, &settings) {
			return
		}
		writeJSON(w, http.StatusOK, a.store.UpdateSettings(user.ID, settings))

	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !a.decodeJSON(w, r, correlationID, &body) {
		return
	}
	session, err := a.store.SignUp(body.Email, body.Password)
	if err != nil {
		a.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !a.decodeJSON(w, r, correlationID, &body) {
		return
	}
	session, err := a.store.SignIn(body.Email, body.Password)
	if err != nil {
		a.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !a.decodeJSON(w, r, correlationID, &body) {
		return
	}
	session, err := a.store.Refresh(body.RefreshToken)
	if err != nil {
		a.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleRealtime upgrades to a websocket and pushes change events for one
// table, filtered to the connecting user's rows. The token rides in the
// query string because browser websocket clients cannot set headers.
func (a *API) handleRealtime(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	token := r.URL.Query().Get("token")
	user, authErr := a.store.Authenticate("Bearer " + token)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, "")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logf("server: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	events, cancel := a.store.SubscribeChanges(table)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if event.UserID != "" && event.UserID != user.ID {
				continue
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read request body", correlationID)
		return false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty request body", correlationID)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json: "+err.Error(), correlationID)
		return false
	}
	return true
}

func (a *API) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

func (a *API) logf(format string, args ...any) {
	if a.cfg.Logger != nil {
		a.cfg.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]string{"code": code, "message": message}
	if correlationID != "" {
		payload["correlationId"] = correlationID
	}
	_ = json.NewEncoder(w).Encode(payload)
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

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

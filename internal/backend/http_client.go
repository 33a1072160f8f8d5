package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the HTTP implementation of DataAPI and AuthAPI. It keeps the
// current token pair so the session layer can install recovered credentials
// with SetSession before issuing a validation round trip.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string

	cbMu      sync.Mutex
	callbacks map[int]func(event AuthEvent, session *Session)
	nextCB    int
	emittedInitial bool
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		callbacks:  map[int]func(AuthEvent, *Session){},
	}
}

// SetSession installs a token pair without a network call. Used by the
// session recovery strategies when a stored pair is extracted from local
// storage.
func (c *Client) SetSession(accessToken, refreshToken string) {
	c.mu.Lock()
	c.accessToken = strings.TrimSpace(accessToken)
	c.refreshToken = strings.TrimSpace(refreshToken)
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// AccessToken exposes the current token for authenticated side channels,
// such as the realtime feed dialer.
func (c *Client) AccessToken() string {
	return c.token()
}

// BaseURL reports the configured endpoint, primarily for wiring the realtime
// dialer against the same host.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ListLinks(ctx context.Context) ([]Link, error) {
	var out []Link
	if err := c.doJSON(ctx, http.MethodGet, "/v1/links", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InsertLink(ctx context.Context, link Link) (Link, error) {
	var out Link
	err := c.doJSON(ctx, http.MethodPost, "/v1/links", link, &out)
	return out, err
}

func (c *Client) UpdateLink(ctx context.Context, link Link) (Link, error) {
	if strings.TrimSpace(link.ID) == "" {
		return Link{}, ErrInvalidInput
	}
	var out Link
	err := c.doJSON(ctx, http.MethodPatch, "/v1/links/"+url.PathEscape(link.ID), link, &out)
	return out, err
}

func (c *Client) DeleteLink(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/links/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	var out []Folder
	if err := c.doJSON(ctx, http.MethodGet, "/v1/folders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InsertFolder(ctx context.Context, folder Folder) (Folder, error) {
	var out Folder
	err := c.doJSON(ctx, http.MethodPost, "/v1/folders", folder, &out)
	return out, err
}

func (c *Client) UpdateFolder(ctx context.Context, folder Folder) (Folder, error) {
	if strings.TrimSpace(folder.ID) == "" {
		return Folder{}, ErrInvalidInput
	}
	var out Folder
	err := c.doJSON(ctx, http.MethodPatch, "/v1/folders/"+url.PathEscape(folder.ID), folder, &out)
	return out, err
}

func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/folders/"+url.PathEscape(id), nil, nil)
}

func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	var out Settings
	err := c.doJSON(ctx, http.MethodGet, "/v1/settings", nil, &out)
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, settings Settings) (Settings, error) {
	var out Settings
	err := c.doJSON(ctx, http.MethodPut, "/v1/settings", settings, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	if c.token() == "" {
		return nil, nil
	}
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/auth/session", nil, &out); err != nil {
		return nil, err
	}
	c.installSession(&out)
	c.emitInitialOnce(&out)
	return &out, nil
}

func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var out User
	if err := c.doJSON(ctx, http.MethodGet, "/v1/auth/user", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/signin", body, &out); err != nil {
		return nil, err
	}
	c.installSession(&out)
	c.emit(AuthEventSignedIn, &out)
	return &out, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/signup", body, &out); err != nil {
		return nil, err
	}
	c.installSession(&out)
	c.emit(AuthEventSignedIn, &out)
	return &out, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/v1/auth/signout", nil, nil)
	c.SetSession("", "")
	c.emit(AuthEventSignedOut, nil)
	return err
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		c.mu.Lock()
		refreshToken = c.refreshToken
		c.mu.Unlock()
	}
	if refreshToken == "" {
		return nil, ErrUnauthorized
	}
	body := map[string]string{"refreshToken": refreshToken}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/refresh", body, &out); err != nil {
		return nil, err
	}
	c.installSession(&out)
	c.emit(AuthEventTokenRefreshed, &out)
	return &out, nil
}

func (c *Client) OnAuthStateChange(callback func(event AuthEvent, session *Session)) func() {
	c.cbMu.Lock()
	id := c.nextCB
	c.nextCB++
	c.callbacks[id] = callback
	c.cbMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.cbMu.Lock()
			delete(c.callbacks, id)
			c.cbMu.Unlock()
		})
	}
}

// installSession adopts a freshly minted token pair. Session probes return
// only the access token, so an empty incoming refresh token keeps the one
// already held instead of wiping a credential that is still valid.
func (c *Client) installSession(session *Session) {
	if session == nil {
		return
	}
	c.mu.Lock()
	c.accessToken = strings.TrimSpace(session.AccessToken)
	if refresh := strings.TrimSpace(session.RefreshToken); refresh != "" {
		c.refreshToken = refresh
	}
	c.mu.Unlock()
}

func (c *Client) emitInitialOnce(session *Session) {
	c.cbMu.Lock()
	already := c.emittedInitial
	c.emittedInitial = true
	c.cbMu.Unlock()
	if !already {
		c.emit(AuthEventInitialSession, session)
	}
}

func (c *Client) emit(event AuthEvent, session *Session) {
	c.cbMu.Lock()
	handlers := make([]func(AuthEvent, *Session), 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		handlers = append(handlers, cb)
	}
	c.cbMu.Unlock()
	for _, cb := range handlers {
		cb(event, session)
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return fmt.Sprintf("lv_%d", time.Now().UnixNano())
}

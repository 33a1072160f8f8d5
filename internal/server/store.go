// Package server is the reference backend: accounts, token-based sessions,
// the three entity collections, and a change feed. State lives in memory
// under one lock and snapshots to a pluggable state backend on mutation.
package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
)

type Logger interface {
	Printf(format string, args ...any)
}

type StoreConfig struct {
	JWTSecret    string
	AccessTTL    time.Duration
	StateBackend StateBackend
	Logger       Logger
	Clock        func() time.Time
}

type userRecord struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Salt         string `json:"salt"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// persistedState is the snapshot shape written to the state backend.
type persistedState struct {
	Users    []userRecord                  `json:"users"`
	Links    map[string][]backend.Link     `json:"links"`
	Folders  map[string][]backend.Folder   `json:"folders"`
	Settings map[string]backend.Settings   `json:"settings"`
	Active   map[string]string             `json:"activeTokens"`
	Refresh  map[string]string             `json:"refreshTokens"`
	NextID   int64                         `json:"nextId"`
	Revision uint64                        `json:"revision"`
}

type subscriber struct {
	table string
	ch    chan backend.ChangeEvent
}

type Store struct {
	cfg   StoreConfig
	now   func() time.Time
	state StateBackend

	mu           sync.Mutex
	usersByID    map[string]*userRecord
	usersByEmail map[string]*userRecord
	links        map[string]map[string]backend.Link
	folders      map[string]map[string]backend.Folder
	settings     map[string]backend.Settings
	active       map[string]string // accessToken -> userID, removed on sign-out
	refresh      map[string]string // refreshToken -> userID
	nextID       int64
	revision     uint64

	subMu   sync.Mutex
	subs    map[int]subscriber
	nextSub int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	s := &Store{
		cfg:          cfg,
		now:          now,
		state:        cfg.StateBackend,
		usersByID:    map[string]*userRecord{},
		usersByEmail: map[string]*userRecord{},
		links:        map[string]map[string]backend.Link{},
		folders:      map[string]map[string]backend.Folder{},
		settings:     map[string]backend.Settings{},
		active:       map[string]string{},
		refresh:      map[string]string{},
		subs:         map[int]subscriber{},
	}
	if err := s.restore(); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.state != nil {
		return s.state.Close()
	}
	return nil
}

// --- auth ---

func (s *Store) SignUp(email, password string) (backend.Session, error) {
	var zero backend.Session
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") || len(password) < 8 {
		return zero, ErrInvalidInput
	}
	s.mu.Lock()
	if _, exists := s.usersByEmail[email]; exists {
		s.mu.Unlock()
		return zero, ErrConflict
	}
	salt := randomHex(16)
	user := &userRecord{
		ID:           s.mintIDLocked("usr"),
		Email:        email,
		Salt:         salt,
		PasswordHash: hashPassword(salt, password),
		CreatedAt:    s.now().UTC(),
	}
	s.usersByID[user.ID] = user
	s.usersByEmail[email] = user
	session := s.mintSessionLocked(user)
	s.mu.Unlock()
	s.persist()
	return session, nil
}

func (s *Store) SignIn(email, password string) (backend.Session, error) {
	var zero backend.Session
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	user, ok := s.usersByEmail[email]
	if !ok || !hmac.Equal([]byte(user.PasswordHash), []byte(hashPassword(user.Salt, password))) {
		s.mu.Unlock()
		return zero, ErrUnauthorized
	}
	session := s.mintSessionLocked(user)
	s.mu.Unlock()
	s.persist()
	return session, nil
}

func (s *Store) SignOut(accessToken string) {
	s.mu.Lock()
	delete(s.active, accessToken)
	s.mu.Unlock()
	s.persist()
}

func (s *Store) Refresh(refreshToken string) (backend.Session, error) {
	var zero backend.Session
	s.mu.Lock()
	userID, ok := s.refresh[refreshToken]
	if !ok {
		s.mu.Unlock()
		return zero, ErrUnauthorized
	}
	user, ok := s.usersByID[userID]
	if !ok {
		s.mu.Unlock()
		return zero, ErrUnauthorized
	}
	delete(s.refresh, refreshToken)
	session := s.mintSessionLocked(user)
	s.mu.Unlock()
	s.persist()
	return session, nil
}

// Authenticate resolves a bearer header to a user. Tokens survive process
// restarts as long as the JWT validates, but a sign-out retires the token
// immediately.
func (s *Store) Authenticate(authHeader string) (backend.User, *authError) {
	claims, authErr := parseBearer(authHeader, s.cfg.JWTSecret, s.now().UTC())
	if authErr != nil {
		return backend.User{}, authErr
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	s.mu.Lock()
	_, live := s.active[raw]
	user, exists := s.usersByID[claims.UserID]
	s.mu.Unlock()
	if !live || !exists {
		return backend.User{}, &authError{status: 401, code: "unauthorized", message: "token revoked"}
	}
	return backend.User{ID: user.ID, Email: user.Email}, nil
}

// SessionFor rebuilds the wire session for an authenticated request.
func (s *Store) SessionFor(authHeader string) (backend.Session, *authError) {
	user, authErr := s.Authenticate(authHeader)
	if authErr != nil {
		return backend.Session{}, authErr
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims, authErr := parseBearer(authHeader, s.cfg.JWTSecret, s.now().UTC())
	if authErr != nil {
		return backend.Session{}, authErr
	}
	return backend.Session{
		User:        user,
		AccessToken: raw,
		ExpiresAt:   time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Store) mintSessionLocked(user *userRecord) backend.Session {
	expiresAt := s.now().UTC().Add(s.cfg.AccessTTL)
	access := signToken(s.cfg.JWTSecret, user.ID, user.Email, expiresAt)
	refreshToken := randomHex(24)
	s.active[access] = user.ID
	s.refresh[refreshToken] = user.ID
	return backend.Session{
		User:         backend.User{ID: user.ID, Email: user.Email},
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
}

// --- links ---

func (s *Store) ListLinks(userID string) []backend.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Link, 0, len(s.links[userID]))
	for _, link := range s.links[userID] {
		out = append(out, link)
	}
	sortLinks(out)
	return out
}

func (s *Store) InsertLink(userID string, link backend.Link) (backend.Link, error) {
	var zero backend.Link
	if strings.TrimSpace(link.URL) == "" {
		return zero, ErrInvalidInput
	}
	s.mu.Lock()
	if s.urlTakenLocked(userID, link.URL, "") {
		s.mu.Unlock()
		return zero, ErrConflict
	}
	now := s.now().UTC()
	link.ID = s.mintIDLocked("lnk")
	link.UserID = userID
	link.CreatedAt = now
	link.UpdatedAt = now
	link.DeletedAt = nil
	if s.links[userID] == nil {
		s.links[userID] = map[string]backend.Link{}
	}
	s.links[userID][link.ID] = link
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("links", "INSERT", link.ID, userID)
	return link, nil
}

func (s *Store) UpdateLink(userID string, link backend.Link) (backend.Link, error) {
	var zero backend.Link
	s.mu.Lock()
	current, ok := s.links[userID][link.ID]
	if !ok {
		s.mu.Unlock()
		return zero, ErrNotFound
	}
	if strings.TrimSpace(link.URL) == "" {
		s.mu.Unlock()
		return zero, ErrInvalidInput
	}
	if s.urlTakenLocked(userID, link.URL, link.ID) {
		s.mu.Unlock()
		return zero, ErrConflict
	}
	link.UserID = userID
	link.CreatedAt = current.CreatedAt
	link.UpdatedAt = s.now().UTC()
	s.links[userID][link.ID] = link
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("links", "UPDATE", link.ID, userID)
	return link, nil
}

// DeleteLink soft-deletes so clients can offer restore. Restore arrives as
// an update clearing deletedAt.
func (s *Store) DeleteLink(userID, id string) error {
	s.mu.Lock()
	link, ok := s.links[userID][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	now := s.now().UTC()
	link.DeletedAt = &now
	link.UpdatedAt = now
	s.links[userID][id] = link
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("links", "DELETE", id, userID)
	return nil
}

func (s *Store) urlTakenLocked(userID, url, excludeID string) bool {
	for _, link := range s.links[userID] {
		if link.ID == excludeID || link.DeletedAt != nil {
			continue
		}
		if strings.EqualFold(link.URL, url) {
			return true
		}
	}
	return false
}

// --- folders ---

func (s *Store) ListFolders(userID string) []backend.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Folder, 0, len(s.folders[userID]))
	for _, folder := range s.folders[userID] {
		out = append(out, folder)
	}
	sortFolders(out)
	return out
}

func (s *Store) InsertFolder(userID string, folder backend.Folder) (backend.Folder, error) {
	var zero backend.Folder
	if strings.TrimSpace(folder.Name) == "" {
		return zero, ErrInvalidInput
	}
	s.mu.Lock()
	now := s.now().UTC()
	folder.ID = s.mintIDLocked("fld")
	folder.UserID = userID
	folder.CreatedAt = now
	folder.UpdatedAt = now
	if s.folders[userID] == nil {
		s.folders[userID] = map[string]backend.Folder{}
	}
	s.folders[userID][folder.ID] = folder
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("folders", "INSERT", folder.ID, userID)
	return folder, nil
}

func (s *Store) UpdateFolder(userID string, folder backend.Folder) (backend.Folder, error) {
	var zero backend.Folder
	s.mu.Lock()
	current, ok := s.folders[userID][folder.ID]
	if !ok {
		s.mu.Unlock()
		return zero, ErrNotFound
	}
	if strings.TrimSpace(folder.Name) == "" {
		s.mu.Unlock()
		return zero, ErrInvalidInput
	}
	folder.UserID = userID
	folder.CreatedAt = current.CreatedAt
	folder.UpdatedAt = s.now().UTC()
	s.folders[userID][folder.ID] = folder
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("folders", "UPDATE", folder.ID, userID)
	return folder, nil
}

// DeleteFolder removes the folder and clears the assignment on any link
// that pointed at it.
func (s *Store) DeleteFolder(userID, id string) error {
	s.mu.Lock()
	if _, ok := s.folders[userID][id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.folders[userID], id)
	now := s.now().UTC()
	var orphaned []string
	for linkID, link := range s.links[userID] {
		if link.FolderID == id {
			link.FolderID = ""
			link.UpdatedAt = now
			s.links[userID][linkID] = link
			orphaned = append(orphaned, linkID)
		}
	}
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("folders", "DELETE", id, userID)
	for _, linkID := range orphaned {
		s.emit("links", "UPDATE", linkID, userID)
	}
	return nil
}

// --- settings ---

func (s *Store) GetSettings(userID string) backend.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[userID]
	if !ok {
		return backend.Settings{UserID: userID, Theme: "system", ViewMode: "grid", SortOrder: "newest"}
	}
	return settings
}

func (s *Store) UpdateSettings(userID string, settings backend.Settings) backend.Settings {
	s.mu.Lock()
	settings.UserID = userID
	settings.UpdatedAt = s.now().UTC()
	s.settings[userID] = settings
	s.revision++
	s.mu.Unlock()
	s.persist()
	s.emit("settings", "UPDATE", userID, userID)
	return settings
}

// --- change feed ---

// SubscribeChanges registers a feed consumer for one table, or every table
// when table is empty. Slow consumers drop events rather than block the
// store; a client that misses events reconciles on its next refetch.
func (s *Store) SubscribeChanges(table string) (<-chan backend.ChangeEvent, func()) {
	ch := make(chan backend.ChangeEvent, 64)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscriber{table: table, ch: ch}
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) emit(table, changeType, recordID, userID string) {
	event := backend.ChangeEvent{
		Table:     table,
		Type:      changeType,
		RecordID:  recordID,
		UserID:    userID,
		Timestamp: s.now().UTC(),
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.table != "" && sub.table != table {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// --- persistence ---

func (s *Store) persist() {
	if s.state == nil {
		return
	}
	s.mu.Lock()
	snapshot := persistedState{
		Links:    map[string][]backend.Link{},
		Folders:  map[string][]backend.Folder{},
		Settings: map[string]backend.Settings{},
		Active:   map[string]string{},
		Refresh:  map[string]string{},
		NextID:   s.nextID,
		Revision: s.revision,
	}
	for _, user := range s.usersByID {
		snapshot.Users = append(snapshot.Users, *user)
	}
	for userID, links := range s.links {
		for _, link := range links {
			snapshot.Links[userID] = append(snapshot.Links[userID], link)
		}
	}
	for userID, folders := range s.folders {
		for _, folder := range folders {
			snapshot.Folders[userID] = append(snapshot.Folders[userID], folder)
		}
	}
	for userID, settings := range s.settings {
		snapshot.Settings[userID] = settings
	}
	for token, userID := range s.active {
		snapshot.Active[token] = userID
	}
	for token, userID := range s.refresh {
		snapshot.Refresh[token] = userID
	}
	s.mu.Unlock()

	if err := s.state.Save(&snapshot); err != nil {
		s.logf("server: persist snapshot: %v", err)
	}
}

func (s *Store) restore() error {
	if s.state == nil {
		return nil
	}
	snapshot, err := s.state.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range snapshot.Users {
		user := snapshot.Users[i]
		s.usersByID[user.ID] = &user
		s.usersByEmail[user.Email] = &user
	}
	for userID, links := range snapshot.Links {
		s.links[userID] = map[string]backend.Link{}
		for _, link := range links {
			s.links[userID][link.ID] = link
		}
	}
	for userID, folders := range snapshot.Folders {
		s.folders[userID] = map[string]backend.Folder{}
		for _, folder := range folders {
			s.folders[userID][folder.ID] = folder
		}
	}
	for userID, settings := range snapshot.Settings {
		s.settings[userID] = settings
	}
	for token, userID := range snapshot.Active {
		s.active[token] = userID
	}
	for token, userID := range snapshot.Refresh {
		s.refresh[token] = userID
	}
	s.nextID = snapshot.NextID
	s.revision = snapshot.Revision
	return nil
}

func (s *Store) mintIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s_%d", prefix, s.nextID)
}

func (s *Store) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func sortLinks(links []backend.Link) {
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.After(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
}

func sortFolders(folders []backend.Folder) {
	sort.Slice(folders, func(i, j int) bool {
		if folders[i].Position != folders[j].Position {
			return folders[i].Position < folders[j].Position
		}
		return folders[i].Name < folders[j].Name
	})
}

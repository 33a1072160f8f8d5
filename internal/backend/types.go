// Package backend defines the collaborator interfaces the client core talks
// to: the hosted data API, the auth API, and the realtime change feed. The
// HTTP and WebSocket implementations live alongside the interfaces; fakes for
// tests implement the same contracts.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrUnauthorized   = errors.New("not authenticated")
	ErrSessionExpired = errors.New("session expired")
	ErrInvalidInput   = errors.New("invalid input")
)

// APIError carries the structured error payload returned by the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrConflict:
		return e.StatusCode == 409
	case ErrUnauthorized:
		return e.StatusCode == 401
	case ErrSessionExpired:
		return e.StatusCode == 401 && e.Code == "session_expired"
	case ErrInvalidInput:
		return e.StatusCode == 400
	}
	return false
}

type Link struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	FolderID    string     `json:"folderId,omitempty"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Pinned      bool       `json:"pinned,omitempty"`
	Position    int        `json:"position,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

type Folder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Position  int       `json:"position,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Settings struct {
	UserID    string    `json:"userId"`
	Theme     string    `json:"theme,omitempty"`
	ViewMode  string    `json:"viewMode,omitempty"`
	SortOrder string    `json:"sortOrder,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the token pair the auth API hands out. ExpiresAt applies to the
// access token; the refresh token outlives it.
type Session struct {
	User         User      `json:"user"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AuthEvent names the auth state transitions the backend pushes to
// subscribers.
type AuthEvent string

const (
	AuthEventSignedIn       AuthEvent = "SIGNED_IN"
	AuthEventSignedOut      AuthEvent = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthEventInitialSession AuthEvent = "INITIAL_SESSION"
)

// DataAPI is the row-level surface for the three entity collections. Every
// call is scoped to the authenticated user; the backend enforces row-level
// authorization.
type DataAPI interface {
	ListLinks(ctx context.Context) ([]Link, error)
	InsertLink(ctx context.Context, link Link) (Link, error)
	UpdateLink(ctx context.Context, link Link) (Link, error)
	DeleteLink(ctx context.Context, id string) error

	ListFolders(ctx context.Context) ([]Folder, error)
	InsertFolder(ctx context.Context, folder Folder) (Folder, error)
	UpdateFolder(ctx context.Context, folder Folder) (Folder, error)
	DeleteFolder(ctx context.Context, id string) error

	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) (Settings, error)
}

// AuthAPI is the auth surface. OnAuthStateChange delivers named events with
// an optional session payload; the returned function unregisters the
// callback and is safe to call more than once.
type AuthAPI interface {
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	OnAuthStateChange(callback func(event AuthEvent, session *Session)) (unsubscribe func())
}

// ChangeEvent is one row-change notification from the realtime feed.
type ChangeEvent struct {
	Table     string    `json:"table"`
	Type      string    `json:"type"`
	RecordID  string    `json:"recordId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel subscription status values delivered to the status callback.
const (
	ChannelSubscribed = "SUBSCRIBED"
	ChannelError      = "CHANNEL_ERROR"
	ChannelClosed     = "CLOSED"
)

// ChangeSpec filters which change events a handler receives.
type ChangeSpec struct {
	Table  string
	UserID string
}

// RealtimeChannel is one logical subscription. On registers a handler before
// Subscribe opens the feed; Close is idempotent.
type RealtimeChannel interface {
	On(spec ChangeSpec, handler func(ChangeEvent))
	Subscribe(status func(state string, err error)) error
	Close() error
}

// RealtimeAPI hands out named channels.
type RealtimeAPI interface {
	Channel(name string) RealtimeChannel
}

package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
)

func newTestAPI(t *testing.T, cfg StoreConfig) (*httptest.Server, *Store) {
	t.Helper()
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	srv := httptest.NewServer(NewAPI(store, APIConfig{}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = store.Close() })
	return srv, store
}

func TestSignUpAndEntityFlowThroughClient(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	session, err := client.SignUp(ctx, "a@b.c", "password123")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if session.User.Email != "a@b.c" || session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", session)
	}

	link, err := client.InsertLink(ctx, backend.Link{URL: "https://go.dev", Title: "Go"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if link.ID == "" || link.UserID != session.User.ID {
		t.Fatalf("unexpected link %+v", link)
	}

	if _, err := client.InsertLink(ctx, backend.Link{URL: "https://GO.DEV"}); !errors.Is(err, backend.ErrConflict) {
		t.Fatalf("expected duplicate URL conflict, got %v", err)
	}

	link.Title = "The Go Programming Language"
	updated, err := client.UpdateLink(ctx, link)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "The Go Programming Language" || !updated.UpdatedAt.After(link.CreatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}

	if err := client.DeleteLink(ctx, link.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	links, err := client.ListLinks(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(links) != 1 || links[0].DeletedAt == nil {
		t.Fatalf("expected one soft-deleted row, got %+v", links)
	}

	// Soft-deleted URL no longer blocks a new insert.
	if _, err := client.InsertLink(ctx, backend.Link{URL: "https://go.dev"}); err != nil {
		t.Fatalf("reinsert after soft delete failed: %v", err)
	}
}

func TestFolderDeleteClearsLinkAssignments(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	folder, err := client.InsertFolder(ctx, backend.Folder{Name: "reading"})
	if err != nil {
		t.Fatalf("insert folder failed: %v", err)
	}
	link, err := client.InsertLink(ctx, backend.Link{URL: "https://go.dev", FolderID: folder.ID})
	if err != nil {
		t.Fatalf("insert link failed: %v", err)
	}
	if err := client.DeleteFolder(ctx, folder.ID); err != nil {
		t.Fatalf("delete folder failed: %v", err)
	}
	links, _ := client.ListLinks(ctx)
	for _, got := range links {
		if got.ID == link.ID && got.FolderID != "" {
			t.Fatalf("link still points at deleted folder: %+v", got)
		}
	}
}

func TestRefreshRotatesAndOldTokenDies(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	session, err := client.SignUp(ctx, "a@b.c", "password123")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	refreshed, err := client.RefreshSession(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if _, err := client.RefreshSession(ctx, session.RefreshToken); !errors.Is(err, backend.ErrUnauthorized) {
		t.Fatalf("expected spent refresh token rejected, got %v", err)
	}
}

func TestSessionProbeKeepsRefreshCredential(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	// The session endpoint answers without a refresh token; the probe must
	// not discard the one the client already holds.
	if _, err := client.GetSession(ctx); err != nil {
		t.Fatalf("session probe failed: %v", err)
	}
	if _, err := client.RefreshSession(ctx, ""); err != nil {
		t.Fatalf("refresh after probe failed: %v", err)
	}
}

func TestSignOutRevokesAccessToken(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if err := client.SignOut(ctx); err != nil {
		t.Fatalf("signout failed: %v", err)
	}
	// SignOut clears the client's tokens; reinstall the pair to prove the
	// server side revoked it too.
	session, err := client.SignInWithPassword(ctx, "a@b.c", "password123")
	if err != nil {
		t.Fatalf("signin failed: %v", err)
	}
	client.SetSession(session.AccessToken, session.RefreshToken)
	_ = client.SignOut(ctx)
	client.SetSession(session.AccessToken, session.RefreshToken)
	if _, err := client.ListLinks(ctx); !errors.Is(err, backend.ErrUnauthorized) {
		t.Fatalf("expected revoked token rejected, got %v", err)
	}
}

func TestExpiredTokenReportsSessionExpired(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret", AccessTTL: 50 * time.Millisecond})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := client.ListLinks(ctx); !errors.Is(err, backend.ErrSessionExpired) {
		t.Fatalf("expected session-expired, got %v", err)
	}
}

func TestWeakSignUpInputRejected(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "not-an-email", "password123"); !errors.Is(err, backend.ErrInvalidInput) {
		t.Fatalf("expected bad email rejected, got %v", err)
	}
	if _, err := client.SignUp(ctx, "a@b.c", "short"); !errors.Is(err, backend.ErrInvalidInput) {
		t.Fatalf("expected short password rejected, got %v", err)
	}
	if _, err := client.SignUp(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if _, err := client.SignUp(ctx, "A@B.C", "password123"); !errors.Is(err, backend.ErrConflict) {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}
}

func TestRealtimeFeedDeliversUserScopedEvents(t *testing.T) {
	srv, _ := newTestAPI(t, StoreConfig{JWTSecret: "test-secret"})
	client := backend.NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	session, err := client.SignUp(ctx, "a@b.c", "password123")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}

	feed := backend.NewWSRealtime(srv.URL, func() string { return session.AccessToken })
	channel := feed.Channel("links")
	events := make(chan backend.ChangeEvent, 8)
	channel.On(backend.ChangeSpec{Table: "links", UserID: session.User.ID}, func(event backend.ChangeEvent) {
		events <- event
	})
	if err := channel.Subscribe(nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer channel.Close()

	link, err := client.InsertLink(ctx, backend.Link{URL: "https://go.dev"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	select {
	case event := <-events:
		if event.Table != "links" || event.Type != "INSERT" || event.RecordID != link.ID {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no change event delivered")
	}
}

func TestFileStateBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := NewFileStateBackend(path)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	store, err := NewStore(StoreConfig{JWTSecret: "test-secret", StateBackend: state})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	session, err := store.SignUp("a@b.c", "password123")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if _, err := store.InsertLink(session.User.ID, backend.Link{URL: "https://go.dev"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	reopened, err := NewFileStateBackend(path)
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	restored, err := NewStore(StoreConfig{JWTSecret: "test-secret", StateBackend: reopened})
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if _, err := restored.SignIn("a@b.c", "password123"); err != nil {
		t.Fatalf("expected restored credentials to work: %v", err)
	}
	if _, authErr := restored.Authenticate("Bearer " + session.AccessToken); authErr != nil {
		t.Fatalf("expected pre-restart access token to survive: %v", authErr.message)
	}
	links := restored.ListLinks(session.User.ID)
	if len(links) != 1 || links[0].URL != "https://go.dev" {
		t.Fatalf("restored links wrong: %+v", links)
	}
}

func TestChangeFeedFiltersByTable(t *testing.T) {
	store, err := NewStore(StoreConfig{JWTSecret: "test-secret"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	session, err := store.SignUp("a@b.c", "password123")
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}

	linksFeed, cancelLinks := store.SubscribeChanges("links")
	defer cancelLinks()
	foldersFeed, cancelFolders := store.SubscribeChanges("folders")
	defer cancelFolders()

	if _, err := store.InsertLink(session.User.ID, backend.Link{URL: "https://go.dev"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	select {
	case event := <-linksFeed:
		if event.Table != "links" {
			t.Fatalf("wrong table %q", event.Table)
		}
	case <-time.After(time.Second):
		t.Fatalf("links feed got nothing")
	}
	select {
	case event := <-foldersFeed:
		t.Fatalf("folders feed leaked a links event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

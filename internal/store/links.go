package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/cache"
)

// LinkInput is the caller-supplied shape for a new link. The JSON tags
// line up with the validation schema.
type LinkInput struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	FolderID    string `json:"folderId,omitempty"`
}

// LinkPatch is a partial update; nil fields are left alone.
type LinkPatch struct {
	URL         *string
	Title       *string
	Description *string
	FolderID    *string
	Pinned      *bool
	Position    *int
}

// LinkStore serves link reads from the cache and applies writes
// optimistically: local state changes first, the backend call follows, and
// a failure rolls the local change back unless a newer change superseded
// it in the meantime.
type LinkStore struct {
	*shared
	set workingSet[backend.Link]
}

func newLinkStore(sh *shared) *LinkStore {
	s := &LinkStore{shared: sh}
	s.set = workingSet[backend.Link]{
		label:     "link",
		prepend:   true,
		id:        func(link backend.Link) string { return link.ID },
		updatedAt: func(link backend.Link) time.Time { return link.UpdatedAt },
		publish:   s.publish,
		logf:      sh.logf,
	}
	return s
}

func (s *LinkStore) listKey(userID string) string {
	return cache.Key(userID, "links", "list")
}

func (s *LinkStore) tags(userID string) []string {
	return []string{LinksTag(userID), UserTag(userID)}
}

// publish invalidates the cached list and writes the current working set in
// its place, so reads and the dedup layer observe the optimistic state.
func (s *LinkStore) publish(userID string, rows []backend.Link) {
	s.cache.InvalidateTags(LinksTag(userID))
	s.cache.Set(s.listKey(userID), filterActive(rows), cache.SetOptions{
		TTL:  s.timeouts.ListTTL,
		Tags: s.tags(userID),
	})
}

// List returns the user's links, most recent first, excluding soft-deleted
// rows. Concurrent calls for the same user share one backend fetch.
func (s *LinkStore) List(ctx context.Context) ([]backend.Link, error) {
	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	value, err := s.loader.Do(ctx, s.listKey(user.ID), func(ctx context.Context) (any, error) {
		links, err := s.api.ListLinks(ctx)
		if err != nil {
			return nil, s.remoteErr(err)
		}
		s.set.install(user.ID, links)
		return filterActive(links), nil
	}, &cache.SetOptions{TTL: s.timeouts.ListTTL, Tags: s.tags(user.ID)})
	if err != nil {
		return nil, err
	}
	return value.([]backend.Link), nil
}

// Deleted returns soft-deleted links still awaiting purge, for a trash
// view and for Restore.
func (s *LinkStore) Deleted(ctx context.Context) ([]backend.Link, error) {
	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return nil, err
	}
	var out []backend.Link
	for _, link := range s.set.snapshot() {
		if link.DeletedAt != nil {
			out = append(out, link)
		}
	}
	return out, nil
}

// Add inserts a link optimistically under a placeholder ID. The backend
// assigns the real ID; the placeholder never goes over the wire. On
// success the placeholder row is swapped for the server copy, unless a
// realtime refetch already delivered that copy, in which case the
// placeholder is simply dropped.
func (s *LinkStore) Add(ctx context.Context, input LinkInput) (backend.Link, error) {
	var zero backend.Link
	user, err := s.requireUser()
	if err != nil {
		return zero, err
	}
	input.URL = sanitizeText(input.URL)
	input.Title = sanitizeText(input.Title)
	input.Description = sanitizeText(input.Description)
	if err := validateAgainst(linkSchema, input); err != nil {
		return zero, err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return zero, err
	}

	now := s.now()
	temp := backend.Link{
		ID:          newTempID(),
		UserID:      user.ID,
		FolderID:    input.FolderID,
		URL:         input.URL,
		Title:       input.Title,
		Description: input.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := mutate(ctx, mutation[backend.Link]{
		timeout: s.timeouts.Add,
		apply:   func() { s.set.insert(user.ID, temp) },
		remote: func(ctx context.Context) (backend.Link, error) {
			outbound := temp
			outbound.ID = "" // backend assigns the ID
			return s.api.InsertLink(ctx, outbound)
		},
		commit:   func(created backend.Link) { s.set.commitInsert(user.ID, temp.ID, created) },
		rollback: func() { s.set.remove(user.ID, temp.ID) },
	})
	if err != nil {
		return zero, s.remoteErr(err)
	}
	return created, nil
}

// Update applies a partial edit optimistically and reconciles with the
// server copy. A failed remote call rolls back, except when the row's
// UpdatedAt shows a newer change landed after ours.
func (s *LinkStore) Update(ctx context.Context, id string, patch LinkPatch) (backend.Link, error) {
	var zero backend.Link
	user, err := s.requireUser()
	if err != nil {
		return zero, err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return zero, err
	}

	prev, ok := s.set.get(id)
	if !ok {
		return zero, backend.ErrNotFound
	}
	applied := applyPatch(prev, patch)
	applied.UpdatedAt = s.now()
	if err := validateAgainst(linkSchema, LinkInput{
		URL:         applied.URL,
		Title:       applied.Title,
		Description: applied.Description,
		FolderID:    applied.FolderID,
	}); err != nil {
		return zero, err
	}

	updated, err := mutate(ctx, mutation[backend.Link]{
		timeout:  s.timeouts.Update,
		apply:    func() { s.set.replace(user.ID, applied) },
		remote:   func(ctx context.Context) (backend.Link, error) { return s.api.UpdateLink(ctx, applied) },
		commit:   func(updated backend.Link) { s.set.replace(user.ID, updated) },
		rollback: func() { s.set.rollbackReplace(user.ID, prev, applied) },
	})
	if err != nil {
		return zero, s.remoteErr(err)
	}
	return updated, nil
}

// Delete soft-deletes: the row is stamped locally and hidden from List
// right away, then the backend delete follows.
func (s *LinkStore) Delete(ctx context.Context, id string) error {
	user, err := s.requireUser()
	if err != nil {
		return err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return err
	}
	prev, ok := s.set.get(id)
	if !ok {
		return backend.ErrNotFound
	}
	applied := prev
	now := s.now()
	applied.DeletedAt = &now
	applied.UpdatedAt = now

	_, err = mutate(ctx, mutation[struct{}]{
		timeout: s.timeouts.Delete,
		apply:   func() { s.set.replace(user.ID, applied) },
		remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.api.DeleteLink(ctx, id)
		},
		rollback: func() { s.set.rollbackReplace(user.ID, prev, applied) },
	})
	if err != nil {
		return s.remoteErr(err)
	}
	return nil
}

// Restore clears the soft-delete stamp.
func (s *LinkStore) Restore(ctx context.Context, id string) (backend.Link, error) {
	var zero backend.Link
	user, err := s.requireUser()
	if err != nil {
		return zero, err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return zero, err
	}
	prev, ok := s.set.get(id)
	if !ok {
		return zero, backend.ErrNotFound
	}
	if prev.DeletedAt == nil {
		return prev, nil
	}
	applied := prev
	applied.DeletedAt = nil
	applied.UpdatedAt = s.now()

	restored, err := mutate(ctx, mutation[backend.Link]{
		timeout:  s.timeouts.Update,
		apply:    func() { s.set.replace(user.ID, applied) },
		remote:   func(ctx context.Context) (backend.Link, error) { return s.api.UpdateLink(ctx, applied) },
		commit:   func(restored backend.Link) { s.set.replace(user.ID, restored) },
		rollback: func() { s.set.rollbackReplace(user.ID, prev, applied) },
	})
	if err != nil {
		return zero, s.remoteErr(err)
	}
	return restored, nil
}

// BulkMove points many links at a folder in one user action. All moves
// apply locally first; remote calls run under a single bulk budget and
// each failure rolls back only its own row.
func (s *LinkStore) BulkMove(ctx context.Context, ids []string, folderID string) error {
	return s.bulkUpdate(ctx, ids, func(link *backend.Link) {
		link.FolderID = folderID
	})
}

// BulkUpdate applies the same patch to many links under one bulk budget.
func (s *LinkStore) BulkUpdate(ctx context.Context, ids []string, patch LinkPatch) error {
	return s.bulkUpdate(ctx, ids, func(link *backend.Link) {
		*link = applyPatch(*link, patch)
	})
}

// BulkDelete soft-deletes many links under one bulk budget.
func (s *LinkStore) BulkDelete(ctx context.Context, ids []string) error {
	now := s.now()
	return s.bulkUpdate(ctx, ids, func(link *backend.Link) {
		stamp := now
		link.DeletedAt = &stamp
	})
}

func (s *LinkStore) bulkUpdate(ctx context.Context, ids []string, mutateRow func(*backend.Link)) error {
	user, err := s.requireUser()
	if err != nil {
		return err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return err
	}

	type change struct {
		prev    backend.Link
		applied backend.Link
	}
	changes := make(map[string]change, len(ids))
	for _, id := range ids {
		prev, ok := s.set.get(id)
		if !ok {
			continue
		}
		applied := prev
		mutateRow(&applied)
		applied.UpdatedAt = s.now()
		changes[id] = change{prev: prev, applied: applied}
		s.set.replace(user.ID, applied)
	}
	if len(changes) == 0 {
		return nil
	}

	bctx, cancel := context.WithTimeout(ctx, s.timeouts.Bulk)
	defer cancel()
	var failures []error
	for id, ch := range changes {
		updated, err := func() (backend.Link, error) {
			if ch.applied.DeletedAt != nil && ch.prev.DeletedAt == nil {
				return ch.applied, s.api.DeleteLink(bctx, id)
			}
			return s.api.UpdateLink(bctx, ch.applied)
		}()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("bulk update %s: %w", id, ErrTimeout)
			}
			s.set.rollbackReplace(user.ID, ch.prev, ch.applied)
			failures = append(failures, s.remoteErr(err))
			continue
		}
		s.set.replace(user.ID, updated)
	}
	return errors.Join(failures...)
}

// Replace swaps the whole working set for a fresh server snapshot. The
// realtime bridge calls this after a refetch.
func (s *LinkStore) Replace(userID string, links []backend.Link) {
	s.set.install(userID, links)
	s.set.reseed(userID)
}

// Reload drops the cached list and fetches a fresh snapshot.
func (s *LinkStore) Reload(ctx context.Context) ([]backend.Link, error) {
	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateTags(LinksTag(user.ID))
	s.loader.Forget(s.listKey(user.ID))
	return s.List(ctx)
}

func (s *LinkStore) ensureLoaded(ctx context.Context, userID string) error {
	if s.set.loaded(userID) {
		return nil
	}
	_, err := s.List(ctx)
	return err
}

func filterActive(links []backend.Link) []backend.Link {
	out := make([]backend.Link, 0, len(links))
	for _, link := range links {
		if link.DeletedAt == nil {
			out = append(out, link)
		}
	}
	return out
}

func applyPatch(link backend.Link, patch LinkPatch) backend.Link {
	if patch.URL != nil {
		link.URL = sanitizeText(*patch.URL)
	}
	if patch.Title != nil {
		link.Title = sanitizeText(*patch.Title)
	}
	if patch.Description != nil {
		link.Description = sanitizeText(*patch.Description)
	}
	if patch.FolderID != nil {
		link.FolderID = *patch.FolderID
	}
	if patch.Pinned != nil {
		link.Pinned = *patch.Pinned
	}
	if patch.Position != nil {
		link.Position = *patch.Position
	}
	return link
}

package store

import (
	"context"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/cache"
)

type FolderInput struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type FolderPatch struct {
	Name     *string
	Color    *string
	Position *int
}

// FolderStore mirrors the link store's optimistic pattern for folders.
type FolderStore struct {
	*shared
	set workingSet[backend.Folder]
}

func newFolderStore(sh *shared) *FolderStore {
	s := &FolderStore{shared: sh}
	s.set = workingSet[backend.Folder]{
		label:     "folder",
		id:        func(folder backend.Folder) string { return folder.ID },
		updatedAt: func(folder backend.Folder) time.Time { return folder.UpdatedAt },
		publish:   s.publish,
		logf:      sh.logf,
	}
	return s
}

func (s *FolderStore) listKey(userID string) string {
	return cache.Key(userID, "folders", "list")
}

func (s *FolderStore) tags(userID string) []string {
	return []string{FoldersTag(userID), UserTag(userID)}
}

func (s *FolderStore) publish(userID string, rows []backend.Folder) {
	s.cache.InvalidateTags(FoldersTag(userID))
	s.cache.Set(s.listKey(userID), rows, cache.SetOptions{
		TTL:  s.timeouts.ListTTL,
		Tags: s.tags(userID),
	})
}

func (s *FolderStore) List(ctx context.Context) ([]backend.Folder, error) {
	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	value, err := s.loader.Do(ctx, s.listKey(user.ID), func(ctx context.Context) (any, error) {
		folders, err := s.api.ListFolders(ctx)
		if err != nil {
			return nil, s.remoteErr(err)
		}
		s.set.install(user.ID, folders)
		return append([]backend.Folder(nil), folders...), nil
	}, &cache.SetOptions{TTL: s.timeouts.ListTTL, Tags: s.tags(user.ID)})
	if err != nil {
		return nil, err
	}
	return value.([]backend.Folder), nil
}

func (s *FolderStore) Add(ctx context.Context, input FolderInput) (backend.Folder, error) {
	var zero backend.Folder
	user, err := s.requireUser()
	if err != nil {
		return zero, err
	}
	input.Name = sanitizeText(input.Name)
	if err := validateAgainst(folderSchema, input); err != nil {
		return zero, err
	}
	if err := s.ensureLoaded(ctx, user.ID); err != nil {
		return zero, err
	}

	now := s.now()
	temp := backend.Folder{
		ID:        newTempID(),
		UserID:    user.ID,
		Name:      input.Name,
		Color:     input.Color,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := mutate(ctx, mutation[backend.Folder]{
		timeout: s.timeouts.Add,
		apply:   func() { s.set.insert(user.ID, temp) },
		remote: func(ctx context.Context) (backend.Folder, error) {
			outbound := temp
			outbound.ID = ""
			return s.api.InsertFolder(ctx, outbound)
		},
		commit:   func(created backend.Folder) { s.set.commitInsert(user.ID, temp.ID, created) },
		rollback: func() { s.set.remove(user.ID, temp.ID) },
	})
	if err != nil {
		return zero, s.remoteErr(err)
	}
	return created, nil
}

func (s *FolderStore) Update(ctx context.Context, id string, patch FolderPatch) (backend.Folder, error) {
	var zero backend.Folder
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
	applied := prev
	if patch.Name != nil {
		applied.Name = sanitizeText(*patch.Name)
	}
	if patch.Color != nil {
		applied.Color = *patch.Color
	}
	if patch.Position != nil {
		applied.Position = *patch.Position
	}
	applied.UpdatedAt = s.now()
	if err := validateAgainst(folderSchema, FolderInput{Name: applied.Name, Color: applied.Color}); err != nil {
		return zero, err
	}

	updated, err := mutate(ctx, mutation[backend.Folder]{
		timeout:  s.timeouts.Update,
		apply:    func() { s.set.replace(user.ID, applied) },
		remote:   func(ctx context.Context) (backend.Folder, error) { return s.api.UpdateFolder(ctx, applied) },
		commit:   func(updated backend.Folder) { s.set.replace(user.ID, updated) },
		rollback: func() { s.set.rollbackReplace(user.ID, prev, applied) },
	})
	if err != nil {
		return zero, s.remoteErr(err)
	}
	return updated, nil
}

// Delete removes a folder. Links pointing at it are left alone locally;
// the backend clears their folder assignment and the next refetch
// reconciles.
func (s *FolderStore) Delete(ctx context.Context, id string) error {
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

	_, err = mutate(ctx, mutation[struct{}]{
		timeout: s.timeouts.Delete,
		apply:   func() { s.set.remove(user.ID, id) },
		remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.api.DeleteFolder(ctx, id)
		},
		rollback: func() { s.set.insert(user.ID, prev) },
	})
	if err != nil {
		return s.remoteErr(err)
	}
	return nil
}

// Replace swaps the working set for a fresh server snapshot.
func (s *FolderStore) Replace(userID string, folders []backend.Folder) {
	s.set.install(userID, folders)
	s.set.reseed(userID)
}

func (s *FolderStore) Reload(ctx context.Context) ([]backend.Folder, error) {
	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateTags(FoldersTag(user.ID))
	s.loader.Forget(s.listKey(user.ID))
	return s.List(ctx)
}

func (s *FolderStore) ensureLoaded(ctx context.Context, userID string) error {
	if s.set.loaded(userID) {
		return nil
	}
	_, err := s.List(ctx)
	return err
}

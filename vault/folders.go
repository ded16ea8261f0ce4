package vault

import (
	"context"
	"errors"

	"github.com/jmcleod/ironward/internal/uuid"
	"github.com/jmcleod/ironward/storage"
)

// SaveFolder creates the folder when f.ID is empty and renames it otherwise.
func (s *Store) SaveFolder(ctx context.Context, f *Folder) error {
	rec := *f
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		if f.ID != "" {
			if _, err := loadOwned(tx, KindFolder, rec.UserID, rec.ID, folderOwner); err != nil {
				return err
			}
		}
		rev, err := s.touch(tx, rec.UserID)
		if err != nil {
			return err
		}
		rec.UpdatedAt = rev
		if err := writeJSON(tx, recordKey(KindFolder, rec.ID), &rec); err != nil {
			return err
		}
		return IndexAdd(tx, KindFolder, rec.UserID, rec.ID)
	})
	if err != nil {
		return err
	}
	*f = rec
	return nil
}

func (s *Store) GetFolder(ctx context.Context, userID, id string) (*Folder, error) {
	var f Folder
	if err := s.GetRecord(ctx, KindFolder, id, &f); err != nil {
		return nil, err
	}
	if f.UserID != userID {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *Store) ListFolders(ctx context.Context, userID string) ([]*Folder, error) {
	return getAll[Folder](ctx, s, KindFolder, userID)
}

// DeleteFolder removes the folder and clears it from every cipher that
// referenced it.
func (s *Store) DeleteFolder(ctx context.Context, userID, id string) error {
	return s.kv.Update(ctx, func(tx storage.Tx) error {
		if _, err := loadOwned(tx, KindFolder, userID, id, folderOwner); err != nil {
			return err
		}
		rev, err := s.touch(tx, userID)
		if err != nil {
			return err
		}
		cipherIDs, err := IndexIDs(tx, KindCipher, userID)
		if err != nil {
			return err
		}
		for _, cid := range cipherIDs {
			c, err := loadOwned(tx, KindCipher, userID, cid, cipherOwner)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if c.FolderID != id {
				continue
			}
			c.FolderID = ""
			c.UpdatedAt = rev
			if err := writeCipher(tx, c); err != nil {
				return err
			}
		}
		if err := tx.Delete(recordKey(KindFolder, id)); err != nil {
			return err
		}
		return IndexRemove(tx, KindFolder, userID, id)
	})
}

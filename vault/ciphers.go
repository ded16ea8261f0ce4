package vault

import (
	"context"
	"errors"
	"time"

	"github.com/jmcleod/ironward/internal/uuid"
	"github.com/jmcleod/ironward/storage"
)

// loadOwned reads a record and reports ErrNotFound when it is absent or
// owned by another user.
func loadOwned[T any](tx storage.Tx, kind Kind, userID, id string, owner func(*T) string) (*T, error) {
	rec := new(T)
	if err := readJSON(tx, recordKey(kind, id), rec); err != nil {
		return nil, notFound(err)
	}
	if owner(rec) != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func cipherOwner(c *Cipher) string         { return c.UserID }
func folderOwner(f *Folder) string         { return f.UserID }
func attachmentOwner(a *Attachment) string { return a.UserID }

func checkFolder(tx storage.Tx, userID, folderID string) error {
	if folderID == "" {
		return nil
	}
	if !uuid.Valid(folderID) {
		return ErrInvalidFolder
	}
	if _, err := loadOwned(tx, KindFolder, userID, folderID, folderOwner); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidFolder
		}
		return err
	}
	return nil
}

// SaveCipher creates the cipher when c.ID is empty and replaces it
// otherwise. The record write, index update and revision touch commit
// together. On success c carries the stored id and timestamps.
func (s *Store) SaveCipher(ctx context.Context, c *Cipher) error {
	rec := *c
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		existing, err := loadOwned(tx, KindCipher, rec.UserID, rec.ID, cipherOwner)
		switch {
		case err == nil:
			rec.CreatedAt = existing.CreatedAt
			rec.DeletedAt = existing.DeletedAt
		case errors.Is(err, ErrNotFound) && c.ID == "":
			rec.CreatedAt = time.Time{}
		default:
			return err
		}
		if err := checkFolder(tx, rec.UserID, rec.FolderID); err != nil {
			return err
		}
		rev, err := s.touch(tx, rec.UserID)
		if err != nil {
			return err
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rev
		}
		rec.UpdatedAt = rev
		if err := writeJSON(tx, recordKey(KindCipher, rec.ID), &rec); err != nil {
			return err
		}
		return IndexAdd(tx, KindCipher, rec.UserID, rec.ID)
	})
	if err != nil {
		return err
	}
	*c = rec
	return nil
}

func (s *Store) GetCipher(ctx context.Context, userID, id string) (*Cipher, error) {
	var c Cipher
	if err := s.GetRecord(ctx, KindCipher, id, &c); err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return &c, nil
}

// ListCiphers returns every cipher in the user's index, including soft-deleted ones.
func (s *Store) ListCiphers(ctx context.Context, userID string) ([]*Cipher, error) {
	return getAll[Cipher](ctx, s, KindCipher, userID)
}

// mutateCiphers loads each owned cipher among ids, applies fn and writes it
// back, then touches the revision stamp exactly once. Ids that are missing
// or owned by someone else are skipped. It returns the ciphers changed.
func (s *Store) mutateCiphers(ctx context.Context, userID string, ids []string, fn func(tx storage.Tx, c *Cipher, rev time.Time) error) ([]*Cipher, error) {
	var changed []*Cipher
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		changed = nil
		rev, err := s.touch(tx, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			c, err := loadOwned(tx, KindCipher, userID, id, cipherOwner)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(tx, c, rev); err != nil {
				return err
			}
			changed = append(changed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *Store) mutateCipher(ctx context.Context, userID, id string, fn func(tx storage.Tx, c *Cipher, rev time.Time) error) (*Cipher, error) {
	var out *Cipher
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		c, err := loadOwned(tx, KindCipher, userID, id, cipherOwner)
		if err != nil {
			return err
		}
		rev, err := s.touch(tx, userID)
		if err != nil {
			return err
		}
		if err := fn(tx, c, rev); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func writeCipher(tx storage.Tx, c *Cipher) error {
	return writeJSON(tx, recordKey(KindCipher, c.ID), c)
}

// removeCipher deletes a cipher, its index entry and every attachment
// record that belongs to it, returning the attachments removed.
func removeCipher(tx storage.Tx, c *Cipher) ([]*Attachment, error) {
	attIDs, err := IndexIDs(tx, KindAttachment, c.UserID)
	if err != nil {
		return nil, err
	}
	var removed []*Attachment
	for _, attID := range attIDs {
		var a Attachment
		err := readJSON(tx, recordKey(KindAttachment, attID), &a)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.CipherID != c.ID {
			continue
		}
		if err := tx.Delete(recordKey(KindAttachment, attID)); err != nil {
			return nil, err
		}
		if err := IndexRemove(tx, KindAttachment, c.UserID, attID); err != nil {
			return nil, err
		}
		removed = append(removed, &a)
	}
	if err := tx.Delete(recordKey(KindCipher, c.ID)); err != nil {
		return nil, err
	}
	if err := IndexRemove(tx, KindCipher, c.UserID, c.ID); err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteCipher permanently removes a cipher and its attachments. The
// removed attachments are returned so their blobs can be deleted.
func (s *Store) DeleteCipher(ctx context.Context, userID, id string) ([]*Attachment, error) {
	var removed []*Attachment
	_, err := s.mutateCipher(ctx, userID, id, func(tx storage.Tx, c *Cipher, _ time.Time) error {
		var err error
		removed, err = removeCipher(tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// SoftDeleteCipher moves a cipher to the trash.
func (s *Store) SoftDeleteCipher(ctx context.Context, userID, id string) (*Cipher, error) {
	return s.mutateCipher(ctx, userID, id, softDelete)
}

// RestoreCipher takes a cipher out of the trash.
func (s *Store) RestoreCipher(ctx context.Context, userID, id string) (*Cipher, error) {
	return s.mutateCipher(ctx, userID, id, restore)
}

func softDelete(tx storage.Tx, c *Cipher, rev time.Time) error {
	deleted := rev
	c.DeletedAt = &deleted
	c.UpdatedAt = rev
	return writeCipher(tx, c)
}

func restore(tx storage.Tx, c *Cipher, rev time.Time) error {
	c.DeletedAt = nil
	c.UpdatedAt = rev
	return writeCipher(tx, c)
}

// PartialUpdateCipher changes only the folder and favorite flag.
func (s *Store) PartialUpdateCipher(ctx context.Context, userID, id, folderID string, favorite bool) (*Cipher, error) {
	return s.mutateCipher(ctx, userID, id, func(tx storage.Tx, c *Cipher, rev time.Time) error {
		if err := checkFolder(tx, userID, folderID); err != nil {
			return err
		}
		c.FolderID = folderID
		c.Favorite = favorite
		c.UpdatedAt = rev
		return writeCipher(tx, c)
	})
}

// BulkMove moves the user's ciphers among ids into folderID (empty for no
// folder). Ids the user does not own are ignored; the revision stamp is
// touched once even when nothing moved.
func (s *Store) BulkMove(ctx context.Context, userID string, ids []string, folderID string) ([]*Cipher, error) {
	if folderID != "" {
		if _, err := s.GetFolder(ctx, userID, folderID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrInvalidFolder
			}
			return nil, err
		}
	}
	return s.mutateCiphers(ctx, userID, ids, func(tx storage.Tx, c *Cipher, rev time.Time) error {
		if err := checkFolder(tx, userID, folderID); err != nil {
			return err
		}
		c.FolderID = folderID
		c.UpdatedAt = rev
		return writeCipher(tx, c)
	})
}

func (s *Store) BulkSoftDelete(ctx context.Context, userID string, ids []string) ([]*Cipher, error) {
	return s.mutateCiphers(ctx, userID, ids, softDelete)
}

func (s *Store) BulkRestore(ctx context.Context, userID string, ids []string) ([]*Cipher, error) {
	return s.mutateCiphers(ctx, userID, ids, restore)
}

// BulkDelete permanently removes the user's ciphers among ids and returns
// the attachments that went with them.
func (s *Store) BulkDelete(ctx context.Context, userID string, ids []string) ([]*Attachment, error) {
	byCipher := make(map[string][]*Attachment)
	deleted, err := s.mutateCiphers(ctx, userID, ids, func(tx storage.Tx, c *Cipher, _ time.Time) error {
		atts, err := removeCipher(tx, c)
		byCipher[c.ID] = atts
		return err
	})
	if err != nil {
		return nil, err
	}
	var removed []*Attachment
	for _, c := range deleted {
		removed = append(removed, byCipher[c.ID]...)
	}
	return removed, nil
}

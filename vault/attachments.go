package vault

import (
	"context"
	"time"

	"github.com/jmcleod/ironward/internal/uuid"
	"github.com/jmcleod/ironward/storage"
)

// SaveAttachment creates or updates attachment metadata. The owning cipher
// must belong to the same user; its revision date moves with the stamp.
func (s *Store) SaveAttachment(ctx context.Context, a *Attachment) error {
	rec := *a
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		c, err := loadOwned(tx, KindCipher, rec.UserID, rec.CipherID, cipherOwner)
		if err != nil {
			return err
		}
		if a.ID != "" {
			existing, err := loadOwned(tx, KindAttachment, rec.UserID, rec.ID, attachmentOwner)
			if err != nil {
				return err
			}
			if existing.CipherID != rec.CipherID {
				return ErrNotFound
			}
			rec.CreatedAt = existing.CreatedAt
		}
		rev, err := s.touch(tx, rec.UserID)
		if err != nil {
			return err
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rev
		}
		if err := writeJSON(tx, recordKey(KindAttachment, rec.ID), &rec); err != nil {
			return err
		}
		if err := IndexAdd(tx, KindAttachment, rec.UserID, rec.ID); err != nil {
			return err
		}
		c.UpdatedAt = rev
		return writeCipher(tx, c)
	})
	if err != nil {
		return err
	}
	*a = rec
	return nil
}

// GetAttachment returns the attachment when it belongs to both the user and the cipher.
func (s *Store) GetAttachment(ctx context.Context, userID, cipherID, id string) (*Attachment, error) {
	var a Attachment
	if err := s.GetRecord(ctx, KindAttachment, id, &a); err != nil {
		return nil, err
	}
	if a.UserID != userID || a.CipherID != cipherID {
		return nil, ErrNotFound
	}
	return &a, nil
}

// ListAttachments returns every attachment the user owns.
func (s *Store) ListAttachments(ctx context.Context, userID string) ([]*Attachment, error) {
	return getAll[Attachment](ctx, s, KindAttachment, userID)
}

// CipherAttachments returns the attachments of a single cipher.
func (s *Store) CipherAttachments(ctx context.Context, userID, cipherID string) ([]*Attachment, error) {
	all, err := s.ListAttachments(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []*Attachment
	for _, a := range all {
		if a.CipherID == cipherID {
			out = append(out, a)
		}
	}
	return out, nil
}

// DeleteAttachment removes attachment metadata and returns it so the blob
// can be deleted.
func (s *Store) DeleteAttachment(ctx context.Context, userID, cipherID, id string) (*Attachment, error) {
	var removed *Attachment
	_, err := s.mutateCipher(ctx, userID, cipherID, func(tx storage.Tx, c *Cipher, rev time.Time) error {
		a, err := loadOwned(tx, KindAttachment, userID, id, attachmentOwner)
		if err != nil {
			return err
		}
		if a.CipherID != cipherID {
			return ErrNotFound
		}
		if err := tx.Delete(recordKey(KindAttachment, id)); err != nil {
			return err
		}
		if err := IndexRemove(tx, KindAttachment, userID, id); err != nil {
			return err
		}
		c.UpdatedAt = rev
		removed = a
		return writeCipher(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

package vault

import (
	"context"
	"fmt"
)

// BuildSync assembles the user's full vault. Each read is independent;
// concurrent writers may be partially visible.
func (s *Store) BuildSync(ctx context.Context, userID string) (*SyncData, error) {
	user, err := s.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	folders, err := s.ListFolders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading folders: %w", err)
	}
	ciphers, err := s.ListCiphers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading ciphers: %w", err)
	}
	attachments, err := s.ListAttachments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}
	byCipher := make(map[string][]*Attachment, len(ciphers))
	for _, a := range attachments {
		byCipher[a.CipherID] = append(byCipher[a.CipherID], a)
	}
	rev, err := s.RevisionDate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading revision date: %w", err)
	}
	return &SyncData{
		User:         user,
		Folders:      folders,
		Ciphers:      ciphers,
		Attachments:  byCipher,
		RevisionDate: rev,
	}, nil
}

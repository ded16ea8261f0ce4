package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCiphers_CRUD(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")

	notes := "2.notes"
	c := &Cipher{UserID: u.ID, Type: 1, Name: "2.name", Notes: &notes, Login: []byte(`{"username":"2.u"}`)}
	require.NoError(t, s.SaveCipher(ctx, c))
	require.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())
	assert.Equal(t, c.UpdatedAt, revision(t, s, u.ID))

	got, err := s.GetCipher(ctx, u.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.name", got.Name)
	assert.JSONEq(t, `{"username":"2.u"}`, string(got.Login))

	created := c.CreatedAt
	c.Name = "2.renamed"
	require.NoError(t, s.SaveCipher(ctx, c))
	got, err = s.GetCipher(ctx, u.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.renamed", got.Name)
	assert.Equal(t, created, got.CreatedAt)

	list, err := s.ListCiphers(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCiphers_OwnershipIsEnforced(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	alice := createTestUser(t, s, "alice@example.com")
	bob := createTestUser(t, s, "bob@example.com")

	c := &Cipher{UserID: alice.ID, Name: "secret"}
	require.NoError(t, s.SaveCipher(ctx, c))

	_, err := s.GetCipher(ctx, bob.ID, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	hijack := &Cipher{ID: c.ID, UserID: bob.ID, Name: "mine now"}
	assert.ErrorIs(t, s.SaveCipher(ctx, hijack), ErrNotFound)

	_, err = s.SoftDeleteCipher(ctx, bob.ID, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.DeleteCipher(ctx, bob.ID, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	moved, err := s.BulkMove(ctx, bob.ID, []string{c.ID}, "")
	require.NoError(t, err)
	assert.Empty(t, moved)

	got, err := s.GetCipher(ctx, alice.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Name)
	assert.Nil(t, got.DeletedAt)
}

func TestCiphers_SoftDeleteAndRestore(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")
	c := &Cipher{UserID: u.ID, Name: "x"}
	require.NoError(t, s.SaveCipher(ctx, c))

	deleted, err := s.SoftDeleteCipher(ctx, u.ID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	// Saving a trashed cipher keeps it in the trash.
	deleted.Name = "y"
	require.NoError(t, s.SaveCipher(ctx, deleted))
	assert.NotNil(t, deleted.DeletedAt)

	restored, err := s.RestoreCipher(ctx, u.ID, c.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
}

func TestCiphers_BulkMove(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")
	other := createTestUser(t, s, "b@example.com")

	f := &Folder{UserID: u.ID, Name: "f"}
	require.NoError(t, s.SaveFolder(ctx, f))
	c1 := &Cipher{UserID: u.ID, Name: "1"}
	c2 := &Cipher{UserID: u.ID, Name: "2"}
	foreign := &Cipher{UserID: other.ID, Name: "3"}
	for _, c := range []*Cipher{c1, c2, foreign} {
		require.NoError(t, s.SaveCipher(ctx, c))
	}

	moved, err := s.BulkMove(ctx, u.ID, []string{c1.ID, c2.ID, foreign.ID, "missing"}, f.ID)
	require.NoError(t, err)
	assert.Len(t, moved, 2)

	for _, id := range []string{c1.ID, c2.ID} {
		got, err := s.GetCipher(ctx, u.ID, id)
		require.NoError(t, err)
		assert.Equal(t, f.ID, got.FolderID)
	}
	got, err := s.GetCipher(ctx, other.ID, foreign.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FolderID)

	_, err = s.BulkMove(ctx, u.ID, []string{c1.ID}, "not-a-folder")
	assert.ErrorIs(t, err, ErrInvalidFolder)
}

func TestCiphers_BulkTrashRestoreDelete(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")
	c1 := &Cipher{UserID: u.ID, Name: "1"}
	c2 := &Cipher{UserID: u.ID, Name: "2"}
	require.NoError(t, s.SaveCipher(ctx, c1))
	require.NoError(t, s.SaveCipher(ctx, c2))
	require.NoError(t, s.SaveAttachment(ctx, &Attachment{UserID: u.ID, CipherID: c1.ID, FileName: "a"}))

	trashed, err := s.BulkSoftDelete(ctx, u.ID, []string{c1.ID, c2.ID})
	require.NoError(t, err)
	assert.Len(t, trashed, 2)

	restored, err := s.BulkRestore(ctx, u.ID, []string{c2.ID})
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Nil(t, restored[0].DeletedAt)

	removed, err := s.BulkDelete(ctx, u.ID, []string{c1.ID, c2.ID})
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	for _, kind := range []Kind{KindCipher, KindAttachment} {
		ids, err := s.Index(ctx, kind, u.ID)
		require.NoError(t, err)
		assert.Empty(t, ids, kind)
	}
}

func TestCiphers_DeleteCascadesAttachments(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")
	keep := &Cipher{UserID: u.ID, Name: "keep"}
	drop := &Cipher{UserID: u.ID, Name: "drop"}
	require.NoError(t, s.SaveCipher(ctx, keep))
	require.NoError(t, s.SaveCipher(ctx, drop))

	kept := &Attachment{UserID: u.ID, CipherID: keep.ID, FileName: "k"}
	dropped := &Attachment{UserID: u.ID, CipherID: drop.ID, FileName: "d"}
	require.NoError(t, s.SaveAttachment(ctx, kept))
	require.NoError(t, s.SaveAttachment(ctx, dropped))

	removed, err := s.DeleteCipher(ctx, u.ID, drop.ID)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, dropped.ID, removed[0].ID)

	atts, err := s.ListAttachments(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, kept.ID, atts[0].ID)

	ids, err := s.Index(ctx, KindCipher, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, ids)
}

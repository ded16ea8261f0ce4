package vault

import (
	"context"
	"testing"
	"time"

	"github.com/jmcleod/ironward/storage/memory"
	"github.com/jmcleod/ironward/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVerifierParams = Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: 32}

func newTestStore(t *testing.T) (*Store, *memory.Store, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock()
	kv := memory.New(memory.WithClock(clock.Now))
	s := New(kv, WithClock(clock.Now), WithVerifierParams(testVerifierParams))
	return s, kv, clock
}

func createTestUser(t *testing.T, s *Store, email string) *User {
	t.Helper()
	u, err := s.CreateUser(t.Context(), NewUser{
		Email:    email,
		Name:     "Test User",
		Verifier: "verifier-" + email,
		Key:      "2.enc-key",
		KDF:      DefaultKDFParams(),
	})
	require.NoError(t, err)
	return u
}

func revision(t *testing.T, s *Store, userID string) time.Time {
	t.Helper()
	rev, err := s.RevisionDate(t.Context(), userID)
	require.NoError(t, err)
	return rev
}

func TestStore_GenericRecords(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.PutRecord(ctx, KindFolder, "f1", &Folder{ID: "f1", UserID: "u1", Name: "n"}))
	var f Folder
	require.NoError(t, s.GetRecord(ctx, KindFolder, "f1", &f))
	assert.Equal(t, "n", f.Name)

	require.NoError(t, s.DeleteRecord(ctx, KindFolder, "f1"))
	assert.ErrorIs(t, s.GetRecord(ctx, KindFolder, "f1", &f), ErrNotFound)
}

func TestStore_IndexMaintenance(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.AddToIndex(ctx, KindCipher, "u1", "a"))
	require.NoError(t, s.AddToIndex(ctx, KindCipher, "u1", "b"))
	require.NoError(t, s.AddToIndex(ctx, KindCipher, "u1", "a"))

	ids, err := s.Index(ctx, KindCipher, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.RemoveFromIndex(ctx, KindCipher, "u1", "a"))
	require.NoError(t, s.RemoveFromIndex(ctx, KindCipher, "u1", "missing"))
	ids, err = s.Index(ctx, KindCipher, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	other, err := s.Index(ctx, KindCipher, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_GetAllSkipsMissingRecords(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")

	c1 := &Cipher{UserID: u.ID, Name: "one"}
	c2 := &Cipher{UserID: u.ID, Name: "two"}
	require.NoError(t, s.SaveCipher(ctx, c1))
	require.NoError(t, s.SaveCipher(ctx, c2))

	// Simulate a record lost behind the index's back.
	require.NoError(t, s.DeleteRecord(ctx, KindCipher, c1.ID))

	ciphers, err := s.ListCiphers(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, ciphers, 1)
	assert.Equal(t, c2.ID, ciphers[0].ID)

	// The read does not repair the index.
	ids, err := s.Index(ctx, KindCipher, u.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, ids)

	removed, err := s.ReconcileIndex(ctx, KindCipher, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c1.ID}, removed)
	ids, err = s.Index(ctx, KindCipher, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c2.ID}, ids)

	removed, err = s.ReconcileIndex(ctx, KindCipher, u.ID)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestStore_ReconcileDropsForeignRecords(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	a := createTestUser(t, s, "a@example.com")
	b := createTestUser(t, s, "b@example.com")

	c := &Cipher{UserID: b.ID, Name: "b's"}
	require.NoError(t, s.SaveCipher(ctx, c))
	require.NoError(t, s.AddToIndex(ctx, KindCipher, a.ID, c.ID))

	removed, err := s.ReconcileIndex(ctx, KindCipher, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, removed)
}

func TestStore_RevisionDate(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := t.Context()

	t.Run("DefaultsToNow", func(t *testing.T) {
		rev := revision(t, s, "never-touched")
		assert.WithinDuration(t, clock.Now(), rev, time.Millisecond)
	})

	t.Run("TouchAlwaysAdvances", func(t *testing.T) {
		first, err := s.TouchRevisionDate(ctx, "u1")
		require.NoError(t, err)
		// The clock does not move between touches.
		second, err := s.TouchRevisionDate(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, second.After(first), "second touch %v should be after %v", second, first)
		assert.Equal(t, time.Millisecond, second.Sub(first))

		clock.Advance(time.Second)
		third, err := s.TouchRevisionDate(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, clock.Now().UTC().Truncate(time.Millisecond), third)
		assert.Equal(t, third, revision(t, s, "u1"))
	})
}

func TestStore_ReadsDoNotTouchRevision(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")
	c := &Cipher{UserID: u.ID, Name: "x"}
	require.NoError(t, s.SaveCipher(ctx, c))
	before := revision(t, s, u.ID)

	clock.Advance(time.Minute)
	_, err := s.GetCipher(ctx, u.ID, c.ID)
	require.NoError(t, err)
	_, err = s.ListCiphers(ctx, u.ID)
	require.NoError(t, err)
	_, err = s.ListFolders(ctx, u.ID)
	require.NoError(t, err)
	_, err = s.BuildSync(ctx, u.ID)
	require.NoError(t, err)

	assert.Equal(t, before, revision(t, s, u.ID))
}

// Every mutation must move the stamp forward even when the clock stands still.
func TestStore_MutationsAdvanceRevision(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s, "a@example.com")
	folder := &Folder{UserID: u.ID, Name: "f"}
	cipher := &Cipher{UserID: u.ID, Name: "c"}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"SaveFolder", func() error { return s.SaveFolder(ctx, folder) }},
		{"SaveCipher", func() error { return s.SaveCipher(ctx, cipher) }},
		{"UpdateCipher", func() error { cipher.Name = "c2"; return s.SaveCipher(ctx, cipher) }},
		{"PartialUpdate", func() error {
			_, err := s.PartialUpdateCipher(ctx, u.ID, cipher.ID, folder.ID, true)
			return err
		}},
		{"SoftDelete", func() error { _, err := s.SoftDeleteCipher(ctx, u.ID, cipher.ID); return err }},
		{"Restore", func() error { _, err := s.RestoreCipher(ctx, u.ID, cipher.ID); return err }},
		{"BulkMove", func() error { _, err := s.BulkMove(ctx, u.ID, []string{cipher.ID}, ""); return err }},
		{"BulkMoveNoneOwned", func() error { _, err := s.BulkMove(ctx, u.ID, []string{"nope"}, ""); return err }},
		{"BulkMoveEmpty", func() error { _, err := s.BulkMove(ctx, u.ID, nil, ""); return err }},
		{"BulkSoftDelete", func() error { _, err := s.BulkSoftDelete(ctx, u.ID, []string{cipher.ID}); return err }},
		{"BulkRestore", func() error { _, err := s.BulkRestore(ctx, u.ID, []string{cipher.ID}); return err }},
		{"SaveAttachment", func() error {
			return s.SaveAttachment(ctx, &Attachment{UserID: u.ID, CipherID: cipher.ID, FileName: "f", Size: 1})
		}},
		{"UpdateProfile", func() error {
			_, err := s.UpdateProfile(ctx, u.ID, ProfileUpdate{Name: "New"})
			return err
		}},
		{"RenameFolder", func() error { folder.Name = "g"; return s.SaveFolder(ctx, folder) }},
		{"DeleteFolder", func() error { return s.DeleteFolder(ctx, u.ID, folder.ID) }},
		{"DeleteCipher", func() error { _, err := s.DeleteCipher(ctx, u.ID, cipher.ID); return err }},
	}

	prev := revision(t, s, u.ID)
	for _, step := range steps {
		require.NoError(t, step.fn(), step.name)
		cur := revision(t, s, u.ID)
		assert.True(t, cur.After(prev), "%s: revision %v did not advance past %v", step.name, cur, prev)
		prev = cur
	}
}

func TestStore_FailedMutationLeavesNoTrace(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := t.Context()
	u := createTestUser(t, s, "a@example.com")
	before := revision(t, s, u.ID)

	err := s.SaveCipher(ctx, &Cipher{UserID: u.ID, Name: "x", FolderID: "no-such-folder"})
	assert.ErrorIs(t, err, ErrInvalidFolder)

	ids, err := s.Index(ctx, KindCipher, u.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, before, revision(t, s, u.ID))
}

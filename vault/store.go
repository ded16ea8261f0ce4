package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/ironward/internal/util"
	"github.com/jmcleod/ironward/storage"
)

// Store is the record store for users and their vault entities. Every
// mutation that writes a record, updates the owner's index and advances the
// owner's revision stamp does so inside a single storage transaction.
type Store struct {
	kv             storage.Store
	now            func() time.Time
	verifierParams Argon2idParams
}

// New returns a Store backed by kv.
func New(kv storage.Store, opts ...Option) *Store {
	s := &Store{
		kv:             kv,
		now:            time.Now,
		verifierParams: util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordKey(kind Kind, id string) string {
	return string(kind) + "/" + id
}

func indexKey(kind Kind, userID string) string {
	return "index/" + string(kind) + "/" + userID
}

func revisionKey(userID string) string {
	return "revision/" + userID
}

func readJSON(tx storage.Tx, key string, v any) error {
	data, err := tx.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func writeJSON(tx storage.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return tx.Put(key, data, 0)
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// GetRecord decodes the record of the given kind into v.
func (s *Store) GetRecord(ctx context.Context, kind Kind, id string, v any) error {
	data, err := s.kv.Get(ctx, recordKey(kind, id))
	if err != nil {
		return notFound(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", kind, id, err)
	}
	return nil
}

// PutRecord writes a record without touching indexes or the revision stamp.
func (s *Store) PutRecord(ctx context.Context, kind Kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", kind, id, err)
	}
	return s.kv.Put(ctx, recordKey(kind, id), data, 0)
}

// DeleteRecord removes a record without touching indexes or the revision stamp.
func (s *Store) DeleteRecord(ctx context.Context, kind Kind, id string) error {
	return s.kv.Delete(ctx, recordKey(kind, id))
}

// IndexIDs returns the ids in a user's index. A missing index is empty.
func IndexIDs(tx storage.Tx, kind Kind, userID string) ([]string, error) {
	var ids []string
	err := readJSON(tx, indexKey(kind, userID), &ids)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// IndexAdd adds id to a user's index within tx. Adding a present id is a no-op.
func IndexAdd(tx storage.Tx, kind Kind, userID, id string) error {
	ids, err := IndexIDs(tx, kind, userID)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return writeJSON(tx, indexKey(kind, userID), append(ids, id))
}

// IndexRemove removes id from a user's index within tx.
func IndexRemove(tx storage.Tx, kind Kind, userID, id string) error {
	ids, err := IndexIDs(tx, kind, userID)
	if err != nil {
		return err
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return nil
	}
	ids = slices.Delete(ids, i, i+1)
	if len(ids) == 0 {
		return tx.Delete(indexKey(kind, userID))
	}
	return writeJSON(tx, indexKey(kind, userID), ids)
}

func (s *Store) AddToIndex(ctx context.Context, kind Kind, userID, id string) error {
	return s.kv.Update(ctx, func(tx storage.Tx) error {
		return IndexAdd(tx, kind, userID, id)
	})
}

func (s *Store) RemoveFromIndex(ctx context.Context, kind Kind, userID, id string) error {
	return s.kv.Update(ctx, func(tx storage.Tx) error {
		return IndexRemove(tx, kind, userID, id)
	})
}

// Index returns the ids indexed for a user and kind.
func (s *Store) Index(ctx context.Context, kind Kind, userID string) ([]string, error) {
	data, err := s.kv.Get(ctx, indexKey(kind, userID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decoding %s index: %w", kind, err)
	}
	return ids, nil
}

// getAll resolves a user's index and fetches each member. Ids whose record
// is missing are skipped; the index itself is left as is.
func getAll[T any](ctx context.Context, s *Store, kind Kind, userID string) ([]*T, error) {
	ids, err := s.Index(ctx, kind, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		rec := new(T)
		err := s.GetRecord(ctx, kind, id, rec)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type ownerRef struct {
	UserID string `json:"user_id"`
}

// ReconcileIndex drops ids from a user's index whose record no longer exists
// or belongs to someone else. It returns the ids removed and is safe to run
// repeatedly.
func (s *Store) ReconcileIndex(ctx context.Context, kind Kind, userID string) ([]string, error) {
	var removed []string
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		removed = nil
		ids, err := IndexIDs(tx, kind, userID)
		if err != nil {
			return err
		}
		kept := make([]string, 0, len(ids))
		for _, id := range ids {
			var ref ownerRef
			err := readJSON(tx, recordKey(kind, id), &ref)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				removed = append(removed, id)
			case err != nil:
				return err
			case ref.UserID != userID:
				removed = append(removed, id)
			default:
				kept = append(kept, id)
			}
		}
		if len(removed) == 0 {
			return nil
		}
		if len(kept) == 0 {
			return tx.Delete(indexKey(kind, userID))
		}
		return writeJSON(tx, indexKey(kind, userID), kept)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RevisionDate returns the user's revision stamp, or the current time when
// the user has never been stamped.
func (s *Store) RevisionDate(ctx context.Context, userID string) (time.Time, error) {
	data, err := s.kv.Get(ctx, revisionKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return s.stampNow(), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return time.Time{}, fmt.Errorf("decoding revision date: %w", err)
	}
	return t, nil
}

// TouchRevisionDate advances the user's revision stamp and returns it.
func (s *Store) TouchRevisionDate(ctx context.Context, userID string) (time.Time, error) {
	var rev time.Time
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		var err error
		rev, err = s.touch(tx, userID)
		return err
	})
	return rev, err
}

func (s *Store) stampNow() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// touch advances the revision stamp within tx. The stamp has millisecond
// resolution and always moves forward, by 1ms if the clock has not.
func (s *Store) touch(tx storage.Tx, userID string) (time.Time, error) {
	next := s.stampNow()
	var prev time.Time
	err := readJSON(tx, revisionKey(userID), &prev)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return time.Time{}, err
	case !next.After(prev):
		next = prev.Add(time.Millisecond)
	}
	if err := writeJSON(tx, revisionKey(userID), next); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

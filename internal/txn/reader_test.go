package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

func dogModel(t *testing.T) *schema.Model {
	t.Helper()
	return mustModel(t, "V1", schema.Entity{
		Name:       "Dog",
		Properties: []schema.Property{schema.Attr("name", schema.TypeString)},
	})
}

func seedDogs(t *testing.T, s *store.Store, names ...string) []store.Key {
	t.Helper()
	keys := make([]store.Key, len(names))
	commit(t, s, func(w *Writer) error {
		for i, name := range names {
			k, err := w.Insert("Dog", map[string]any{"name": name})
			if err != nil {
				return err
			}
			keys[i] = k
		}
		return nil
	})
	return keys
}

func TestReader_SnapshotHidesLaterWrites(t *testing.T) {
	s := openTemp(t, dogModel(t))
	seedDogs(t, s, "rex")

	r, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	defer r.Close()

	seedDogs(t, s, "ace")

	n, err := r.Count("Dog", Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	recs, err := r.Fetch("Dog", Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, r.Refresh())
	n, err = r.Count("Dog", Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestReader_ConsistentAcrossCheckpoint(t *testing.T) {
	s := openTemp(t, dogModel(t))
	seedDogs(t, s, "rex", "ace", "bo")

	r, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	seedDogs(t, s, "gus")

	done := make(chan error, 1)
	go func() {
		_, err := s.Checkpoint(context.Background())
		done <- err
	}()

	// The held snapshot stays intact while the checkpoint is in
	// flight; the checkpoint waits the reader out rather than failing.
	for range 3 {
		n, err := r.Count("Dog", Query{})
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	}

	require.NoError(t, r.Close())
	require.NoError(t, <-done)

	r2, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	defer r2.Close()
	n, err := r2.Count("Dog", Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestReader_GetErrors(t *testing.T) {
	s := openTemp(t, dogModel(t))
	seedDogs(t, s, "rex")

	r, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get("Dog", 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("Cat", 1)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestReader_CloseThenRefreshReopens(t *testing.T) {
	s := openTemp(t, dogModel(t))
	seedDogs(t, s, "rex")

	r, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.NoError(t, r.Refresh())
	defer r.Close()
	n, err := r.Count("Dog", Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReader_WindowAndCount(t *testing.T) {
	s := openTemp(t, dogModel(t))
	keys := seedDogs(t, s, "a", "b", "c", "d", "e")

	r, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.Fetch("Dog", Query{
		OrderBy: []Order{{Field: "name"}},
		Limit:   2,
		Offset:  1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, keys[1], recs[0].Key)
	assert.Equal(t, keys[2], recs[1].Key)

	// Count ignores ordering and the window but honors the filter.
	n, err := r.Count("Dog", Query{OrderBy: []Order{{Field: "name"}}, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	n, err = r.Count("Dog", Query{Where: Ge{Field: "name", Value: "c"}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestReader_RelatedFollowsEdges(t *testing.T) {
	s := openTemp(t, kennelModel(t, schema.Nullify))

	var p, a store.Key
	commit(t, s, func(w *Writer) error {
		var err error
		if p, err = w.Insert("Person", map[string]any{"name": "ada"}); err != nil {
			return err
		}
		a, err = w.Insert("Animal", map[string]any{"species": "dog", "master": p})
		return err
	})

	r, err := NewReader(context.Background(), s)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Related("Person", p, "pets")
	require.NoError(t, err)
	assert.Equal(t, []store.Key{a}, got)

	// A to-one edge reads as zero or one key.
	got, err = r.Related("Animal", a, "master")
	require.NoError(t, err)
	assert.Equal(t, []store.Key{p}, got)

	_, err = r.Related("Person", p, "name")
	assert.ErrorContains(t, err, "not edges")
	_, err = r.Related("Person", p, "friends")
	assert.ErrorIs(t, err, ErrUnknownProperty)
	_, err = r.Related("Person", 99, "pets")
	assert.ErrorIs(t, err, ErrNotFound)

	commit(t, s, func(w *Writer) error {
		return w.Update("Animal", a, map[string]any{"master": nil})
	})
	require.NoError(t, r.Refresh())
	got, err = r.Related("Animal", a, "master")
	require.NoError(t, err)
	assert.Empty(t, got)
}

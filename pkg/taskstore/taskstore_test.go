package taskstore

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	s := OpenMemory(0)

	require.NoError(t, s.Set("a", map[string]any{"v": 1}))
	var got map[string]any
	ok, err := s.Get("a", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(1), got["v"])

	require.NoError(t, s.Delete("a"))
	require.False(t, s.Contains("a"))

	err = s.Delete("a")
	var cerr *concierr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, concierr.KindKeyMissing, cerr.Kind)
}

func TestCapacityEvictsOnlyTagged(t *testing.T) {
	s := OpenMemory(2)

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	// At capacity, no tagged entry: insert fails.
	err := s.Set("c", 3)
	var cerr *concierr.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, concierr.KindFullCapacity, cerr.Kind)

	s.TagForRemoval("a")
	require.NoError(t, s.Set("c", 3))

	require.False(t, s.Contains("a"))
	require.Equal(t, []string{"b", "c"}, s.Keys())
}

func TestUpdateExistingKeyNeverEvictsAndClearsTag(t *testing.T) {
	s := OpenMemory(1)
	require.NoError(t, s.Set("a", 1))
	s.TagForRemoval("a")

	require.NoError(t, s.Set("a", 2))

	var got int
	ok, err := s.Get("a", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got)

	// Tag was cleared by the update, so a's removal doesn't happen
	// just because a new key wants in; a new key insert must still
	// fail since nothing is tagged any more.
	err = s.Set("b", 1)
	require.ErrorAs(t, err, new(*concierr.Error))
}

func TestFIFOAmongTaggedKeys(t *testing.T) {
	s := OpenMemory(3)
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Set("c", 3))

	s.TagForRemoval("b")
	s.TagForRemoval("a")

	// "b" was tagged first but "a" is older in insertion order; FIFO
	// among tagged keys evicts the oldest insertion, i.e. "a".
	require.NoError(t, s.Set("d", 4))
	require.False(t, s.Contains("a"))
	require.True(t, s.Contains("b"))
	require.Equal(t, []string{"b", "c", "d"}, s.Keys())
}

func TestNewestOldestAndItemsReversed(t *testing.T) {
	s := OpenMemory(0)
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Set("c", 3))

	newest, ok := s.Newest()
	require.True(t, ok)
	require.Equal(t, "c", newest)

	oldest, ok := s.OldestKey()
	require.True(t, ok)
	require.Equal(t, "a", oldest)

	var seen []string
	require.NoError(t, s.ItemsReversed(func(key string, _ json.RawMessage) error {
		seen = append(seen, key)
		return nil
	}))
	require.Equal(t, []string{"c", "b", "a"}, seen)
}

func TestFileBackedRestoresOrderFilteredToPresentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")

	s, err := OpenFile(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", map[string]any{"v": 1}))
	require.NoError(t, s.Set("b", map[string]any{"v": 2}))
	s.TagForRemoval("a")
	require.NoError(t, s.Close())

	// Re-open; restored order must match, with tag state intact.
	s2, err := OpenFile(path, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, s2.Keys())

	require.NoError(t, s2.Set("c", map[string]any{"v": 3}))
	require.False(t, s2.Contains("a"))
	require.NoError(t, s2.Close())
}

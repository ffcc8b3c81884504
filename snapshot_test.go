package huddle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSnapshots(t *testing.T) *PebbleSnapshotStore {
	t.Helper()
	s, err := OpenPebbleSnapshotStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotKeyRoundTrip(t *testing.T) {
	keys := []WindowKey{
		chanKey("c1"),
		{ChannelID: "c1", ThreadID: "root", Limit: 20, Offset: 3},
		{ChannelID: "odd\x00channel", BeforeMessageID: "m\"9", AfterMessageID: "m1"},
	}
	for _, k := range keys {
		got, err := parseSnapshotKey(snapshotKey(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := parseSnapshotKey([]byte("other:key"))
	assert.Error(t, err)
	_, err = parseSnapshotKey([]byte(snapshotPrefix + "\"c1\""))
	assert.Error(t, err)
}

func TestPebbleSnapshotStore(t *testing.T) {
	s := openTestSnapshots(t)
	key := chanKey("c1")

	msgs, err := s.Load(key)
	require.NoError(t, err)
	assert.Nil(t, msgs, "nothing saved yet")

	saved := makePage("c1", 2)
	require.NoError(t, s.Save(key, saved))
	require.NoError(t, s.Save(WindowKey{ChannelID: "c1", ThreadID: "m01", Limit: 50}, saved[:1]))

	msgs, err = s.Load(key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m02", msgs[1].ID)
	assert.True(t, msgs[1].CreatedAt.Equal(saved[1].CreatedAt))

	windows, err := s.Windows()
	require.NoError(t, err)
	assert.ElementsMatch(t, []WindowKey{key, {ChannelID: "c1", ThreadID: "m01", Limit: 50}}, windows)

	require.NoError(t, s.Save(key, nil))
	msgs, err = s.Load(key)
	require.NoError(t, err)
	assert.Nil(t, msgs, "an empty save deletes")
}

func TestPebbleSnapshotStoreClosed(t *testing.T) {
	s := openTestSnapshots(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice")

	_, err := s.Load(chanKey("c1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Save(chanKey("c1"), nil), ErrClosed)
	_, err = s.Windows()
	assert.ErrorIs(t, err, ErrClosed)
}

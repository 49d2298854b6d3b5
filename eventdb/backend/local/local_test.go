package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cedricziel/errata/eventdb/backend"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(&Config{Path: t.TempDir()})
	require.NoError(t, err)
	return b
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
}

func TestWriteOpenRoundTrip(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	payload := []byte("hello columnar world")
	require.NoError(t, b.Write(ctx, "organization_id=o/project_id=p/event_type=log/dt=2025-06-01/events_120000_a.parquet", bytes.NewReader(payload), int64(len(payload))))

	rc, size, err := b.Open(ctx, "organization_id=o/project_id=p/event_type=log/dt=2025-06-01/events_120000_a.parquet")
	require.NoError(t, err)
	defer rc.Close()

	require.Equal(t, int64(len(payload)), size)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOpenMissingReturnsDoesNotExist(t *testing.T) {
	b := testBackend(t)
	_, _, err := b.Open(context.Background(), "nope/missing.parquet")
	require.ErrorIs(t, err, backend.ErrDoesNotExist)
}

func TestListAndListPrefixes(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "organization_id=o/project_id=p/event_type=log/dt=2025-06-01/events_a.parquet", bytes.NewReader([]byte("a")), 1))
	require.NoError(t, b.Write(ctx, "organization_id=o/project_id=p/event_type=log/dt=2025-06-01/events_b.parquet", bytes.NewReader([]byte("bb")), 2))
	require.NoError(t, b.Write(ctx, "organization_id=o/project_id=p/event_type=crash/dt=2025-06-01/events_c.parquet", bytes.NewReader([]byte("c")), 1))

	files, err := b.List(ctx, "organization_id=o/project_id=p/event_type=log/dt=2025-06-01")
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		require.NotEmpty(t, f.Name)
		require.Contains(t, f.Path, "dt=2025-06-01/")
		require.Greater(t, f.Size, int64(0))
	}

	prefixes, err := b.ListPrefixes(ctx, "organization_id=o/project_id=p")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"event_type=log", "event_type=crash"}, prefixes)

	// missing directories read as empty, not as an error
	files, err = b.List(ctx, "organization_id=missing")
	require.NoError(t, err)
	require.Empty(t, files)

	prefixes, err = b.ListPrefixes(ctx, "organization_id=missing")
	require.NoError(t, err)
	require.Empty(t, prefixes)
}

func TestRemoveAndExists(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "a/b.parquet", bytes.NewReader([]byte("x")), 1))

	ok, err := b.Exists(ctx, "a/b.parquet")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Remove(ctx, "a/b.parquet"))

	ok, err = b.Exists(ctx, "a/b.parquet")
	require.NoError(t, err)
	require.False(t, ok)

	// removing a missing object is not an error
	require.NoError(t, b.Remove(ctx, "a/b.parquet"))
}

func TestListSkipsDirectories(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "top/nested/file.parquet", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, b.Write(ctx, "top/file.parquet", bytes.NewReader([]byte("y")), 1))

	files, err := b.List(ctx, "top")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "file.parquet", files[0].Name)
}

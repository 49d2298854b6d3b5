package compactor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/eventdb/backend/local"
	"github.com/cedricziel/errata/eventdb/partition"
	"github.com/cedricziel/errata/eventdb/reader"
	"github.com/cedricziel/errata/eventdb/schema"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/pkg/lock"
)

func strp(s string) *string { return &s }

func testStore(t *testing.T) (backend.Backend, *writer.Writer) {
	t.Helper()
	be, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	return be, writer.New(&writer.Config{BatchSize: 100}, be, log.NewNopLogger())
}

func makeEvents(n int, offset int) []*schema.WideEvent {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	events := make([]*schema.WideEvent, n)
	for i := range events {
		events[i] = &schema.WideEvent{
			EventID:        schemaID(offset + i),
			Timestamp:      ts + int64(offset+i),
			OrganizationID: strp("o1"),
			ProjectID:      "p1",
			EventType:      "log",
			Severity:       strp("info"),
		}
	}
	return events
}

func schemaID(i int) string {
	return fmt.Sprintf("ev-%04d", i)
}

func partitionPath() string {
	return partition.Key{OrganizationID: "o1", ProjectID: "p1", EventType: "log", Date: "2025-06-01"}.Path()
}

func TestCompactionConservesEvents(t *testing.T) {
	be, w := testStore(t)
	ctx := context.Background()

	// three live files of 10 events each
	for i := 0; i < 3; i++ {
		_, err := w.WriteEvents(ctx, makeEvents(10, i*10))
		require.NoError(t, err)
	}

	rd := reader.New(be, log.NewNopLogger())
	before, err := rd.CountEvents(ctx, reader.Params{OrganizationID: "o1"})
	require.NoError(t, err)
	require.Equal(t, 30, before)

	c := New(&Config{}, be, lock.NewMemoryLocker(), log.NewNopLogger())
	summary, err := c.Run(ctx, Selector{OrganizationID: "o1", ProjectID: "p1", EventType: "log", Date: "2025-06-01"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Compacted)
	require.Equal(t, 30, summary.Events)
	require.Zero(t, summary.Errors)

	// sources replaced by block files, not a single live file left
	files, err := be.List(ctx, partitionPath())
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		require.True(t, partition.IsBlockFile(f.Name), "unexpected file %s", f.Name)
	}

	after, err := rd.CountEvents(ctx, reader.Params{OrganizationID: "o1"})
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCompactionSkipsLockedPartition(t *testing.T) {
	be, w := testStore(t)
	ctx := context.Background()

	_, err := w.WriteEvents(ctx, makeEvents(5, 0))
	require.NoError(t, err)

	locker := lock.NewMemoryLocker()
	handle, err := locker.Acquire(ctx, LockName(partitionPath()), time.Minute)
	require.NoError(t, err)

	c := New(&Config{}, be, locker, log.NewNopLogger())
	summary, err := c.Run(ctx, Selector{OrganizationID: "o1", ProjectID: "p1", EventType: "log", Date: "2025-06-01"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Compacted)

	// sources untouched while the other holder works
	files, err := be.List(ctx, partitionPath())
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.True(t, partition.IsEventFile(files[0].Name))

	require.NoError(t, handle.Release(ctx))

	summary, err = c.Run(ctx, Selector{OrganizationID: "o1", ProjectID: "p1", EventType: "log", Date: "2025-06-01"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Compacted)
}

func TestCompactionIdempotentOnBlocks(t *testing.T) {
	be, w := testStore(t)
	ctx := context.Background()

	_, err := w.WriteEvents(ctx, makeEvents(5, 0))
	require.NoError(t, err)

	c := New(&Config{}, be, lock.NewMemoryLocker(), log.NewNopLogger())
	sel := Selector{OrganizationID: "o1", ProjectID: "p1", EventType: "log", Date: "2025-06-01"}

	summary, err := c.Run(ctx, sel)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Compacted)

	// a second run finds no live files and rewrites nothing
	summary, err = c.Run(ctx, sel)
	require.NoError(t, err)
	require.Zero(t, summary.Events)

	rd := reader.New(be, log.NewNopLogger())
	n, err := rd.CountEvents(ctx, reader.Params{OrganizationID: "o1"})
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestEnumeratePartitions(t *testing.T) {
	be, w := testStore(t)
	ctx := context.Background()

	_, err := w.WriteEvents(ctx, makeEvents(2, 0))
	require.NoError(t, err)
	_, err = w.WriteEvents(ctx, []*schema.WideEvent{{
		EventID: "x-1", Timestamp: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC).UnixMilli(),
		OrganizationID: strp("o2"), ProjectID: "p9", EventType: "crash",
	}})
	require.NoError(t, err)

	c := New(&Config{}, be, lock.NewMemoryLocker(), log.NewNopLogger())

	paths, err := c.enumeratePartitions(ctx, Selector{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"organization_id=o1/project_id=p1/event_type=log/dt=2025-06-01",
		"organization_id=o2/project_id=p9/event_type=crash/dt=2025-06-02",
	}, paths)

	paths, err = c.enumeratePartitions(ctx, Selector{OrganizationID: "o2"})
	require.NoError(t, err)
	require.Equal(t, []string{"organization_id=o2/project_id=p9/event_type=crash/dt=2025-06-02"}, paths)
}

func TestEstimateRowsPerBlockBounds(t *testing.T) {
	c := New(&Config{MaxBlockBytes: 1024}, nil, nil, log.NewNopLogger())

	events := make([]schema.WideEvent, 10)
	for i := range events {
		events[i] = schema.WideEvent{EventID: "ev", Timestamp: 1, ProjectID: "p", EventType: "log"}
	}

	rows := c.estimateRowsPerBlock(events)
	require.GreaterOrEqual(t, rows, minRowsPerBlock)
	require.LessOrEqual(t, rows, maxRowsPerBlock)
}

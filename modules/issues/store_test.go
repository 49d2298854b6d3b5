package issues

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cedricziel/errata/pkg/apierror"
)

func seen(at time.Time) Seen {
	return Seen{
		ProjectID:   "p1",
		Fingerprint: "fp-a",
		At:          at,
		Type:        "crash",
		Severity:    "fatal",
		Title:       "SIGSEGV",
	}
}

func TestUpsertCreatesOpenIssue(t *testing.T) {
	s := NewMemoryStore()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	issue, err := s.Upsert(context.Background(), seen(at))
	require.NoError(t, err)

	require.Equal(t, StatusOpen, issue.Status)
	require.Equal(t, int64(1), issue.EventCount)
	require.Equal(t, at, issue.FirstSeenAt)
	require.Equal(t, at, issue.LastSeenAt)
	require.Equal(t, "SIGSEGV", issue.Title)
}

func TestUpsertBumpsExistingIssue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Upsert(ctx, seen(at))
	require.NoError(t, err)

	later := seen(at.Add(time.Hour))
	later.Severity = "error"
	issue, err := s.Upsert(ctx, later)
	require.NoError(t, err)

	require.Equal(t, int64(2), issue.EventCount)
	require.Equal(t, at, issue.FirstSeenAt)
	require.Equal(t, at.Add(time.Hour), issue.LastSeenAt)
	require.Equal(t, "error", issue.Severity)

	// late-arriving older events extend first_seen backwards only
	earlier := seen(at.Add(-time.Hour))
	issue, err = s.Upsert(ctx, earlier)
	require.NoError(t, err)
	require.Equal(t, int64(3), issue.EventCount)
	require.Equal(t, at.Add(-time.Hour), issue.FirstSeenAt)
	require.Equal(t, at.Add(time.Hour), issue.LastSeenAt)
}

func TestUpsertNeverRevertsManualStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Now().UTC()

	_, err := s.Upsert(ctx, seen(at))
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, "p1", "fp-a", StatusResolved)
	require.NoError(t, err)

	issue, err := s.Upsert(ctx, seen(at.Add(time.Minute)))
	require.NoError(t, err)
	require.Equal(t, StatusResolved, issue.Status)
	require.Equal(t, int64(2), issue.EventCount)
}

func TestUpsertValidation(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Upsert(context.Background(), Seen{Fingerprint: "fp"})
	require.True(t, apierror.Is(err, apierror.KindValidation))
	_, err = s.Upsert(context.Background(), Seen{ProjectID: "p1"})
	require.True(t, apierror.Is(err, apierror.KindValidation))
}

func TestGetAndUpdateStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "p1", "fp-a")
	require.True(t, apierror.Is(err, apierror.KindNotFound))

	_, err = s.Upsert(ctx, seen(time.Now().UTC()))
	require.NoError(t, err)

	issue, err := s.UpdateStatus(ctx, "p1", "fp-a", StatusIgnored)
	require.NoError(t, err)
	require.Equal(t, StatusIgnored, issue.Status)

	_, err = s.UpdateStatus(ctx, "p1", "fp-a", "archived")
	require.True(t, apierror.Is(err, apierror.KindValidation))

	_, err = s.UpdateStatus(ctx, "p1", "fp-missing", StatusOpen)
	require.True(t, apierror.Is(err, apierror.KindNotFound))
}

func TestListOrdersByLastSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, fp := range []string{"fp-old", "fp-new", "fp-mid"} {
		sn := seen(base.Add(time.Duration(i) * time.Minute))
		sn.Fingerprint = fp
		switch fp {
		case "fp-old":
			sn.At = base
		case "fp-mid":
			sn.At = base.Add(time.Minute)
		case "fp-new":
			sn.At = base.Add(2 * time.Minute)
		}
		_, err := s.Upsert(ctx, sn)
		require.NoError(t, err)
	}

	// another project stays out of the listing
	other := seen(base)
	other.ProjectID = "p2"
	_, err := s.Upsert(ctx, other)
	require.NoError(t, err)

	list, err := s.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "fp-new", list[0].Fingerprint)
	require.Equal(t, "fp-mid", list[1].Fingerprint)
	require.Equal(t, "fp-old", list[2].Fingerprint)
}

func TestReturnedIssuesAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	issue, err := s.Upsert(ctx, seen(time.Now().UTC()))
	require.NoError(t, err)
	issue.Status = "mangled"

	got, err := s.Get(ctx, "p1", "fp-a")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, got.Status)
}

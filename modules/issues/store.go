// Package issues maintains the Issue aggregate: one record per
// (project, fingerprint) summarizing every event that shares the
// fingerprint.
package issues

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/pkg/apierror"
)

// Issue statuses. Upsert only ever creates open issues; resolved and
// ignored are manual transitions that event flow never reverts.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusIgnored  = "ignored"
)

var metricUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "errata",
	Name:      "issue_upserts_total",
	Help:      "Issue upserts by effect.",
}, []string{"effect"})

type Issue struct {
	ProjectID   string    `json:"projectId"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	EventCount  int64     `json:"eventCount"`
	Status      string    `json:"status"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
}

// Seen describes one event observation feeding an upsert.
type Seen struct {
	ProjectID   string
	Fingerprint string
	At          time.Time
	Type        string
	Severity    string
	Title       string
}

type Store interface {
	// Upsert records one event observation: the first observation of a
	// fingerprint creates an open issue, later ones bump last_seen and
	// the count without touching status.
	Upsert(ctx context.Context, seen Seen) (*Issue, error)
	Get(ctx context.Context, projectID, fingerprint string) (*Issue, error)
	List(ctx context.Context, projectID string) ([]*Issue, error)
	UpdateStatus(ctx context.Context, projectID, fingerprint, status string) (*Issue, error)
}

type issueKey struct {
	projectID   string
	fingerprint string
}

// MemoryStore keeps issues in process memory. The Store interface is
// the seam for a database-backed implementation.
type MemoryStore struct {
	mtx    sync.RWMutex
	issues map[issueKey]*Issue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{issues: make(map[issueKey]*Issue)}
}

func validStatus(status string) bool {
	switch status {
	case StatusOpen, StatusResolved, StatusIgnored:
		return true
	}
	return false
}

func (s *MemoryStore) Upsert(_ context.Context, seen Seen) (*Issue, error) {
	if seen.ProjectID == "" || seen.Fingerprint == "" {
		return nil, apierror.New(apierror.KindValidation, "issue upsert requires project_id and fingerprint")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := issueKey{projectID: seen.ProjectID, fingerprint: seen.Fingerprint}
	issue, ok := s.issues[key]
	if !ok {
		issue = &Issue{
			ProjectID:   seen.ProjectID,
			Fingerprint: seen.Fingerprint,
			FirstSeenAt: seen.At,
			LastSeenAt:  seen.At,
			EventCount:  1,
			Status:      StatusOpen,
			Type:        seen.Type,
			Severity:    seen.Severity,
			Title:       seen.Title,
		}
		s.issues[key] = issue
		metricUpserts.WithLabelValues("created").Inc()
		out := *issue
		return &out, nil
	}

	issue.EventCount++
	if seen.At.After(issue.LastSeenAt) {
		issue.LastSeenAt = seen.At
		if seen.Severity != "" {
			issue.Severity = seen.Severity
		}
		if seen.Title != "" {
			issue.Title = seen.Title
		}
	}
	if seen.At.Before(issue.FirstSeenAt) {
		issue.FirstSeenAt = seen.At
	}
	metricUpserts.WithLabelValues("updated").Inc()
	out := *issue
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, projectID, fingerprint string) (*Issue, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	issue, ok := s.issues[issueKey{projectID: projectID, fingerprint: fingerprint}]
	if !ok {
		return nil, apierror.Newf(apierror.KindNotFound, "issue %s not found in project %s", fingerprint, projectID)
	}
	out := *issue
	return &out, nil
}

// List returns the project's issues ordered by last_seen descending.
func (s *MemoryStore) List(_ context.Context, projectID string) ([]*Issue, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*Issue
	for key, issue := range s.issues {
		if key.projectID != projectID {
			continue
		}
		cp := *issue
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, projectID, fingerprint, status string) (*Issue, error) {
	if !validStatus(status) {
		return nil, apierror.Newf(apierror.KindValidation, "invalid issue status %q", status)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	issue, ok := s.issues[issueKey{projectID: projectID, fingerprint: fingerprint}]
	if !ok {
		return nil, apierror.Newf(apierror.KindNotFound, "issue %s not found in project %s", fingerprint, projectID)
	}
	issue.Status = status
	out := *issue
	return &out, nil
}

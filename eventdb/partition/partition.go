// Package partition implements the Hive-style partition grammar of the
// event store:
//
//	organization_id=<OID>/project_id=<PID>/event_type=<T>/dt=<YYYY-MM-DD>/
//
// and the two file name classes living under it, live event files and
// compacted block files.
package partition

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cedricziel/errata/pkg/util"
)

const (
	DateLayout = "2006-01-02"
	timeLayout = "150405"

	segOrganization = "organization_id="
	segProject      = "project_id="
	segEventType    = "event_type="
	segDate         = "dt="

	eventFilePrefix = "events_"
	blockFilePrefix = "block_"
	fileSuffix      = ".parquet"
)

// Key identifies one partition.
type Key struct {
	OrganizationID string
	ProjectID      string
	EventType      string
	Date           string // YYYY-MM-DD, UTC
}

// KeyForEvent derives the partition key for an event's attributes. The
// date is the UTC day of the millisecond timestamp.
func KeyForEvent(organizationID, projectID, eventType string, timestampMillis int64) Key {
	return Key{
		OrganizationID: organizationID,
		ProjectID:      projectID,
		EventType:      eventType,
		Date:           time.UnixMilli(timestampMillis).UTC().Format(DateLayout),
	}
}

// Path renders the partition directory path, without trailing slash.
func (k Key) Path() string {
	return segOrganization + k.OrganizationID +
		"/" + segProject + k.ProjectID +
		"/" + segEventType + k.EventType +
		"/" + segDate + k.Date
}

// ParsePath parses a partition directory path back into a Key.
func ParsePath(p string) (Key, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 4 {
		return Key{}, errors.Errorf("not a partition path: %s", p)
	}

	var k Key
	for i, seg := range []string{segOrganization, segProject, segEventType, segDate} {
		if !strings.HasPrefix(parts[i], seg) {
			return Key{}, errors.Errorf("unexpected segment %q in partition path %s", parts[i], p)
		}
		val := strings.TrimPrefix(parts[i], seg)
		switch i {
		case 0:
			k.OrganizationID = val
		case 1:
			k.ProjectID = val
		case 2:
			k.EventType = val
		case 3:
			k.Date = val
		}
	}
	return k, nil
}

// EventFileName returns a fresh live-file name, events_<HHMMSS>_<uuidv7>.parquet.
// The UUIDv7 suffix makes concurrent writers collision-free.
func EventFileName(at time.Time) string {
	return fmt.Sprintf("%s%s_%s%s", eventFilePrefix, at.UTC().Format(timeLayout), util.NewUUIDv7(), fileSuffix)
}

// BlockFileName returns a fresh compacted-block name,
// block_<HHMMSS>_<idx2>_<uuidv7>.parquet.
func BlockFileName(at time.Time, idx int) string {
	return fmt.Sprintf("%s%s_%02d_%s%s", blockFilePrefix, at.UTC().Format(timeLayout), idx, util.NewUUIDv7(), fileSuffix)
}

// IsDataFile reports whether name is a columnar file of either class.
func IsDataFile(name string) bool {
	return strings.HasSuffix(name, fileSuffix) &&
		(strings.HasPrefix(name, eventFilePrefix) || strings.HasPrefix(name, blockFilePrefix))
}

// IsEventFile reports whether name is a live-written event file, the
// input class of compaction.
func IsEventFile(name string) bool {
	return strings.HasPrefix(name, eventFilePrefix) && strings.HasSuffix(name, fileSuffix)
}

// IsBlockFile reports whether name is a compacted block file.
func IsBlockFile(name string) bool {
	return strings.HasPrefix(name, blockFilePrefix) && strings.HasSuffix(name, fileSuffix)
}

// EnumerateDates lists every UTC day in [from, to], inclusive on both
// ends. Used by the pruner instead of wildcarding dt= so the backend
// can skip whole days. Returns nil when to < from.
func EnumerateDates(fromMillis, toMillis int64) []string {
	if toMillis < fromMillis {
		return nil
	}

	from := time.UnixMilli(fromMillis).UTC().Truncate(24 * time.Hour)
	to := time.UnixMilli(toMillis).UTC()

	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates
}

package daemon

import (
	"encoding/json"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/config"
)

// ActivityEntry is a single structured activity record.
type ActivityEntry struct {
	Timestamp time.Time         `json:"ts"`
	Event     string            `json:"event"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// ActivityLog writes structured entries to a JSONL file and keeps an
// in-memory ring buffer for the /api/activity endpoint.
type ActivityLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	recent   []ActivityEntry
	writeIdx int
	count    int
}

const activityLogCapacity = 200

// maxActivityLogSize is the threshold at which the log file is
// removed on open. Entries are ~200 bytes, so this covers months of
// typical daemon activity.
const maxActivityLogSize = 5 * 1024 * 1024

// DefaultActivityLogPath returns the default path for the activity log.
func DefaultActivityLogPath() string {
	return filepath.Join(config.DataDir(), "activity.log")
}

// NewActivityLog creates an activity log writer. An oversized
// existing file is discarded rather than rotated.
func NewActivityLog(path string) (*ActivityLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.Size() > maxActivityLogSize {
		if err := os.Remove(path); err != nil {
			log.Printf("Activity log: failed to truncate %s: %v", path, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &ActivityLog{
		file:   file,
		path:   path,
		recent: make([]ActivityEntry, activityLogCapacity),
	}, nil
}

// Log writes an entry to both the file and the ring buffer. The
// details map is copied; callers may reuse it afterwards.
func (a *ActivityLog) Log(event, component, message string, details map[string]string) {
	if a == nil {
		return
	}
	entry := ActivityEntry{
		Timestamp: time.Now(),
		Event:     event,
		Component: component,
		Message:   message,
		Details:   copyDetails(details),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			_, _ = a.file.Write(data)
			_, _ = a.file.Write([]byte("\n"))
		}
	}

	a.recent[a.writeIdx] = entry
	a.writeIdx = (a.writeIdx + 1) % activityLogCapacity
	if a.count < activityLogCapacity {
		a.count++
	}
}

// Recent returns up to n entries, newest first.
func (a *ActivityLog) Recent(n int) []ActivityEntry {
	if a == nil || n <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.count {
		n = a.count
	}
	result := make([]ActivityEntry, 0, n)
	readIdx := (a.writeIdx - 1 + activityLogCapacity) % activityLogCapacity
	for i := 0; i < n; i++ {
		e := a.recent[readIdx]
		e.Details = copyDetails(e.Details)
		result = append(result, e)
		readIdx = (readIdx - 1 + activityLogCapacity) % activityLogCapacity
	}
	return result
}

// Close closes the underlying file.
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

func copyDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	maps.Copy(cp, m)
	return cp
}

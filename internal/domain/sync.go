package domain

import (
	"strconv"
	"time"
)

// SyncEvent announces the outcome of one partition sync to other listeners.
type SyncEvent struct {
	RunID     string     `json:"run_id"`
	Type      RecordType `json:"type"`
	Year      int        `json:"year"`
	Success   bool       `json:"success"`
	Count     int        `json:"count"`
	Kind      Kind       `json:"kind,omitempty"`
	Source    string     `json:"source"`
	Timestamp time.Time  `json:"timestamp"`
}

// Key identifies the partition, e.g. "camp-2025".
func (e SyncEvent) Key() string {
	return string(e.Type) + "-" + strconv.Itoa(e.Year)
}

// Package journal provides a bounded in-memory journal of ingestion errors.
//
// Every failed connect, receive, or store write lands here with its source
// and attempt context. The journal is a fixed-capacity FIFO: once full, the
// oldest record is evicted. Records are immutable after append except for
// the resolved flag, which a successful retry flips for its source.
package journal

import (
	"sync"
	"time"
)

// Record is one journaled error occurrence.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"error_message"`
	Source    string         `json:"source"`
	Context   map[string]any `json:"context,omitempty"`
	Attempt   int            `json:"attempt"`
	Resolved  bool           `json:"resolved"`
}

// Journal is a bounded FIFO of error records with running per-type counts.
// Safe for concurrent use from any goroutine.
type Journal struct {
	mu         sync.RWMutex
	records    []Record
	maxRecords int
	typeCounts map[string]int64
}

// DefaultCapacity bounds the journal when no capacity is given.
const DefaultCapacity = 1000

// New creates a journal holding at most maxRecords entries.
func New(maxRecords int) *Journal {
	if maxRecords < 1 {
		maxRecords = DefaultCapacity
	}
	return &Journal{
		records:    make([]Record, 0, maxRecords),
		maxRecords: maxRecords,
		typeCounts: make(map[string]int64),
	}
}

// Append records an error occurrence. The oldest record is evicted when the
// journal is at capacity. Returns the appended record.
func (j *Journal) Append(source, errorType, message string, attempt int, context map[string]any) Record {
	rec := Record{
		Timestamp: time.Now(),
		ErrorType: errorType,
		Message:   message,
		Source:    source,
		Context:   context,
		Attempt:   attempt,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.records) == j.maxRecords {
		j.records = j.records[1:]
	}
	j.records = append(j.records, rec)
	j.typeCounts[errorType]++

	return rec
}

// Resolve marks all unresolved records for a source as resolved. Returns the
// number of records flipped.
func (j *Journal) Resolve(source string) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	resolved := 0
	for i := range j.records {
		if j.records[i].Source == source && !j.records[i].Resolved {
			j.records[i].Resolved = true
			resolved++
		}
	}
	return resolved
}

// Query filters journal records. Zero-valued fields match everything.
type Query struct {
	Source    string
	ErrorType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Find returns records matching the query, oldest first.
func (j *Journal) Find(q Query) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Record
	for _, rec := range j.records {
		if q.Source != "" && rec.Source != q.Source {
			continue
		}
		if q.ErrorType != "" && rec.ErrorType != q.ErrorType {
			continue
		}
		if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Recent returns up to n of the newest records, newest first.
func (j *Journal) Recent(n int) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > len(j.records) {
		n = len(j.records)
	}
	out := make([]Record, 0, n)
	for i := len(j.records) - 1; i >= len(j.records)-n; i-- {
		out = append(out, j.records[i])
	}
	return out
}

// CountByType returns the running per-type counts. Counts survive eviction:
// they reflect everything ever appended, not just retained records.
func (j *Journal) CountByType() map[string]int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make(map[string]int64, len(j.typeCounts))
	for k, v := range j.typeCounts {
		out[k] = v
	}
	return out
}

// Len returns the number of retained records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// LastErrorTime returns the timestamp of the newest record for a source, or
// the zero time if the source has no records.
func (j *Journal) LastErrorTime(source string) time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i := len(j.records) - 1; i >= 0; i-- {
		if j.records[i].Source == source {
			return j.records[i].Timestamp
		}
	}
	return time.Time{}
}

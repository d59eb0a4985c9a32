package core

import (
	"time"
)

// Status classifies the outcome of a serial check.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusNotFound Status = "not_found"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusSuccess, StatusFailure, StatusNotFound}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusNotFound:
		return true
	}
	return false
}

// Verdict texts sent back to the end user. These are the only strings the
// inbound channel ever receives from the engine.
const (
	VerdictValid    = "serial is valid"
	VerdictInvalid  = "serial is invalid"
	VerdictNotFound = "cannot find serial"
)

// Verdict is the classified result of a serial check.
type Verdict struct {
	Text       string `json:"verdict"`
	Status     Status `json:"status"`
	Normalized string `json:"normalized,omitempty"`
	// Matches is the number of ranges containing the code; >1 means the
	// dataset has overlapping ranges.
	Matches int `json:"matches,omitempty"`
}

// Sheet names used in row errors.
const (
	SheetRanges    = "ranges"
	SheetBlacklist = "blacklist"
)

// RangeRow is one typed row of the ranges sheet, as produced by the dataset loader.
type RangeRow struct {
	Row         int // 1-based position in the sheet's data rows
	Line        int // 1-based spreadsheet line, 0 if unknown
	Reference   string
	Description string
	StartRaw    string
	EndRaw      string
	IssuedOn    time.Time // zero if the sheet had no date
}

// BlacklistRow is one typed row of the blacklist sheet.
type BlacklistRow struct {
	Row     int
	Line    int
	CodeRaw string
}

// Dataset is a complete replacement for the reference data.
type Dataset struct {
	Ranges    []RangeRow
	Blacklist []BlacklistRow
	// Rejected holds rows the loader could not type. They are reported with
	// the import's row errors and never reach the store.
	Rejected []RowError
}

// RangeEntry is a stored range of issued codes with inclusive bounds.
type RangeEntry struct {
	Reference   string
	Description string
	StartCode   string
	EndCode     string
	IssuedOn    time.Time
}

// BlacklistEntry is a stored blacklisted code.
type BlacklistEntry struct {
	Code string
}

// AuditRecord is one validation attempt. Records are append-only.
type AuditRecord struct {
	ID           int64     `json:"id"`
	Sender       string    `json:"sender"`
	RawMessage   string    `json:"rawMessage"`
	ResponseText string    `json:"responseText"`
	Status       Status    `json:"status"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// StatusCounts maps each status to the number of audit records carrying it.
type StatusCounts map[Status]int64

// Total sums all statuses.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// DatasetStats describes the currently loaded reference data.
type DatasetStats struct {
	Ranges    int64 `json:"ranges"`
	Blacklist int64 `json:"blacklist"`
}

// ImportResult is the outcome of an import.
type ImportResult struct {
	ImportID        string        `json:"importId"`
	FileName        string        `json:"fileName,omitempty"`
	RangeCount      int           `json:"rangeCount"`
	BlacklistCount  int           `json:"blacklistCount"`
	Errors          []RowError    `json:"errors"`
	TotalErrors     int           `json:"totalErrors"`
	ErrorsTruncated bool          `json:"errorsTruncated"`
	Committed       bool          `json:"committed"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"` // non-empty if the import aborted
}

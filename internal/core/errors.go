package core

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/serialcheck/internal/serial"
)

var (
	// ErrMalformedCode marks a code whose letters and digits overflow the fixed width.
	ErrMalformedCode = serial.ErrMalformedCode

	// ErrRowRejected is wrapped by stores when a single row violates a
	// constraint. The import records the row and keeps going.
	ErrRowRejected = errors.New("row rejected by store")

	// ErrStoreUnavailable is wrapped by stores when the backing database
	// cannot serve the request. Validation reports it as a failure distinct
	// from "not found"; imports abort on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrImportInProgress is returned when another import holds the import slot
	// past the configured wait time.
	ErrImportInProgress = errors.New("import already in progress")

	// ErrImportCancelled is returned when an import's context ends mid-batch.
	ErrImportCancelled = errors.New("import cancelled")
)

// RowError describes one ingestion row that could not be loaded.
type RowError struct {
	Row   int    `json:"row"`
	Line  int    `json:"line,omitempty"`
	Sheet string `json:"sheet"`
	Cause string `json:"cause"`
}

func (e RowError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s row %d (line %d): %s", e.Sheet, e.Row, e.Line, e.Cause)
	}
	return fmt.Sprintf("%s row %d: %s", e.Sheet, e.Row, e.Cause)
}

// Unavailable wraps err as ErrStoreUnavailable unless it already is one.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Rejected wraps err as ErrRowRejected.
func Rejected(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRowRejected, err)
}

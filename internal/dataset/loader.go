// Package dataset reads the reference workbook into typed import rows.
//
// The workbook has two positional sheets. The first lists issued ranges as
// (row id, reference, description, start serial, end serial, date); the second
// lists blacklisted serials in its first column. The first row of each sheet
// is a header and is always skipped. Sheet names are not significant.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrInvalidWorkbook wraps anything excelize cannot open as a workbook.
	ErrInvalidWorkbook = errors.New("invalid workbook")

	// ErrMissingSheet is returned for workbooks with fewer than two sheets.
	ErrMissingSheet = errors.New("missing sheet")
)

// Positional columns of the ranges sheet.
const (
	colRowID = iota
	colReference
	colDescription
	colStart
	colEnd
	colDate
)

// DefaultUnzipSizeLimit caps the decompressed size of a workbook.
const DefaultUnzipSizeLimit int64 = 256 << 20

// Loader reads workbooks. The zero value uses DefaultUnzipSizeLimit.
type Loader struct {
	UnzipSizeLimit int64
}

// Load reads a workbook with the default Loader.
func Load(r io.Reader) (core.Dataset, error) {
	return Loader{}.Load(r)
}

// LoadFile reads the workbook at path with the default Loader.
func LoadFile(path string) (core.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Dataset{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads both sheets of the workbook in r.
//
// Rows that cannot be typed are returned in Dataset.Rejected; only
// workbook-level problems produce an error.
func (l Loader) Load(r io.Reader) (core.Dataset, error) {
	limit := l.UnzipSizeLimit
	if limit <= 0 {
		limit = DefaultUnzipSizeLimit
	}

	wb, err := excelize.OpenReader(r, excelize.Options{UnzipSizeLimit: limit})
	if err != nil {
		return core.Dataset{}, fmt.Errorf("%w: %w", ErrInvalidWorkbook, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) < 2 {
		return core.Dataset{}, fmt.Errorf("%w: workbook has %d sheet(s), need ranges and blacklist", ErrMissingSheet, len(sheets))
	}

	rangeRows, err := wb.GetRows(sheets[0])
	if err != nil {
		return core.Dataset{}, fmt.Errorf("%w: read sheet %q: %w", ErrInvalidWorkbook, sheets[0], err)
	}
	blacklistRows, err := wb.GetRows(sheets[1])
	if err != nil {
		return core.Dataset{}, fmt.Errorf("%w: read sheet %q: %w", ErrInvalidWorkbook, sheets[1], err)
	}

	var ds core.Dataset
	readRanges(rangeRows, &ds)
	readBlacklist(blacklistRows, &ds)
	return ds, nil
}

func readRanges(rows [][]string, ds *core.Dataset) {
	n := 0
	for i, row := range dataRows(rows) {
		if isBlankRow(row) {
			continue
		}
		n++
		line := i + 2

		reject := func(format string, args ...any) {
			ds.Rejected = append(ds.Rejected, core.RowError{
				Row:   n,
				Line:  line,
				Sheet: core.SheetRanges,
				Cause: fmt.Sprintf(format, args...),
			})
		}

		if len(row) <= colEnd {
			reject("expected at least %d columns, got %d", colEnd+1, len(row))
			continue
		}
		start, end := cellAt(row, colStart), cellAt(row, colEnd)
		if start == "" {
			reject("missing start serial")
			continue
		}
		if end == "" {
			reject("missing end serial")
			continue
		}
		issued, err := ParseDate(cellAt(row, colDate))
		if err != nil {
			reject("%v", err)
			continue
		}

		ds.Ranges = append(ds.Ranges, core.RangeRow{
			Row:         n,
			Line:        line,
			Reference:   cellAt(row, colReference),
			Description: cellAt(row, colDescription),
			StartRaw:    start,
			EndRaw:      end,
			IssuedOn:    issued,
		})
	}
}

func readBlacklist(rows [][]string, ds *core.Dataset) {
	n := 0
	for i, row := range dataRows(rows) {
		if isBlankRow(row) {
			continue
		}
		n++

		code := cellAt(row, 0)
		if code == "" {
			ds.Rejected = append(ds.Rejected, core.RowError{
				Row:   n,
				Line:  i + 2,
				Sheet: core.SheetBlacklist,
				Cause: "missing serial in first column",
			})
			continue
		}
		ds.Blacklist = append(ds.Blacklist, core.BlacklistRow{
			Row:     n,
			Line:    i + 2,
			CodeRaw: code,
		})
	}
}

// dataRows drops the header row.
func dataRows(rows [][]string) [][]string {
	if len(rows) <= 1 {
		return nil
	}
	return rows[1:]
}

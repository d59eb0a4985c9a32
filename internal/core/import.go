package core

// import.go implements the ingestion pipeline.
//
// An import replaces the whole dataset in one store transaction:
//
//  1. Take the in-process import slot (ImportLimiter)
//  2. BeginImport, which also takes the store's cross-process lock
//  3. Clear ranges and blacklist
//  4. Normalize and insert every range row, then every blacklist row
//  5. Commit
//
// Each insert is isolated by the store, so a bad row is recorded as a
// RowError and the batch continues. Lookups keep seeing the previous dataset
// until step 5 and the new one immediately after.
//
// A store outage, a cancelled context or a failed commit rolls the whole
// transaction back: the previous dataset stays active and the result reports
// zero committed rows.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/logging"
	"github.com/JonMunkholm/serialcheck/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errorReport collects row errors up to a cap while counting all of them.
type errorReport struct {
	max   int
	items []RowError
	total int
}

func (r *errorReport) add(e RowError) {
	r.total++
	if len(r.items) < r.max {
		r.items = append(r.items, e)
	}
	metrics.ImportRowsTotal.WithLabelValues(e.Sheet, "failed").Inc()
}

func (r *errorReport) apply(result *ImportResult) {
	result.Errors = r.items
	if result.Errors == nil {
		result.Errors = []RowError{}
	}
	result.TotalErrors = r.total
	result.ErrorsTruncated = r.total > len(r.items)
}

// ImportDataset replaces the reference data with ds.
//
// Row-level problems never fail the import; they are reported in the result.
// The returned error is non-nil only when the import as a whole did not
// commit, and the result is still returned so callers can show partial
// progress and collected row errors.
func (s *Service) ImportDataset(ctx context.Context, ds Dataset) (*ImportResult, error) {
	return s.ImportFile(ctx, "", ds)
}

// ImportFile is ImportDataset with the source file name recorded in the result.
func (s *Service) ImportFile(ctx context.Context, fileName string, ds Dataset) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{
		ImportID: uuid.New().String(),
		FileName: fileName,
	}

	ctx, span := tracer.Start(ctx, "core.ImportDataset",
		trace.WithAttributes(
			attribute.String("import_id", result.ImportID),
			attribute.Int("range_rows", len(ds.Ranges)),
			attribute.Int("blacklist_rows", len(ds.Blacklist)),
		))
	defer span.End()

	logger := logging.WithFields(ctx,
		"import_id", result.ImportID,
		"file", fileName,
	)

	if err := s.limiter.Acquire(ctx); err != nil {
		logger.Warn("import rejected", "error", err)
		return s.finishImport(span, result, start, err)
	}
	defer s.limiter.Release()

	importCtx, cancel := context.WithTimeout(ctx, s.opts.ImportTimeout)
	defer cancel()

	logger.Info("import started",
		"range_rows", len(ds.Ranges),
		"blacklist_rows", len(ds.Blacklist),
		"rejected_rows", len(ds.Rejected),
	)

	report := &errorReport{max: s.opts.MaxRowErrors}
	for _, re := range ds.Rejected {
		report.add(re)
	}

	rangeCount, blacklistCount, err := s.loadDataset(importCtx, ds, report)
	report.apply(result)
	if err != nil {
		logger.Error("import aborted, previous dataset kept",
			"error", err,
			"ranges_staged", rangeCount,
			"blacklist_staged", blacklistCount,
			"row_errors", report.total,
		)
		return s.finishImport(span, result, start, err)
	}

	result.RangeCount = rangeCount
	result.BlacklistCount = blacklistCount
	result.Committed = true
	metrics.ImportRowsTotal.WithLabelValues(SheetRanges, "inserted").Add(float64(rangeCount))
	metrics.ImportRowsTotal.WithLabelValues(SheetBlacklist, "inserted").Add(float64(blacklistCount))

	logger.Info("import committed",
		"ranges", rangeCount,
		"blacklist", blacklistCount,
		"row_errors", report.total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return s.finishImport(span, result, start, nil)
}

// loadDataset runs steps 2-5 and returns the staged counts.
func (s *Service) loadDataset(ctx context.Context, ds Dataset, report *errorReport) (int, int, error) {
	tx, err := s.store.BeginImport(ctx)
	if err != nil {
		return 0, 0, s.importFailure(ctx, "begin import", err)
	}
	// Rollback must run even when ctx is already cancelled.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := tx.Clear(ctx); err != nil {
		return 0, 0, s.importFailure(ctx, "clear dataset", err)
	}

	var ranges, blacklist int

	for i, row := range ds.Ranges {
		if err := ctx.Err(); err != nil {
			return ranges, blacklist, fmt.Errorf("%s row %d: %w: %w", SheetRanges, rowNumber(row.Row, i), ErrImportCancelled, err)
		}

		entry, err := s.rangeEntry(row)
		if err == nil {
			err = tx.InsertRange(ctx, entry)
		}
		if err != nil {
			if isRowLevel(err) {
				report.add(RowError{Row: rowNumber(row.Row, i), Line: row.Line, Sheet: SheetRanges, Cause: err.Error()})
				continue
			}
			return ranges, blacklist, s.importFailure(ctx, fmt.Sprintf("%s row %d", SheetRanges, rowNumber(row.Row, i)), err)
		}
		ranges++
	}

	for i, row := range ds.Blacklist {
		if err := ctx.Err(); err != nil {
			return ranges, blacklist, fmt.Errorf("%s row %d: %w: %w", SheetBlacklist, rowNumber(row.Row, i), ErrImportCancelled, err)
		}

		code, err := s.normalizer.Normalize(row.CodeRaw)
		if err == nil {
			err = tx.InsertBlacklist(ctx, BlacklistEntry{Code: code})
		}
		if err != nil {
			if isRowLevel(err) {
				report.add(RowError{Row: rowNumber(row.Row, i), Line: row.Line, Sheet: SheetBlacklist, Cause: err.Error()})
				continue
			}
			return ranges, blacklist, s.importFailure(ctx, fmt.Sprintf("%s row %d", SheetBlacklist, rowNumber(row.Row, i)), err)
		}
		blacklist++
	}

	if err := tx.Commit(ctx); err != nil {
		return ranges, blacklist, s.importFailure(ctx, "commit import", err)
	}
	return ranges, blacklist, nil
}

// rangeEntry normalizes both bounds of a range row.
func (s *Service) rangeEntry(row RangeRow) (RangeEntry, error) {
	start, err := s.normalizer.Normalize(row.StartRaw)
	if err != nil {
		return RangeEntry{}, fmt.Errorf("start serial: %w", err)
	}
	end, err := s.normalizer.Normalize(row.EndRaw)
	if err != nil {
		return RangeEntry{}, fmt.Errorf("end serial: %w", err)
	}
	if start > end {
		return RangeEntry{}, fmt.Errorf("%w: start serial %s sorts after end serial %s", ErrRowRejected, start, end)
	}
	return RangeEntry{
		Reference:   row.Reference,
		Description: row.Description,
		StartCode:   start,
		EndCode:     end,
		IssuedOn:    row.IssuedOn,
	}, nil
}

// importFailure classifies an error that stops the batch.
func (s *Service) importFailure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrImportCancelled, ctxErr)
	}
	metrics.StoreErrorsTotal.WithLabelValues("import").Inc()
	return Unavailable(op, err)
}

func (s *Service) finishImport(span trace.Span, result *ImportResult, start time.Time, err error) (*ImportResult, error) {
	result.Duration = time.Since(start)
	metrics.ImportDuration.Observe(result.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("ranges", result.RangeCount),
		attribute.Int("blacklist", result.BlacklistCount),
		attribute.Int("row_errors", result.TotalErrors),
		attribute.Bool("committed", result.Committed),
	)

	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "import failed")
		metrics.ImportsTotal.WithLabelValues(importOutcome(err)).Inc()
		return result, err
	}
	metrics.ImportsTotal.WithLabelValues("committed").Inc()
	return result, nil
}

func importOutcome(err error) string {
	switch {
	case errors.Is(err, ErrImportInProgress):
		return "busy"
	case errors.Is(err, ErrImportCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}

// isRowLevel reports whether err only concerns the current row.
func isRowLevel(err error) bool {
	return errors.Is(err, ErrMalformedCode) || errors.Is(err, ErrRowRejected)
}

func rowNumber(declared, index int) int {
	if declared > 0 {
		return declared
	}
	return index + 1
}

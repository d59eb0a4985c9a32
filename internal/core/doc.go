// Package core provides the serial validation engine.
//
// The package holds all domain logic independent of any transport or storage
// engine. Web handlers, the CLI and tests drive it through [Service].
//
// # Normalization
//
// Every code, whether it arrives in a message or in an imported sheet, goes
// through the same normalizer (package serial) before it is stored or looked
// up. Normalized codes have a fixed width, so plain string comparison orders
// them the way their digit runs are ordered and range checks can use the
// store's string comparison directly.
//
// # Import
//
// [Service.ImportDataset] replaces the ranges and the blacklist inside one
// store transaction:
//
//  1. The import slot is taken ([ImportLimiter]); a second import waits, then
//     fails with [ErrImportInProgress]
//  2. Both tables are cleared inside the transaction
//  3. Range rows, then blacklist rows, are normalized and inserted one by one
//  4. The transaction commits and lookups switch to the new dataset at once
//
// A bad row becomes a [RowError] and the batch continues. A store outage or a
// cancelled context rolls everything back and leaves the previous dataset
// active.
//
// # Validation
//
// [Service.CheckSerial] classifies a code: blacklisted codes are invalid,
// codes inside exactly one range are valid, everything else is not found.
// Overlapping ranges are reported valid and logged. A store failure is an
// error wrapping [ErrStoreUnavailable], never a "not found" verdict.
//
// [Service.ProcessMessage] adds the audit trail and the reply to the sender.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has a code for support reference:
//
//   - SER001: malformed codes
//   - IMP001-IMP003: import errors (busy, cancelled, rejected rows)
//   - DB001-DB003: storage errors (unavailable, duplicates, timeouts)
//   - FILE001-FILE004: workbook errors (size, format, sheets, missing upload)
//   - REQ001: malformed request body or form
//   - RATE001: rate limit exceeded
package core

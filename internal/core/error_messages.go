package core

// error_messages.go maps technical errors to short operator-facing messages
// with a support code. Raw storage errors are logged, never shown.
//
// Codes by category:
//
//	SER001  - Malformed serial: too many letters and digits for the fixed width
//	IMP001  - Import busy: another import holds the import slot
//	IMP002  - Import cancelled or timed out mid-batch
//	IMP003  - Row rejected: a row violated a store constraint
//	DB001   - Store unavailable: the database could not serve the request
//	DB002   - Duplicate value
//	DB003   - Timeout
//	FILE001 - File too large
//	FILE002 - Not a readable workbook
//	FILE003 - Workbook is missing a sheet
//	FILE004 - No file provided
//	RATE001 - Rate limited
//	ERR000  - Anything else
//
// Sentinel errors are matched with errors.Is first. Everything else falls back
// to case-insensitive substring patterns; the first match wins, so specific
// patterns come before general ones.

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	target error
	msg    UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ErrMalformedCode, UserMessage{
		Message: "Serial has too many characters",
		Action:  "Check the serial and send it again",
		Code:    "SER001",
	}},
	{ErrImportInProgress, UserMessage{
		Message: "Another import is running",
		Action:  "Wait for the current import to finish and try again",
		Code:    "IMP001",
	}},
	{ErrImportCancelled, UserMessage{
		Message: "Import was cancelled before it finished",
		Action:  "The previous dataset is still active. Start the import again",
		Code:    "IMP002",
	}},
	{ErrRowRejected, UserMessage{
		Message: "Row was rejected by the database",
		Action:  "Review the failed rows and fix duplicates or invalid values",
		Code:    "IMP003",
	}},
	{ErrStoreUnavailable, UserMessage{
		Message: "Service is temporarily unavailable",
		Action:  "Please try again in a few moments",
		Code:    "DB001",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Operation timed out",
		Action:  "Please try again later",
		Code:    "DB003",
	}},
	{context.Canceled, UserMessage{
		Message: "Import was cancelled before it finished",
		Action:  "The previous dataset is still active. Start the import again",
		Code:    "IMP002",
	}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{"duplicate key", UserMessage{
		Message: "A duplicate value was found",
		Action:  "Remove the duplicate entries from the workbook",
		Code:    "DB002",
	}},
	{"unique constraint", UserMessage{
		Message: "A duplicate value was found",
		Action:  "Remove the duplicate entries from the workbook",
		Code:    "DB002",
	}},
	{"connection refused", UserMessage{
		Message: "Service is temporarily unavailable",
		Action:  "Please try again in a few moments",
		Code:    "DB001",
	}},
	{"timeout", UserMessage{
		Message: "Operation timed out",
		Action:  "Please try again later",
		Code:    "DB003",
	}},
	{"file too large", UserMessage{
		Message: "File exceeds the maximum upload size",
		Action:  "Split the dataset or raise IMPORT_MAX_FILE_SIZE",
		Code:    "FILE001",
	}},
	{"invalid workbook", UserMessage{
		Message: "File is not a readable Excel workbook",
		Action:  "Save the file as .xlsx and upload it again",
		Code:    "FILE002",
	}},
	{"missing sheet", UserMessage{
		Message: "Workbook must contain a ranges sheet and a blacklist sheet",
		Action:  "Add the missing sheet and upload again",
		Code:    "FILE003",
	}},
	{"no file provided", UserMessage{
		Message: "No file was selected",
		Action:  "Please select a workbook to upload",
		Code:    "FILE004",
	}},
	{"invalid request", UserMessage{
		Message: "Request could not be read",
		Action:  "Check the request fields and try again",
		Code:    "REQ001",
	}},
	{"rate limit", UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error into a user-friendly message.
// Returns an empty UserMessage for a nil error.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

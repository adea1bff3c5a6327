// Package fault defines the error taxonomy shared by the ingestion
// pipeline. Every file-level failure carries one of these codes so the
// reporting layer can aggregate failures without string matching.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeEncoding       Code = "ENCODING_ERROR"
	CodeEmptyFile      Code = "EMPTY_FILE"
	CodeCSVParse       Code = "CSV_PARSE_ERROR"
	CodeNetCDFRead     Code = "NETCDF_READ_ERROR"
	CodeTimeFormat     Code = "TIME_FORMAT_UNKNOWN"
	CodeMissingColumns Code = "MISSING_REQUIRED_COLUMNS"
	CodeBatchPersist   Code = "BATCH_PERSIST_ERROR"
	CodeRecordPersist  Code = "RECORD_PERSIST_ERROR"
)

// Error attaches a taxonomy code to an underlying error.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error from a message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code to an existing error. Returns nil for a nil error.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain. The second return
// is false when the chain carries no coded error.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

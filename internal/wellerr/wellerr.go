// Package wellerr defines the error-kind taxonomy from spec.md §7 and a
// single structured-logging call site so every component logs the same
// keys (component, op, err_kind, elapsed_ms, reading_id) instead of
// re-assembling them ad hoc.
package wellerr

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind is one of the nine error categories spec.md §7 defines policy for.
type Kind string

const (
	KindConfig   Kind = "config"
	KindHardware Kind = "hardware"
	KindOcr      Kind = "ocr"
	KindParse    Kind = "parse"
	KindStorage  Kind = "storage"
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindTimeout  Kind = "timeout"
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with the context needed to log and act
// on it per spec.md §7's policy table.
type Error struct {
	Component string
	Op        string
	Kind      Kind
	Elapsed   time.Duration
	ReadingID int64
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind) + ": " + e.Component + "." + e.Op
	}
	return string(e.Kind) + ": " + e.Component + "." + e.Op + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error. Elapsed and ReadingID are optional context
// attached after construction via WithElapsed/WithReadingID.
func New(component, op string, kind Kind, cause error) *Error {
	return &Error{Component: component, Op: op, Kind: kind, Cause: cause}
}

func (e *Error) WithElapsed(d time.Duration) *Error {
	e.Elapsed = d
	return e
}

func (e *Error) WithReadingID(id int64) *Error {
	e.ReadingID = id
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise returns KindInternal.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// Log emits one structured log line for err using the consistent key set
// spec.md §7 requires. Safe to call with a plain (non-wellerr) error.
func Log(ctx context.Context, logger *slog.Logger, err error) {
	var we *Error
	if errors.As(err, &we) {
		attrs := []any{
			slog.String("component", we.Component),
			slog.String("op", we.Op),
			slog.String("err_kind", string(we.Kind)),
			slog.String("error", err.Error()),
		}
		if we.Elapsed > 0 {
			attrs = append(attrs, slog.Int64("elapsed_ms", we.Elapsed.Milliseconds()))
		}
		if we.ReadingID != 0 {
			attrs = append(attrs, slog.Int64("reading_id", we.ReadingID))
		}
		logger.ErrorContext(ctx, "operation failed", attrs...)
		return
	}
	logger.ErrorContext(ctx, "operation failed", slog.String("err_kind", string(KindInternal)), slog.String("error", err.Error()))
}

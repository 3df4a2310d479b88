package cursor

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means the source could not be opened: unknown
	// channel, auth failure, unreachable service. Nothing was written.
	ErrSourceUnavailable = errors.New("cursor: source unavailable")

	// ErrInvalidRecord is wrapped by Record.Validate failures.
	ErrInvalidRecord = errors.New("cursor: invalid record")

	// ErrStopped is returned under StopAndReport when a record error halted
	// the run.
	ErrStopped = errors.New("cursor: stopped on record error")

	// ErrOutOfOrder marks a record whose id is below one already written
	// in the same run.
	ErrOutOfOrder = errors.New("cursor: record out of order")
)

// RecordError reports a problem with a single record. Iterators return it
// from Next to signal that the stream itself is still healthy.
type RecordError struct {
	MessageID int64 // 0 when the id could not be determined
	Err       error
}

func (e *RecordError) Error() string {
	if e.MessageID == 0 {
		return fmt.Sprintf("record: %v", e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.MessageID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

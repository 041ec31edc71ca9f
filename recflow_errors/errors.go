// Provides common recflow error definitions.
package recflow_errors

import "errors"

var (
	ErrRepoClosed    = errors.New("recflow: repository is not open")
	ErrSessionClosed = errors.New("recflow: session already committed or rolled back")
	ErrRecordUnknown = errors.New("recflow: unknown record")

	// ErrContentNotFound reports a claim whose resource file is gone
	// (archived and expired, or deleted). Callers terminate the accessing
	// record with a failure route; the store itself keeps running.
	ErrContentNotFound = errors.New("recflow: content claim not found")

	ErrSwapUnknown = errors.New("recflow: unknown swap file")
	ErrSwapCorrupt = errors.New("recflow: swap file failed checksum")
)

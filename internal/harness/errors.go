package harness

import "github.com/pkg/errors"

// Error kinds for one job. All five are fatal: nothing is retried, and the
// only recovery behavior is the best-effort sentinel write performed for a
// missing log sink. Wrapped errors answer errors.Is against these.
var (
	ErrMalformedArguments = errors.New("malformed arguments")
	ErrInputUnreadable    = errors.New("input unreadable")
	ErrAlignmentFailed    = errors.New("alignment failed")
	ErrOutputWriteFailed  = errors.New("output write failed")
	ErrLogSinkUnavailable = errors.New("log sink unavailable")
)

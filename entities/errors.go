package entities

import (
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("store resource not found")

// ErrTimelockNotReached is returned when a recall is attempted before the recall height
// (or recallable instant) of a note. It is user-correctable and never retried automatically.
var ErrTimelockNotReached = errors.New("timelock not reached")

// ErrInvalidTransition is returned when a status mutation is attempted on a note or
// definition whose current state does not allow it.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrOutOfOrder marks an execution processed out of its index order. errors.Is matches
// it against ErrInvalidTransition as well.
var ErrOutOfOrder = errors.WithMessage(ErrInvalidTransition, "execution out of order")

var ErrFetchFailure = errors.New("fetch failure")

var ErrExecutionBoundsExceeded = errors.New("execution bounds exceeded")

var ErrUnknownNote = errors.New("unknown note")

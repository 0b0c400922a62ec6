package dispatch

import (
	"context"
	"errors"

	"restline/internal/async"
	"restline/internal/data"
	"restline/internal/envelope"
	"restline/internal/partition"
	"restline/internal/protocol"
)

var (
	// ErrNotFound lets handlers report a missing entity without building a ServiceError.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write that clashes with existing state.
	ErrConflict = errors.New("conflict")
)

// Classify maps any error to a ServiceError. It is the single point where
// package sentinels turn into statuses.
func Classify(err error) *envelope.ServiceError {
	if err == nil {
		return nil
	}
	if se, ok := envelope.As(err); ok {
		return se
	}
	var verr *data.ValidationError
	switch {
	case errors.As(err, &verr) && errors.Is(err, data.ErrFieldAccess):
		return envelope.Validation("Input field validation failure, reason: %s", verr.Error()).WithCause(err)
	case errors.As(err, &verr):
		return envelope.BadRequest("Input field validation failure, reason: %s", verr.Error()).WithCause(err)
	case errors.Is(err, ErrNotFound):
		return envelope.NotFound("%s", err.Error()).WithCause(err)
	case errors.Is(err, ErrConflict):
		return envelope.Conflict("%s", err.Error()).WithCause(err)
	case errors.Is(err, protocol.ErrMalformedURI), errors.Is(err, protocol.ErrUnsupportedVersion):
		return envelope.BadRequest("%s", err.Error()).WithCause(err)
	case errors.Is(err, partition.ErrPartitionAccess):
		return envelope.BadRequest("%s", err.Error()).WithCause(err)
	case errors.Is(err, partition.ErrServiceUnavailable):
		return envelope.Unavailable("%s", err.Error()).WithCause(err)
	case errors.Is(err, async.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return envelope.Timeout("request timed out").WithCause(err)
	case errors.Is(err, async.ErrNullResult), errors.Is(err, async.ErrPrematureRead):
		return envelope.Misuse("%s", err.Error()).WithCause(err)
	case errors.Is(err, context.Canceled):
		return envelope.Unavailable("request canceled").WithCause(err)
	}
	return envelope.Internal("%s", err.Error()).WithCause(err)
}

package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region server-side

func kindOf(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidAnalysis), errors.Is(err, errBadRequest):
		return "invalid_argument"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	}
	return store.Kind(err)
}

func codeOf(err error) codes.Code {
	switch kindOf(err) {
	case "invalid_argument":
		return codes.InvalidArgument
	case "cancelled":
		return codes.Canceled
	case "deadline_exceeded":
		return codes.DeadlineExceeded
	case "not_found":
		return codes.NotFound
	case "already_annotated":
		return codes.FailedPrecondition
	case "duplicate_id":
		return codes.AlreadyExists
	case "transient_conflict":
		return codes.Aborted
	case "backend_unavailable":
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// statusError converts an engine error into a gRPC status.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

// #endregion server-side

// #region client-side

// fromStatus turns a gRPC status back into the error taxonomy so callers can
// use errors.Is with the store and engine sentinels.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = engine.ErrInvalidAnalysis
	case codes.NotFound:
		sentinel = store.ErrNotFound
	case codes.FailedPrecondition:
		sentinel = store.ErrAlreadyAnnotated
	case codes.AlreadyExists:
		sentinel = store.ErrDuplicateID
	case codes.Aborted:
		sentinel = store.ErrTransientConflict
	case codes.Unavailable:
		sentinel = store.ErrBackendUnavailable
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return fmt.Errorf("rpc: %s", st.Message())
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

// #endregion client-side

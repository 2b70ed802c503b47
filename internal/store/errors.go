package store

import "errors"

// #region taxonomy

var (
	// ErrDuplicateID is returned when an append reuses an existing ledger id.
	ErrDuplicateID = errors.New("store: duplicate id")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyAnnotated is returned when a ledger outcome is set a second time.
	ErrAlreadyAnnotated = errors.New("store: already annotated")
	// ErrTransientConflict is returned when a concurrent writer won a
	// version-checked update. Callers may retry.
	ErrTransientConflict = errors.New("store: transient conflict")
	// ErrBackendUnavailable is returned when the backend cannot be reached.
	ErrBackendUnavailable = errors.New("store: backend unavailable")
)

// #endregion taxonomy

// #region kind

// Kind names the taxonomy member err belongs to, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyAnnotated):
		return "already_annotated"
	case errors.Is(err, ErrTransientConflict):
		return "transient_conflict"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

// IsRetriable reports whether err is worth retrying unchanged.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransientConflict) || errors.Is(err, ErrBackendUnavailable)
}

// #endregion kind

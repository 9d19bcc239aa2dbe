package coordinator

import "errors"

// Error kinds surfaced to every public Coordinator method. Concrete errors
// wrap one of these sentinels so callers can classify failures with
// errors.Is rather than string-matching messages.
var (
	ErrShuttingDown    = errors.New("coordinator: shutting down")
	ErrNotFound        = errors.New("coordinator: not found")
	ErrAlreadyExists   = errors.New("coordinator: already exists")
	ErrInvalidArgument = errors.New("coordinator: invalid argument")
	ErrCacheFull       = errors.New("coordinator: cache full")
	ErrMetaError       = errors.New("coordinator: meta store error")
	ErrEngineError     = errors.New("coordinator: index engine error")
	ErrJobError        = errors.New("coordinator: scheduler job error")
)

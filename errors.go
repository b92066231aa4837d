package cruncher

import "errors"

// Sentinel errors returned by the engine. Callers are expected to test for
// them with errors.Is; the wrapped error text carries the operation, the
// path and the system/event involved.
var (
	// ErrNotFound is returned when a tracefs path, event or instance does
	// not exist. It is distinct from ErrPermission.
	ErrNotFound = errors.New("not found")

	// ErrPermission is returned when tracefs refuses access. It is never
	// retried; it usually means the process needs elevated privilege.
	ErrPermission = errors.New("permission denied")

	// ErrInvalidSyntax is returned when a probe or trigger string is
	// malformed. A caller programming error, never retried.
	ErrInvalidSyntax = errors.New("invalid syntax")

	// ErrDuplicateResource is returned when registering a kprobe whose
	// event name is still live in the kernel probe table.
	ErrDuplicateResource = errors.New("duplicate resource")

	// ErrMalformedMetadata is returned when a single event's format file
	// cannot be parsed. A registry scan isolates it to that event.
	ErrMalformedMetadata = errors.New("malformed event metadata")

	// ErrEventMismatch is returned when a raw record's embedded event id
	// does not match the schema it is decoded against.
	ErrEventMismatch = errors.New("record does not match event schema")
)

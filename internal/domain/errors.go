package domain

import "errors"

// Validation errors returned by Topology mutations. Callers match them with
// errors.Is; the wrapped message carries the offending entity names and ports.
var (
	ErrInvalidName      = errors.New("invalid node name")
	ErrDuplicateName    = errors.New("duplicate node name")
	ErrNotFound         = errors.New("not found")
	ErrInvalidPortCount = errors.New("invalid port count")
	ErrUnknownKind      = errors.New("unknown node kind")
	ErrSelfLink         = errors.New("link endpoints must be distinct nodes")
	ErrPortOutOfRange   = errors.New("port out of range")
	ErrPortInUse        = errors.New("port already in use")
)

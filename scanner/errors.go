package scanner

import "errors"

var (
	// ErrInsufficientPrivilege means raw frames cannot be sent or captured.
	// The session never starts.
	ErrInsufficientPrivilege = errors.New("insufficient privilege for raw probes")
	// ErrSocket marks a persistent send or receive failure that aborted a
	// session.
	ErrSocket = errors.New("socket error")
	// ErrNoTargets means the target list produced no (target, port) pairs.
	ErrNoTargets = errors.New("no targets to probe")
	// ErrInvalidTarget means a target could not be parsed.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidOptions means the session options are inconsistent.
	ErrInvalidOptions = errors.New("invalid scan options")
	// ErrUnresolved means a trace destination has no IPv4 address.
	ErrUnresolved = errors.New("destination did not resolve")
)

package ledger

import "github.com/pkg/errors"

var (
	ErrRunNotFound = errors.New("run not found")

	// ErrRunClosed is returned when a lifecycle operation targets a run that
	// already reached a terminal status. Finalizing twice is a hard error,
	// not a no-op: the second caller holds a stale view of the run.
	ErrRunClosed = errors.New("run is already in a terminal status")

	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrBranchNotImplemented: selecting a path through forked or regenerated
	// runs has no defined resolution policy. Callers asking for it must get a
	// loud failure instead of a silently unfiltered transcript.
	ErrBranchNotImplemented = errors.New("branch-aware transcript resolution is not implemented")

	// ErrInvalidMetadata is returned when a stored message row cannot be
	// decoded, e.g. its metadata lacks a numeric schemaVersion.
	ErrInvalidMetadata = errors.New("invalid message metadata")
)

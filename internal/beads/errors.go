package beads

import "errors"

var (
	// ErrBeadNotFound indicates the requested bead id has no file in the store.
	ErrBeadNotFound = errors.New("bead not found")

	// ErrBeadLocked indicates another agent holds an unexpired claim lock.
	ErrBeadLocked = errors.New("bead is locked by another agent")

	// ErrConvoyNotFound indicates the requested convoy id does not exist.
	ErrConvoyNotFound = errors.New("convoy not found")

	// ErrInvalidStatus indicates a status outside the recognized set.
	ErrInvalidStatus = errors.New("invalid bead status")

	// ErrStorage wraps filesystem or git failures underneath the store.
	ErrStorage = errors.New("storage error")

	// ErrNoIDAvailable indicates id generation exhausted the numeric space.
	ErrNoIDAvailable = errors.New("no bead id available")
)

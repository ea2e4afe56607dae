package calls

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInCall means a participant already holds a live session. Not retried.
	ErrAlreadyInCall = errors.New("calls: participant already in call")
	// ErrInvalidTransition means the session no longer permits the requested move.
	// Callers resync to authoritative state instead of retrying.
	ErrInvalidTransition = errors.New("calls: invalid transition")
	ErrNotFound          = errors.New("calls: session not found")
	ErrNotParticipant    = errors.New("calls: actor is not a participant")
	ErrInvalidArgument   = errors.New("calls: invalid argument")

	// ErrVersionConflict is returned by Repository.CompareAndSwap when the stored
	// version moved. The coordinator retries on it.
	ErrVersionConflict = errors.New("calls: version conflict")
	// ErrAlreadyExists is returned by Repository.Create for a duplicate call id.
	ErrAlreadyExists = errors.New("calls: session already exists")
	// ErrContention means CAS retries ran out.
	ErrContention = errors.New("calls: too much contention on session")
)

func invalidTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

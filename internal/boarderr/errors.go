// Package boarderr holds the error taxonomy shared by every board component.
//
// Callers match with errors.Is; producers wrap with fmt.Errorf("...: %w").
package boarderr

import "errors"

var (
	// ErrNotFound indicates an unknown request id. No mutation happened.
	ErrNotFound = errors.New("maintenance request not found")

	// ErrInvalidTransition indicates an illegal status move. The store is unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrFetchFailed indicates the request-collection fetch failed or returned
	// a payload that could not be turned into a complete snapshot.
	ErrFetchFailed = errors.New("request fetch failed")

	// ErrPersistenceRejected indicates the server refused an optimistic change.
	ErrPersistenceRejected = errors.New("status change rejected by server")

	// ErrNoop indicates a drop onto the originating column.
	ErrNoop = errors.New("no-op move")

	// ErrNoPendingMutation indicates there is nothing to confirm or roll back.
	ErrNoPendingMutation = errors.New("no pending mutation for request")

	// ErrStoreClosed indicates the board was unmounted.
	ErrStoreClosed = errors.New("request store is closed")
)

// Package fault defines the error taxonomy shared by the record store, the
// remote mirror client and the sync coordinator.
//
// Errors are classified with errors.Is against the sentinels below:
//
//	if errors.Is(err, fault.ErrStorage) {
//	    // local medium failed, the pass was aborted
//	}
package fault

import "errors"

var (
	// ErrStorage is wrapped by every error that originates from the local
	// storage medium (open, read, write, commit).
	ErrStorage = errors.New("storage fault")

	// ErrRemote is wrapped by every error that originates from the remote
	// mirror: network failures, API errors and missing credentials.
	ErrRemote = errors.New("remote fault")

	// ErrUnauthenticated is returned when no identity is available or the
	// remote rejected the credentials. It is always wrapped together with
	// ErrRemote.
	ErrUnauthenticated = errors.New("not signed in")

	// ErrCollectionNotFound is returned when the remote collection referenced
	// by a cached handle no longer exists. It is always wrapped together with
	// ErrRemote.
	ErrCollectionNotFound = errors.New("remote collection not found")

	// ErrInvalidRecord is returned when a record fails collection validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrRecordNotFound is returned when a record lookup by id finds nothing.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInternal is wrapped by errors recovered from a panic. Retrying the
	// same work is not expected to help.
	ErrInternal = errors.New("internal fault")
)

// IsStorage reports whether err is a local storage fault.
func IsStorage(err error) bool {
	return err != nil && errors.Is(err, ErrStorage)
}

// IsRemote reports whether err is a remote fault.
func IsRemote(err error) bool {
	return err != nil && errors.Is(err, ErrRemote)
}

// IsInternal reports whether err carries a recovered panic.
func IsInternal(err error) bool {
	return err != nil && errors.Is(err, ErrInternal)
}

// IsRetryable returns true if the error is likely to succeed on a later
// attempt without user action. Missing credentials need a sign-in first, so
// they are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUnauthenticated) {
		return false
	}

	if errors.Is(err, ErrInvalidRecord) {
		return false
	}

	if errors.Is(err, ErrInternal) {
		return false
	}

	return IsRemote(err) || IsStorage(err)
}

// IsUserActionRequired returns true if the error can only be resolved by the
// user (signing in again, fixing input).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidRecord)
}

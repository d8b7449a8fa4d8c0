package broker

import "errors"

var (
	// ErrDeviceNotReady means the presence check failed at session creation.
	// Recoverable: the caller retries once the device heartbeats again.
	ErrDeviceNotReady = errors.New("device not ready")

	// ErrSessionNotFound means the session id is unknown. Not retryable with
	// the same id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrExpiredSession means the session's TTL elapsed. Callers handle it
	// exactly like ErrSessionNotFound; the reaper may not have physically
	// deleted the record yet.
	ErrExpiredSession = errors.New("session expired")

	// ErrInvalidStateTransition means a guard was violated by a non-identical
	// resubmission or an out-of-order call. A caller bug; never retried.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNotYetAvailable means the polled blob has not been submitted yet.
	ErrNotYetAvailable = errors.New("not yet available")

	// ErrAccessDenied means the access-control collaborator rejected the
	// initiator/device pairing.
	ErrAccessDenied = errors.New("access denied")

	// ErrStoreUnavailable wraps transient store failures, including CAS loops
	// that exhausted their retry budget. Callers retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)

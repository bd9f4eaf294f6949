// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates the stored row changed underneath an update.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrLoginExpired indicates a login attempt for a soft-deleted account.
	ErrLoginExpired = errors.New("login expired")
)

// Directory integration sentinels.
var (
	// ErrConfiguration indicates missing or invalid directory settings.
	// Directory integration is disabled when it surfaces at startup.
	ErrConfiguration = errors.New("directory configuration error")

	// ErrDirectoryUnavailable indicates the directory server could not be reached.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrDirectory indicates the directory rejected an operation for a reason
	// not covered by the other sentinels.
	ErrDirectory = errors.New("directory operation failed")

	// ErrDecryption indicates a stored secret could not be decrypted.
	ErrDecryption = errors.New("decryption failed")

	// ErrPartialSync indicates that a reconciliation pass completed with
	// one or more per-entity failures.
	ErrPartialSync = errors.New("partial sync failure")
)

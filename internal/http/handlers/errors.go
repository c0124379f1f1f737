// Package handlers defines HTTP-layer error codes used across the admin
// endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them for
// programmatic error handling while the message carries the human-readable
// detail.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeCacheError  = "cache_error"
	ErrCodeStatusError = "status_error"
)

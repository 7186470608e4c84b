package ratelimit

import "errors"

// Sentinel errors for the taxonomy in the error-handling design: kinds, not
// transport codes. Callers map these to HTTP status via errors.Is.
var (
	// ErrAuthMissing means a required credential was absent.
	ErrAuthMissing = errors.New("ratelimit: auth missing")
	// ErrAuthInvalid means a credential was present but failed validation.
	ErrAuthInvalid = errors.New("ratelimit: auth invalid")
	// ErrQuotaExceeded means an API key's monthly quota is exhausted.
	ErrQuotaExceeded = errors.New("ratelimit: quota exceeded")
	// ErrRateLimited means the current window's budget is exhausted.
	ErrRateLimited = errors.New("ratelimit: rate limited")
	// ErrCorruption means a Redis key held an unexpected type.
	ErrCorruption = errors.New("ratelimit: key corruption")
	// ErrInvalidPolicy is returned at config-load time for a malformed policy.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
)

// UpstreamUnavailable and Internal kinds from the spec's taxonomy are never
// surfaced as errors to callers: UpstreamUnavailable degrades silently into
// a fallback-limiter decision (see Engine.Check), and Internal degrades into
// a fail-open Decision with the Error flag set. Neither has a sentinel here
// because nothing ever inspects them with errors.Is.

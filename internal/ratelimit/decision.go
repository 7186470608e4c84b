package ratelimit

// Decision is the outcome of one rate-limit evaluation. It is produced by
// every call to Engine.Check and consumed by the header writer and the
// Statistics Engine.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetAtMs    int64
	Algorithm    Algorithm
	ShardID      string // physical shard id, or "fallback" when degraded
	InstanceID   string
	Error        bool // true when the fail-open path was taken
	Corruption   bool
	QuotaApplied bool
	QuotaLimit   int64
	QuotaUsed    int64
}

// RetryAfterSeconds computes the Retry-After header value for a denial, in
// whole seconds, ceiling-rounded.
func (d Decision) RetryAfterSeconds(nowMs int64) int64 {
	delta := d.ResetAtMs - nowMs
	if delta <= 0 {
		return 0
	}
	return (delta + 999) / 1000
}

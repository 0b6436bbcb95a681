package scheduler

// FailurePolicy decides when repeated charge failures suspend a subscription.
type FailurePolicy struct {
	// MaxConsecutiveFailures is the count at which the subscription is
	// suspended and the member downgraded. Timeouts and declines both
	// count; adapter credential errors never do.
	MaxConsecutiveFailures int
}

// DefaultFailurePolicy suspends after three consecutive failed cycles.
func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{MaxConsecutiveFailures: 3}
}

// ShouldSuspend reports whether the given consecutive-failure count has
// reached the suspension threshold.
func (p FailurePolicy) ShouldSuspend(consecutiveFailures int) bool {
	return consecutiveFailures >= p.MaxConsecutiveFailures
}

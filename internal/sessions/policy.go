package sessions

import "time"

// Policy holds the time windows and thresholds of the session lifecycle.
type Policy struct {
	// NegotiationWindow is how long a request or counter-offer stays open.
	NegotiationWindow time.Duration
	// DisputeWindow is how long after completion a dispute may be raised.
	DisputeWindow time.Duration
	// NoShowGrace is how long after the scheduled time a no-show may be
	// reported.
	NoShowGrace time.Duration
	// CancellationWindow is the rolling window for teacher cancellations.
	CancellationWindow time.Duration
	// CancellationWarnThreshold is the count within the window at which the
	// teacher is warned.
	CancellationWarnThreshold int
}

func DefaultPolicy() Policy {
	return Policy{
		NegotiationWindow:         48 * time.Hour,
		DisputeWindow:             72 * time.Hour,
		NoShowGrace:               30 * time.Minute,
		CancellationWindow:        30 * 24 * time.Hour,
		CancellationWarnThreshold: 5,
	}
}

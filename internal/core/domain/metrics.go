package domain

import "time"

// CallQualityStats is a point-in-time quality sample for a connected call,
// derived from RTCP reports on the subscribed media tracks.
type CallQualityStats struct {
	Timestamp    time.Time
	PacketsLost  int64
	FractionLost float64
	JitterMs     float64
	RTT          time.Duration
}

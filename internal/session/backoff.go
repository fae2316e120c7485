package session

import "time"

// Backoff maps the consecutive error count to a reconnect delay.
func Backoff(count int) time.Duration {
	switch {
	case count <= 3:
		return time.Second
	case count <= 9:
		return 5 * time.Second
	default:
		return 15 * time.Second
	}
}

// nextDailyReconnect returns the next hour:minute UTC strictly after now.
func nextDailyReconnect(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

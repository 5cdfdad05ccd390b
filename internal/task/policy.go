package task

import "time"

// Cancellation fee retention. The platform keeps a share of the held
// amount when a poster cancels after a hunter has committed:
// nothing before work starts, 10% within the first hour of work, 25%
// after that.
const (
	RetentionNoneBps  int64 = 0
	RetentionEarlyBps int64 = 1000
	RetentionLateBps  int64 = 2500

	// EarlyCancelWindow is how long after work starts the lower
	// retention rate applies.
	EarlyCancelWindow = time.Hour
)

// RetentionBps returns the fee retention for cancelling t at the given
// time, in basis points of the held amount.
func RetentionBps(t *Task, now time.Time) int64 {
	switch t.Status {
	case StatusPendingEscrow:
		return RetentionNoneBps
	case StatusInProgress:
		if t.AcceptedAt != nil && now.Sub(*t.AcceptedAt) < EarlyCancelWindow {
			return RetentionEarlyBps
		}
		return RetentionLateBps
	}
	return RetentionNoneBps
}

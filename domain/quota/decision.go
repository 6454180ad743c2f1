package quota

import "time"

// QuotaDecision is the outcome of a quota or rate check. Remaining and
// LimitCeiling are Unlimited (-1) when no bound applies.
type QuotaDecision struct {
	Allowed       bool      `json:"allowed"`
	Remaining     int64     `json:"remaining"`
	LimitCeiling  int64     `json:"limit"`
	WindowResetAt time.Time `json:"resetAt"`
	Reason        string    `json:"reason,omitempty"`
}

// RetryAfterSeconds is the whole number of seconds until the window resets,
// never less than one.
func (d QuotaDecision) RetryAfterSeconds(now time.Time) int64 {
	wait := d.WindowResetAt.Sub(now)
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// NextMonthStart is the first instant of the calendar month after now, in
// now's location.
func NextMonthStart(now time.Time) time.Time {
	return MonthStart(now).AddDate(0, 1, 0)
}

// MonthStart is the first instant of now's calendar month.
func MonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

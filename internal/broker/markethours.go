package broker

import (
	"time"
)

// Session returns the effective open/close bounds, preferring the extended
// session when requested and published.
func (h MarketHours) Session(extended bool) (open, close *time.Time) {
	if extended && h.ExtendedOpensAt != nil && h.ExtendedClosesAt != nil {
		return h.ExtendedOpensAt, h.ExtendedClosesAt
	}
	return h.OpensAt, h.ClosesAt
}

// ClosedAt reports whether the market is closed at t for the given session.
func (h MarketHours) ClosedAt(t time.Time, extended bool) bool {
	if !h.IsOpenToday {
		return true
	}
	open, close := h.Session(extended)
	if open == nil || close == nil {
		return true
	}
	return t.Before(*open) || !t.Before(*close)
}

// SecondsToClose returns the seconds remaining until session close at t.
// Zero or negative means the session is over; a large positive value before
// the open still counts down to the close.
func (h MarketHours) SecondsToClose(t time.Time, extended bool) float64 {
	_, close := h.Session(extended)
	if close == nil {
		return 0
	}
	return close.Sub(t).Seconds()
}

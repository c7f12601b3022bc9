package billing

import "strings"

// Status is the lifecycle state of a subscription. The set is closed:
// every site that maps a status to an access decision must handle all
// five values plus the missing-row case, and fail closed on anything else.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// AllStatuses lists every valid status value.
var AllStatuses = []Status{
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusCanceled,
	StatusExpired,
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends the lifecycle. Expired rows are never
// transitioned by the sweep again; only a fresh activation revives them.
func (s Status) Terminal() bool {
	return s == StatusExpired
}

// ParseStatus normalizes a raw status string. The second return value is
// false for anything outside the closed set.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

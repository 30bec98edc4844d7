package ledger

import "fmt"

// Status classifies the outcome of a single call or liveness check.
// Identifiers are stable and persisted.
type Status uint8

const (
	StatusSuccess    Status = 1
	StatusFailed     Status = 5
	StatusReachLimit Status = 9
)

var statusDescriptions = map[Status]string{
	StatusSuccess:    "success",
	StatusFailed:     "failed",
	StatusReachLimit: "reach_limit",
}

// Statuses returns the fixed vocabulary in id order.
func Statuses() []Status {
	return []Status{StatusSuccess, StatusFailed, StatusReachLimit}
}

// Valid reports whether s belongs to the fixed vocabulary.
func (s Status) Valid() bool {
	_, ok := statusDescriptions[s]
	return ok
}

// ID returns the persisted identifier.
func (s Status) ID() int { return int(s) }

func (s Status) String() string {
	if desc, ok := statusDescriptions[s]; ok {
		return desc
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus resolves a description back to its Status.
func ParseStatus(desc string) (Status, error) {
	for status, d := range statusDescriptions {
		if d == desc {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, desc)
}

package audit

import (
	"fmt"
	"time"
)

const lateLayout = "2006-01-02 15:04"

// LateEntryValidator checks the claimed backdated timestamp and its
// justification before a late entry is accepted.
type LateEntryValidator struct {
	MinReasonLen int
	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// Validate returns the list of problems with the supplied late-entry
// fields. An empty slice means the entry is acceptable.
func (v LateEntryValidator) Validate(date, timeOfDay, reason string) []string {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	var problems []string
	if date == "" {
		problems = append(problems, "late entry date is required")
	}
	if timeOfDay == "" {
		problems = append(problems, "late entry time is required")
	}
	if date != "" && timeOfDay != "" {
		claimed, err := time.ParseInLocation(lateLayout, date+" "+timeOfDay, time.Local)
		if err != nil {
			problems = append(problems, "late entry date/time is not a valid timestamp")
		} else if !claimed.Before(now()) {
			problems = append(problems, "late entry must be backdated, not in the future")
		}
	}
	if len(reason) < v.MinReasonLen {
		problems = append(problems, fmt.Sprintf("late entry reason must be at least %d characters", v.MinReasonLen))
	}
	return problems
}

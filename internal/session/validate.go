package session

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// MinInterval and MaxInterval bound the pacing interval (inclusive).
	MinInterval = 100 * time.Millisecond
	MaxInterval = 60 * time.Second

	// SubSecondAmountCap limits the share count for intervals below one second.
	SubSecondAmountCap = 100
)

// DefaultTargetPattern matches the platform post URLs a submission may target.
var DefaultTargetPattern = regexp.MustCompile(`^https?://[\w.-]+\.[a-zA-Z]{2,}/\S+$`)

// Rules holds the submit-time validation knobs. The zero value falls back to
// package defaults for every field.
type Rules struct {
	TargetPattern *regexp.Regexp
	AuthMarkers   []string
	AmountCap     int // cap for sub-second intervals; 0 means SubSecondAmountCap
}

// ValidationError is a client-input failure. It is surfaced synchronously to
// the submitter and never mutates state.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Submission is the validated outcome of a submit request.
type Submission struct {
	Target     string
	Amount     int
	Interval   time.Duration
	Credential string // normalized
}

// Validate checks a raw submission against the platform rules.
//
// intervalSec is the client-supplied pacing interval in seconds.
func Validate(credential, target string, amount int, intervalSec float64, rules Rules) (Submission, *ValidationError) {
	norm, err := ParseCredential(credential, rules.AuthMarkers)
	if err != nil {
		return Submission{}, &ValidationError{Field: "credential", Message: err.Error()}
	}

	pattern := rules.TargetPattern
	if pattern == nil {
		pattern = DefaultTargetPattern
	}
	if !pattern.MatchString(target) {
		return Submission{}, &ValidationError{Field: "target", Message: "target does not look like a valid post URL"}
	}

	if amount <= 0 {
		return Submission{}, &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}

	interval := time.Duration(intervalSec * float64(time.Second))
	if interval < MinInterval || interval > MaxInterval {
		return Submission{}, &ValidationError{Field: "interval", Message: "interval must be between 0.1 and 60 seconds"}
	}

	maxShares := rules.AmountCap
	if maxShares <= 0 {
		maxShares = SubSecondAmountCap
	}
	if interval < time.Second && amount > maxShares {
		return Submission{}, &ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("For intervals below 1 second, maximum shares is %d", maxShares),
		}
	}

	return Submission{Target: target, Amount: amount, Interval: interval, Credential: norm}, nil
}

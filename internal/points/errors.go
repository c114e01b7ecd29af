package points

import (
	"errors"
	"fmt"
)

// Sentinel errors.  Specific not-found and invalid-input errors wrap their
// family so callers can test either level with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrRuleNotFound        = fmt.Errorf("point rule %w", ErrNotFound)
	ErrAccountNotFound     = fmt.Errorf("points account %w", ErrNotFound)
	ErrMultiplierNotFound  = fmt.Errorf("point multiplier %w", ErrNotFound)
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidAmount       = fmt.Errorf("%w: points must be positive", ErrInvalidInput)
	ErrInvalidActionType   = fmt.Errorf("%w: malformed action type", ErrInvalidInput)
	ErrInvalidUser         = fmt.Errorf("%w: user id is required", ErrInvalidInput)
	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// InsufficientPointsError is returned when an operation would take the
// available balance below zero.
type InsufficientPointsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: required %d, available %d", e.Required, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientPoints) true.
func (e *InsufficientPointsError) Is(target error) bool { return target == ErrInsufficientPoints }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

package quota

import "errors"

// ErrQuotaExceeded matches every *ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError carries the denial that stopped a billable action.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return e.Decision.Message
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

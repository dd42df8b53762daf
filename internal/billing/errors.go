package billing

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the evaluator, recorder and reconciler.
// Callers classify with errors.Is.
var (
	ErrNoActiveEntitlement   = errors.New("no active entitlement")
	ErrQuotaExceeded         = errors.New("usage quota exceeded")
	ErrAlreadyConsumed       = errors.New("one-shot credit already consumed")
	ErrUnknownProcessorEvent = errors.New("unknown processor event")
	ErrTransientStore        = errors.New("transient store failure")
	ErrUnknownUser           = errors.New("no local user for processor event")
	ErrUnknownPlan           = errors.New("unknown plan")
	ErrSignatureVerification = errors.New("signature verification failed")
)

// storeErr marks a store failure as retryable.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrTransientStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

// QuotaError carries the limit and reset time of an exhausted recurring plan.
// It matches ErrQuotaExceeded under errors.Is.
type QuotaError struct {
	Limit    int
	ResetsAt string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("usage quota of %d per period exceeded", e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

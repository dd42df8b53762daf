// Package handlers contains the HTTP handlers of the billing API.
package handlers

import (
	"errors"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// billingError translates billing sentinels into API errors. Store failures
// wrapped as ErrTransientStore become 503 even when the cause is an AppError;
// other AppErrors pass through.
func billingError(err error) error {
	if errors.Is(err, billing.ErrTransientStore) {
		return types.NewAppError(types.ErrCodeUpstreamStore, "billing store is temporarily unavailable", err)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var quota *billing.QuotaError
	switch {
	case errors.As(err, &quota):
		details := map[string]any{"limit": quota.Limit}
		if quota.ResetsAt != "" {
			details["resetsAt"] = quota.ResetsAt
		}
		return types.NewAppError(types.ErrCodeLimitUsageQuota, "usage quota for this billing period is exhausted", err).
			WithDetails(details)
	case errors.Is(err, billing.ErrQuotaExceeded):
		return types.NewAppError(types.ErrCodeLimitUsageQuota, "usage quota for this billing period is exhausted", err)
	case errors.Is(err, billing.ErrAlreadyConsumed):
		return types.NewAppError(types.ErrCodeConflictAlreadyConsumed, "the one-shot credit has already been used", err)
	case errors.Is(err, billing.ErrNoActiveEntitlement):
		return types.NewAppError(types.ErrCodePaymentNoEntitlement, "an active plan or unused credit is required", err)
	case errors.Is(err, billing.ErrSignatureVerification):
		return types.NewAppError(types.ErrCodeValidationInvalidSig, "webhook signature verification failed", err)
	case errors.Is(err, billing.ErrUnknownPlan):
		return types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan", err)
	default:
		return types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}
}

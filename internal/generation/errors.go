package generation

import (
	"errors"
	"fmt"
)

// Failure kinds of the external AI service.
const (
	KindTimeout        = "timeout"
	KindSafetyRejected = "safety_rejected"
	KindQuotaExceeded  = "quota_exceeded"
	KindUnauthorized   = "unauthorized"
	KindTransient      = "transient"
	KindUnknown        = "unknown"
	KindCancelled      = "cancelled"
)

var (
	ErrDuplicateJob = errors.New("generation job already charged")
	// ErrInvalidCharge means a job was priced at zero or less and was not run.
	ErrInvalidCharge = errors.New("generation cost must be positive")
	// ErrRefundFailed means a failed job's charge could be neither refunded nor queued for refund.
	ErrRefundFailed = errors.New("refund could not be applied")
)

// ExternalServiceError is a classified failure of the external AI service.
type ExternalServiceError struct {
	Kind string
	Err  error
}

func (e *ExternalServiceError) Error() string {
	if e.Err == nil {
		return "external service failure: " + e.Kind
	}
	return fmt.Sprintf("external service failure (%s): %v", e.Kind, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// KindOf returns the failure kind of err, or "" if err is not an ExternalServiceError.
func KindOf(err error) string {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Kind
	}
	return ""
}

// retryable reports whether another credential might succeed where this one failed.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindQuotaExceeded, KindTransient, KindUnauthorized:
		return true
	}
	return false
}

// countsAgainstCredential reports whether err says something about the credential's health.
func countsAgainstCredential(err error) bool {
	switch KindOf(err) {
	case KindQuotaExceeded, KindTransient, KindUnauthorized, KindUnknown:
		return true
	}
	return false
}

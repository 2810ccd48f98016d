package app

import "errors"

var (
	// ErrInvalidRequest carries a user-facing validation message.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrQuotaExceeded means the caller has no submissions left this month.
	ErrQuotaExceeded = errors.New("monthly submission limit reached")

	ErrDiagnosisNotFound  = errors.New("diagnosis not found")
	ErrDiagnosisForbidden = errors.New("forbidden")

	// ErrInferenceNotConfigured means no model credential was configured.
	ErrInferenceNotConfigured = errors.New("diagnosis service not configured")
)

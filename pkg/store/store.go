package store

import (
	"context"
	"errors"

	"cropdoc/pkg/domain"
)

// ErrQuotaExhausted is returned by IncrementQuota when the month's
// allowance is already used up. The record is left unchanged.
var ErrQuotaExhausted = errors.New("submission quota exhausted")

// QuotaStore persists per-user monthly submission counters.
type QuotaStore interface {
	// GetQuota returns the record for (userID, monthYear); found is false
	// when no submission has been counted yet.
	GetQuota(ctx context.Context, userID, monthYear string) (domain.SubmissionQuota, bool, error)
	// IncrementQuota atomically adds one submission if the count is below
	// the maximum, creating the record with defaultMax when missing.
	IncrementQuota(ctx context.Context, userID, monthYear string, defaultMax int) (domain.SubmissionQuota, error)
	// SetQuotaMax overrides the monthly maximum for one user.
	SetQuotaMax(ctx context.Context, userID, monthYear string, max int) (domain.SubmissionQuota, error)
}

// DiagnosisStore persists completed diagnoses.
type DiagnosisStore interface {
	SaveDiagnosis(ctx context.Context, rec domain.DiagnosisRecord) error
	GetDiagnosis(ctx context.Context, id string) (domain.DiagnosisRecord, bool, error)
	ListDiagnosesByUser(ctx context.Context, userID string, limit int) ([]domain.DiagnosisRecord, error)
	DeleteDiagnosis(ctx context.Context, id string) error
}

// Store combines quota and diagnosis persistence.
type Store interface {
	QuotaStore
	DiagnosisStore
	Close() error
}

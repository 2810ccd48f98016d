package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"cropdoc/internal/util"
	"cropdoc/pkg/ai"
	"cropdoc/pkg/domain"
	"cropdoc/pkg/inference"
	"cropdoc/pkg/storage"
	"cropdoc/pkg/store"
)

const (
	defaultInferenceTimeout = 90 * time.Second
	defaultHistoryLimit     = 30
	maxHistoryLimit         = 100
	presignExpiry           = 15 * time.Minute
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	Store          store.Store

	Inference ai.Config
	Generator ai.Generator

	ImageStore storage.ObjectStore
	Minio      storage.MinioConfig

	DefaultMaxSubmissions int
	InferenceTimeout      time.Duration
	Now                   func() time.Time
}

// App runs diagnoses against the quota and diagnosis stores.
type App struct {
	store            store.Store
	inference        *inference.Client
	images           storage.ObjectStore
	defaultMax       int
	inferenceTimeout time.Duration
	now              func() time.Time
}

// New wires the store, model provider and optional image store. A missing
// model credential is logged and leaves diagnoses failing with
// ErrInferenceNotConfigured.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init %s store: %w", cfg.DatabaseDriver, err)
		}
	}

	gen := cfg.Generator
	if gen == nil {
		var err error
		gen, err = ai.NewGenerator(cfg.Inference)
		switch {
		case errors.Is(err, ai.ErrNotConfigured):
			slog.Warn("inference provider not configured; diagnoses will fail", "provider", cfg.Inference.Provider, "err", err)
			gen = nil
		case err != nil:
			return nil, fmt.Errorf("init inference provider: %w", err)
		}
	}

	images := cfg.ImageStore
	if images == nil && strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		minioStore, err := storage.NewMinioStore(context.Background(), cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("init image store: %w", err)
		}
		images = minioStore
	}

	defaultMax := cfg.DefaultMaxSubmissions
	if defaultMax <= 0 {
		defaultMax = domain.DefaultMaxSubmissions
	}
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:            dataStore,
		inference:        inference.NewClient(gen),
		images:           images,
		defaultMax:       defaultMax,
		inferenceTimeout: timeout,
		now:              now,
	}, nil
}

// Close releases the underlying store.
func (a *App) Close() error {
	return a.store.Close()
}

// InferenceConfigured reports whether a model provider is available.
func (a *App) InferenceConfigured() bool { return a.inference.Configured() }

// DiagnoseResult is the successful outcome of Diagnose.
type DiagnoseResult struct {
	Diagnosis   domain.DiagnosisResult
	DiagnosisID string
	Remaining   int
}

// Diagnose validates the request, checks the monthly quota, runs one model
// call, stores the record and then charges the quota. Nothing is stored
// or charged when inference fails.
func (a *App) Diagnose(ctx context.Context, user domain.User, req domain.DiagnosisRequest) (DiagnoseResult, error) {
	logger := util.LoggerFromContext(ctx)
	if err := validateRequest(&req); err != nil {
		return DiagnoseResult{}, err
	}

	monthYear := domain.MonthKey(a.now())
	quota, err := a.quotaFor(ctx, user.ID, monthYear)
	if err != nil {
		return DiagnoseResult{}, err
	}
	if quota.SubmissionCount >= quota.MaxSubmissions {
		logger.Info("diagnosis_quota_exceeded", "month", monthYear, "used", quota.SubmissionCount, "max", quota.MaxSubmissions)
		return DiagnoseResult{}, ErrQuotaExceeded
	}

	result, err := a.infer(ctx, req)
	if err != nil {
		logger.Warn("diagnosis_inference_failed", "crop", req.CropType, "err", err)
		return DiagnoseResult{}, err
	}

	// a finished inference is committed even if the caller goes away
	commitCtx := context.WithoutCancel(ctx)
	rec := domain.DiagnosisRecord{
		ID:               util.NewID(),
		UserID:           user.ID,
		CropType:         req.CropType,
		Description:      req.Description,
		ImageURL:         req.ImageURL,
		SymptomsDuration: req.SymptomsDuration,
		Location:         req.Location,
		Result:           result,
		Status:           domain.StatusCompleted,
		CreatedAt:        a.now().UTC(),
	}
	a.offloadImage(commitCtx, logger, &rec)
	if err := a.store.SaveDiagnosis(commitCtx, rec); err != nil {
		a.dropImage(commitCtx, logger, rec.ImageKey)
		return DiagnoseResult{}, fmt.Errorf("save diagnosis: %w", err)
	}

	remaining := quota.MaxSubmissions - (quota.SubmissionCount + 1)
	updated, err := a.store.IncrementQuota(commitCtx, user.ID, monthYear, a.defaultMax)
	switch {
	case errors.Is(err, store.ErrQuotaExhausted):
		// a concurrent request took the last slot after our check
		if delErr := a.store.DeleteDiagnosis(commitCtx, rec.ID); delErr != nil {
			logger.Error("diagnosis_compensation_failed", "diagnosis_id", rec.ID, "err", delErr)
		}
		a.dropImage(commitCtx, logger, rec.ImageKey)
		logger.Info("diagnosis_quota_exceeded", "month", monthYear, "race", true)
		return DiagnoseResult{}, ErrQuotaExceeded
	case err != nil:
		logger.Error("diagnosis_quota_update_failed", "diagnosis_id", rec.ID, "month", monthYear, "err", err)
	default:
		remaining = updated.Remaining()
	}
	if remaining < 0 {
		remaining = 0
	}

	logger.Info("diagnosis_completed",
		"diagnosis_id", rec.ID,
		"crop", rec.CropType,
		"disease", result.DiseaseName,
		"confidence", result.Confidence,
		"has_image", req.ImageURL != "",
		"remaining", remaining,
	)
	return DiagnoseResult{Diagnosis: result, DiagnosisID: rec.ID, Remaining: remaining}, nil
}

func (a *App) infer(ctx context.Context, req domain.DiagnosisRequest) (domain.DiagnosisResult, error) {
	if !a.inference.Configured() {
		return domain.DiagnosisResult{}, ErrInferenceNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, a.inferenceTimeout)
	defer cancel()
	result, err := a.inference.Diagnose(ctx, inference.Input{
		CropType:         req.CropType,
		ImageURL:         req.ImageURL,
		Description:      req.Description,
		SymptomsDuration: req.SymptomsDuration,
		Location:         req.Location,
	})
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ai.ErrNotConfigured):
		return domain.DiagnosisResult{}, fmt.Errorf("%w: %v", ErrInferenceNotConfigured, err)
	case errors.Is(err, ai.ErrRateLimited), errors.Is(err, ai.ErrPaymentRequired), errors.Is(err, ai.ErrUpstream):
		return domain.DiagnosisResult{}, err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.DiagnosisResult{}, fmt.Errorf("%w: inference timed out after %s", ai.ErrUpstream, a.inferenceTimeout)
	default:
		return domain.DiagnosisResult{}, fmt.Errorf("%w: %v", ai.ErrUpstream, err)
	}
}

// offloadImage moves an inline data URL to object storage. Failures keep
// the inline payload on the record.
func (a *App) offloadImage(ctx context.Context, logger *slog.Logger, rec *domain.DiagnosisRecord) {
	if a.images == nil || !ai.IsDataURL(rec.ImageURL) {
		return
	}
	img, err := ai.DecodeDataURL(rec.ImageURL)
	if err != nil {
		logger.Warn("diagnosis_image_decode_failed", "diagnosis_id", rec.ID, "err", err)
		return
	}
	key := storage.ImageKey(rec.UserID, rec.ID, ai.ExtensionFor(img.MIMEType))
	if err := storage.PutBytes(ctx, a.images, key, img.Data, img.MIMEType); err != nil {
		logger.Warn("diagnosis_image_upload_failed", "diagnosis_id", rec.ID, "err", err)
		return
	}
	rec.ImageKey = key
	rec.ImageURL = ""
}

func (a *App) dropImage(ctx context.Context, logger *slog.Logger, key string) {
	if a.images == nil || key == "" {
		return
	}
	if err := a.images.Delete(ctx, key); err != nil {
		logger.Warn("diagnosis_image_delete_failed", "key", key, "err", err)
	}
}

// quotaFor returns the stored record or an unused one with the default max.
func (a *App) quotaFor(ctx context.Context, userID, monthYear string) (domain.SubmissionQuota, error) {
	quota, found, err := a.store.GetQuota(ctx, userID, monthYear)
	if err != nil {
		return domain.SubmissionQuota{}, fmt.Errorf("check quota: %w", err)
	}
	if !found {
		return domain.SubmissionQuota{UserID: userID, MonthYear: monthYear, MaxSubmissions: a.defaultMax}, nil
	}
	return quota, nil
}

// SubmissionStatus is the caller's usage for the current month.
type SubmissionStatus struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Max       int `json:"max"`
}

// SubmissionStatus reports usage for the current UTC month. Read only.
func (a *App) SubmissionStatus(ctx context.Context, user domain.User) (SubmissionStatus, error) {
	return a.StatusFor(ctx, user.ID, domain.MonthKey(a.now()))
}

// StatusFor reports usage for any user and month.
func (a *App) StatusFor(ctx context.Context, userID, monthYear string) (SubmissionStatus, error) {
	quota, err := a.quotaFor(ctx, userID, monthYear)
	if err != nil {
		return SubmissionStatus{}, err
	}
	return SubmissionStatus{
		Used:      quota.SubmissionCount,
		Remaining: quota.Remaining(),
		Max:       quota.MaxSubmissions,
	}, nil
}

// SetSubmissionLimit overrides a user's maximum for one month.
func (a *App) SetSubmissionLimit(ctx context.Context, userID, monthYear string, max int) (SubmissionStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return SubmissionStatus{}, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if _, err := time.Parse("2006-01", monthYear); err != nil {
		return SubmissionStatus{}, fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidRequest)
	}
	if max < 1 {
		return SubmissionStatus{}, fmt.Errorf("%w: max must be >= 1", ErrInvalidRequest)
	}
	quota, err := a.store.SetQuotaMax(ctx, userID, monthYear, max)
	if err != nil {
		return SubmissionStatus{}, err
	}
	return SubmissionStatus{Used: quota.SubmissionCount, Remaining: quota.Remaining(), Max: quota.MaxSubmissions}, nil
}

// ListDiagnoses returns the caller's history, newest first.
func (a *App) ListDiagnoses(ctx context.Context, user domain.User, limit int) ([]domain.DiagnosisRecord, error) {
	return a.HistoryFor(ctx, user.ID, limit)
}

// HistoryFor returns any user's history, newest first.
func (a *App) HistoryFor(ctx context.Context, userID string, limit int) ([]domain.DiagnosisRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	items, err := a.store.ListDiagnosesByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnoses: %w", err)
	}
	for i := range items {
		a.presignImage(ctx, &items[i])
	}
	return items, nil
}

// GetDiagnosis returns one of the caller's diagnoses. Admins may read any.
func (a *App) GetDiagnosis(ctx context.Context, user domain.User, id string) (domain.DiagnosisRecord, error) {
	rec, found, err := a.store.GetDiagnosis(ctx, id)
	if err != nil {
		return domain.DiagnosisRecord{}, fmt.Errorf("get diagnosis: %w", err)
	}
	if !found {
		return domain.DiagnosisRecord{}, ErrDiagnosisNotFound
	}
	if rec.UserID != user.ID && user.Role != domain.RoleAdmin {
		return domain.DiagnosisRecord{}, ErrDiagnosisForbidden
	}
	a.presignImage(ctx, &rec)
	return rec, nil
}

func (a *App) presignImage(ctx context.Context, rec *domain.DiagnosisRecord) {
	if a.images == nil || rec.ImageKey == "" {
		return
	}
	signed, err := a.images.PresignGet(ctx, rec.ImageKey, presignExpiry)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("diagnosis_image_presign_failed", "diagnosis_id", rec.ID, "err", err)
		return
	}
	rec.ImageURL = signed
}

func validateRequest(req *domain.DiagnosisRequest) error {
	req.CropType = strings.TrimSpace(req.CropType)
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	req.Description = strings.TrimSpace(req.Description)
	req.SymptomsDuration = strings.TrimSpace(req.SymptomsDuration)
	req.Location = strings.TrimSpace(req.Location)

	if req.CropType == "" {
		return fmt.Errorf("%w: cropType is required", ErrInvalidRequest)
	}
	if req.ImageURL == "" && req.Description == "" {
		return fmt.Errorf("%w: an image or a description is required", ErrInvalidRequest)
	}
	if req.ImageURL != "" && !validImageURL(req.ImageURL) {
		return fmt.Errorf("%w: imageUrl must be a data:image URL or an http(s) URL", ErrInvalidRequest)
	}
	if req.ImageURL != "" && !publicImageHost(req.ImageURL) {
		return fmt.Errorf("%w: imageUrl host is not allowed", ErrInvalidRequest)
	}
	return nil
}

func validImageURL(raw string) bool {
	if strings.HasPrefix(raw, "data:image/") {
		return strings.Contains(raw, ",")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// publicImageHost rejects remote image URLs naming localhost or a
// non-public IP literal. Hostnames are checked again at dial time.
func publicImageHost(raw string) bool {
	if strings.HasPrefix(raw, "data:") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return ai.IsPublicAddr(addr)
	}
	return true
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"cropdoc/pkg/domain"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 40417731

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const incrementQuotaSQL = `
INSERT INTO user_submissions (id, user_id, month_year, submission_count, max_submissions, created_at, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT (user_id, month_year) DO UPDATE
SET submission_count = user_submissions.submission_count + 1,
    updated_at = excluded.updated_at
WHERE user_submissions.submission_count < user_submissions.max_submissions
RETURNING user_id, month_year, submission_count, max_submissions`

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db     *gorm.DB
	driver string
	now    func() time.Time
}

// Open connects with the named driver and runs auto-migrations.
func Open(driver, dsn string) (*GormStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	var dialector gorm.Dialector
	switch driver {
	case "", DriverPostgres:
		driver = DriverPostgres
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// single writer avoids SQLITE_BUSY under concurrent increments
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&SubmissionQuotaModel{}, &DiagnosisModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if driver == DriverPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, driver: driver, now: time.Now}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetQuota returns the quota record for a user and month.
func (s *GormStore) GetQuota(ctx context.Context, userID, monthYear string) (domain.SubmissionQuota, bool, error) {
	var model SubmissionQuotaModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND month_year = ?", userID, monthYear).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SubmissionQuota{}, false, nil
		}
		return domain.SubmissionQuota{}, false, err
	}
	return quotaFromModel(model), true, nil
}

type quotaRow struct {
	UserID          string
	MonthYear       string
	SubmissionCount int
	MaxSubmissions  int
}

// IncrementQuota counts one submission in a single conditional upsert.
func (s *GormStore) IncrementQuota(ctx context.Context, userID, monthYear string, defaultMax int) (domain.SubmissionQuota, error) {
	if defaultMax <= 0 {
		defaultMax = domain.DefaultMaxSubmissions
	}
	now := s.now().UTC()
	var rows []quotaRow
	res := s.db.WithContext(ctx).
		Raw(incrementQuotaSQL, uuid.NewString(), userID, monthYear, defaultMax, now, now).
		Scan(&rows)
	if res.Error != nil {
		return domain.SubmissionQuota{}, fmt.Errorf("increment quota: %w", res.Error)
	}
	if len(rows) == 0 {
		return domain.SubmissionQuota{}, ErrQuotaExhausted
	}
	row := rows[0]
	return domain.SubmissionQuota{
		UserID:          row.UserID,
		MonthYear:       row.MonthYear,
		SubmissionCount: row.SubmissionCount,
		MaxSubmissions:  row.MaxSubmissions,
	}, nil
}

// SetQuotaMax upserts the monthly maximum, keeping any existing count.
func (s *GormStore) SetQuotaMax(ctx context.Context, userID, monthYear string, max int) (domain.SubmissionQuota, error) {
	if max < 1 {
		return domain.SubmissionQuota{}, fmt.Errorf("max submissions must be >= 1")
	}
	now := s.now().UTC()
	model := SubmissionQuotaModel{
		ID:             uuid.NewString(),
		UserID:         userID,
		MonthYear:      monthYear,
		MaxSubmissions: max,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "month_year"}},
		DoUpdates: clause.AssignmentColumns([]string{"max_submissions", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return domain.SubmissionQuota{}, fmt.Errorf("set quota max: %w", err)
	}
	quota, found, err := s.GetQuota(ctx, userID, monthYear)
	if err != nil {
		return domain.SubmissionQuota{}, err
	}
	if !found {
		return domain.SubmissionQuota{}, fmt.Errorf("set quota max: record missing after upsert")
	}
	return quota, nil
}

// SaveDiagnosis inserts a diagnosis record.
func (s *GormStore) SaveDiagnosis(ctx context.Context, rec domain.DiagnosisRecord) error {
	model, err := diagnosisToModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetDiagnosis fetches a diagnosis by id.
func (s *GormStore) GetDiagnosis(ctx context.Context, id string) (domain.DiagnosisRecord, bool, error) {
	var model DiagnosisModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DiagnosisRecord{}, false, nil
		}
		return domain.DiagnosisRecord{}, false, err
	}
	rec, err := diagnosisFromModel(model)
	if err != nil {
		return domain.DiagnosisRecord{}, false, err
	}
	return rec, true, nil
}

// ListDiagnosesByUser returns a user's diagnoses, newest first.
func (s *GormStore) ListDiagnosesByUser(ctx context.Context, userID string, limit int) ([]domain.DiagnosisRecord, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []DiagnosisModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DiagnosisRecord, 0, len(models))
	for _, m := range models {
		rec, err := diagnosisFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteDiagnosis removes a diagnosis by id.
func (s *GormStore) DeleteDiagnosis(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&DiagnosisModel{}, "id = ?", id).Error
}

// Converters
func quotaFromModel(m SubmissionQuotaModel) domain.SubmissionQuota {
	return domain.SubmissionQuota{
		UserID:          m.UserID,
		MonthYear:       m.MonthYear,
		SubmissionCount: m.SubmissionCount,
		MaxSubmissions:  m.MaxSubmissions,
	}
}

func diagnosisToModel(rec domain.DiagnosisRecord) (DiagnosisModel, error) {
	result := rec.Result
	result.Normalize()
	raw, err := json.Marshal(result)
	if err != nil {
		return DiagnosisModel{}, fmt.Errorf("encode diagnosis result: %w", err)
	}
	return DiagnosisModel{
		ID:               rec.ID,
		UserID:           rec.UserID,
		CropType:         rec.CropType,
		Description:      rec.Description,
		ImageURL:         rec.ImageURL,
		ImageKey:         rec.ImageKey,
		SymptomsDuration: rec.SymptomsDuration,
		Location:         rec.Location,
		DiagnosisResult:  datatypes.JSON(raw),
		Status:           string(rec.Status),
		CreatedAt:        rec.CreatedAt,
	}, nil
}

func diagnosisFromModel(m DiagnosisModel) (domain.DiagnosisRecord, error) {
	var result domain.DiagnosisResult
	if len(m.DiagnosisResult) > 0 {
		if err := json.Unmarshal(m.DiagnosisResult, &result); err != nil {
			return domain.DiagnosisRecord{}, fmt.Errorf("decode diagnosis result %s: %w", m.ID, err)
		}
	}
	result.Normalize()
	return domain.DiagnosisRecord{
		ID:               m.ID,
		UserID:           m.UserID,
		CropType:         m.CropType,
		Description:      m.Description,
		ImageURL:         m.ImageURL,
		ImageKey:         m.ImageKey,
		SymptomsDuration: m.SymptomsDuration,
		Location:         m.Location,
		Result:           result,
		Status:           domain.DiagnosisStatus(m.Status),
		CreatedAt:        m.CreatedAt,
	}, nil
}

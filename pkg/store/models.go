package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type SubmissionQuotaModel struct {
	ID              string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null;uniqueIndex:idx_user_submissions_user_month"`
	MonthYear       string    `gorm:"not null;uniqueIndex:idx_user_submissions_user_month"`
	SubmissionCount int       `gorm:"not null"`
	MaxSubmissions  int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (SubmissionQuotaModel) TableName() string { return "user_submissions" }

type DiagnosisModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	CropType         string `gorm:"not null"`
	Description      string `gorm:"type:text"`
	ImageURL         string `gorm:"type:text"`
	ImageKey         string
	SymptomsDuration string
	Location         string
	DiagnosisResult  datatypes.JSON
	Status           string    `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;index"`
}

func (DiagnosisModel) TableName() string { return "diagnoses" }

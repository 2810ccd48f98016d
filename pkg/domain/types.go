package domain

import "time"

// DefaultMaxSubmissions is the monthly allowance for users without a quota record.
const DefaultMaxSubmissions = 10

type DiagnosisStatus string

const (
	StatusCompleted DiagnosisStatus = "completed"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the caller identity resolved from a bearer token.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Role  UserRole `json:"role,omitempty"`
}

// SubmissionQuota is the per-user, per-month submission counter.
type SubmissionQuota struct {
	UserID          string `json:"user_id"`
	MonthYear       string `json:"month_year"`
	SubmissionCount int    `json:"submission_count"`
	MaxSubmissions  int    `json:"max_submissions"`
}

// Remaining returns how many submissions are left, never below zero.
func (q SubmissionQuota) Remaining() int {
	if q.SubmissionCount >= q.MaxSubmissions {
		return 0
	}
	return q.MaxSubmissions - q.SubmissionCount
}

// MonthKey buckets t into its UTC calendar month ("YYYY-MM").
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type DiagnosisRequest struct {
	ImageURL         string `json:"imageUrl,omitempty"`
	Description      string `json:"description,omitempty"`
	CropType         string `json:"cropType"`
	SymptomsDuration string `json:"symptomsDuration,omitempty"`
	Location         string `json:"location,omitempty"`
}

type DiagnosisRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	CropType         string          `json:"crop_type"`
	Description      string          `json:"description,omitempty"`
	ImageURL         string          `json:"image_url,omitempty"`
	ImageKey         string          `json:"-"`
	SymptomsDuration string          `json:"symptoms_duration,omitempty"`
	Location         string          `json:"location,omitempty"`
	Result           DiagnosisResult `json:"diagnosis_result"`
	Status           DiagnosisStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

type Treatment struct {
	ImmediateActions   []string `json:"immediate_actions"`
	ChemicalTreatment  []string `json:"chemical_treatment"`
	OrganicTreatment   []string `json:"organic_treatment"`
	PreventiveMeasures []string `json:"preventive_measures"`
}

type DiagnosisResult struct {
	DiseaseName         string     `json:"disease_name"`
	Confidence          Confidence `json:"confidence"`
	Severity            string     `json:"severity,omitempty"`
	Description         string     `json:"description"`
	Causes              []string   `json:"causes"`
	Symptoms            []string   `json:"symptoms"`
	AffectedParts       []string   `json:"affected_parts"`
	Treatment           Treatment  `json:"treatment"`
	ExpectedYieldImpact string     `json:"expected_yield_impact,omitempty"`
	Prognosis           string     `json:"prognosis"`
	AdditionalQuestions []string   `json:"additional_questions"`
}

// Normalize replaces nil lists with empty ones so the result always
// serializes with arrays.
func (r *DiagnosisResult) Normalize() {
	r.Causes = nonNil(r.Causes)
	r.Symptoms = nonNil(r.Symptoms)
	r.AffectedParts = nonNil(r.AffectedParts)
	r.AdditionalQuestions = nonNil(r.AdditionalQuestions)
	r.Treatment.ImmediateActions = nonNil(r.Treatment.ImmediateActions)
	r.Treatment.ChemicalTreatment = nonNil(r.Treatment.ChemicalTreatment)
	r.Treatment.OrganicTreatment = nonNil(r.Treatment.OrganicTreatment)
	r.Treatment.PreventiveMeasures = nonNil(r.Treatment.PreventiveMeasures)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

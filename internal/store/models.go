package store

import "time"

// Feedback verdicts accepted from users.
const (
	VerdictAccurate = "accurate"
	VerdictWrong    = "wrong"
)

// Training run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// HeadlineNotFound stands in for feedback whose prediction row is gone.
const HeadlineNotFound = "Headline not found"

// User is a registered account.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"size:64;uniqueIndex"`
	PasswordHash string `gorm:"size:255"`
	IsAdmin      bool
	CreatedAt    time.Time
}

// Prediction is one classified headline submitted by a user.
type Prediction struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           uint   `gorm:"index"`
	Headline         string `gorm:"type:text"`
	Label            string `gorm:"column:prediction;size:8"`
	Confidence       float64
	ModelVersion     string `gorm:"size:64"`
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

// Feedback records whether a user agreed with a prediction. There is at most
// one row per prediction and user.
type Feedback struct {
	ID           uint   `gorm:"primaryKey"`
	PredictionID uint   `gorm:"uniqueIndex:idx_feedback_prediction_user"`
	UserID       uint   `gorm:"uniqueIndex:idx_feedback_prediction_user;index"`
	Verdict      string `gorm:"column:feedback;size:16"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName keeps the singular table name.
func (Feedback) TableName() string {
	return "feedback"
}

// FeedbackEntry is a feedback row joined with its headline.
type FeedbackEntry struct {
	PredictionID uint      `json:"prediction_id"`
	Verdict      string    `json:"feedback"`
	Headline     string    `json:"headline"`
	UpdatedAt    time.Time `json:"timestamp"`
}

// FeedbackStats counts a user's verdicts.
type FeedbackStats struct {
	Accurate int64 `json:"accurate"`
	Wrong    int64 `json:"wrong"`
}

// Total returns the number of verdicts.
func (s FeedbackStats) Total() int64 {
	return s.Accurate + s.Wrong
}

// AccuracyPercentage is the share of accurate verdicts, or 0 without feedback.
func (s FeedbackStats) AccuracyPercentage() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Accurate) / float64(s.Total()) * 100
}

// TrainingRun tracks a training job started through the API.
type TrainingRun struct {
	ID              uint   `gorm:"primaryKey"`
	JobID           string `gorm:"size:64;uniqueIndex"`
	Status          string `gorm:"size:32;index"`
	RequestedBy     string `gorm:"size:64"`
	Epochs          int
	TrainExamples   int
	ValidExamples   int
	Accuracy        float64
	Loss            float64
	ArtifactVersion string `gorm:"size:64"`
	InitFrom        string `gorm:"size:64"`
	Message         string `gorm:"size:512"`
	StartedAt       time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
}

// TrainingRunResult carries the fields written when a run ends.
type TrainingRunResult struct {
	Status          string
	TrainExamples   int
	ValidExamples   int
	Accuracy        float64
	Loss            float64
	ArtifactVersion string
	Message         string
}

// PredictionQuery filters a user's prediction history.
type PredictionQuery struct {
	UserID uint
	Search string
	Offset int
	Limit  int
}

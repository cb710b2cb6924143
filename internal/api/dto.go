package api

import (
	"math"
	"time"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/news"
	"truthlens/backend/internal/store"
)

// CredentialsRequest is the body of register and login calls.
type CredentialsRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// UserDTO is the public view of an account.
type UserDTO struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginResponse carries the session token for non-browser clients.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserDTO   `json:"user"`
}

// PredictRequest submits one headline.
type PredictRequest struct {
	Headline string `json:"headline" form:"headline"`
}

// PredictResponse reports a stored prediction.
type PredictResponse struct {
	PredictionID     uint    `json:"prediction_id"`
	Result           string  `json:"result"`
	Confidence       float64 `json:"confidence"`
	ConfidenceText   string  `json:"confidence_text"`
	ModelVersion     string  `json:"model_version"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// FeedbackRequest records a verdict on an earlier prediction.
type FeedbackRequest struct {
	PredictionID uint   `json:"prediction_id" form:"prediction_id"`
	Feedback     string `json:"feedback" form:"feedback"`
}

// FeedbackDTO is one recent verdict on the dashboard.
type FeedbackDTO struct {
	PredictionID uint      `json:"prediction_id"`
	Feedback     string    `json:"feedback"`
	Headline     string    `json:"headline"`
	Timestamp    time.Time `json:"timestamp"`
}

// DashboardResponse summarises a user's activity.
type DashboardResponse struct {
	TotalPredictions   int64               `json:"total_predictions"`
	AccuracyStats      store.FeedbackStats `json:"accuracy_stats"`
	AccuracyPercentage float64             `json:"accuracy_percentage"`
	RecentFeedback     []FeedbackDTO       `json:"recent_feedback"`
}

// PredictionDTO is the API representation of a stored prediction.
type PredictionDTO struct {
	ID               uint      `json:"id"`
	Headline         string    `json:"headline"`
	Prediction       string    `json:"prediction"`
	Confidence       float64   `json:"confidence"`
	ModelVersion     string    `json:"model_version,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// HistoryResponse is a page of a user's predictions.
type HistoryResponse struct {
	Items    []PredictionDTO `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Search   string          `json:"search"`
}

// ArticleDTO is a news headline with an optional classification.
type ArticleDTO struct {
	news.Article
	Prediction *classifier.PredictionResult `json:"prediction,omitempty"`
}

// NewsResponse lists live headlines.
type NewsResponse struct {
	Articles   []ArticleDTO `json:"articles"`
	Count      int          `json:"count"`
	Classified bool         `json:"classified"`
}

// TrainRequest overrides the server's training defaults for one run.
type TrainRequest struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Seed         *int64  `json:"seed"`
	FromBase     bool    `json:"from_base"`
}

// StartTrainingResponse describes the asynchronous training kickoff payload.
type StartTrainingResponse struct {
	JobID         string    `json:"job_id"`
	Epochs        int       `json:"epochs"`
	TrainExamples int       `json:"train_examples"`
	ValidExamples int       `json:"valid_examples"`
	InitFrom      string    `json:"init_from,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// TrainingStatusResponse describes the state of the active training job.
type TrainingStatusResponse struct {
	Running      bool           `json:"running"`
	JobID        string         `json:"job_id,omitempty"`
	State        string         `json:"state,omitempty"`
	Message      string         `json:"message,omitempty"`
	Step         int            `json:"step"`
	TotalSteps   int            `json:"total_steps"`
	Epoch        int            `json:"epoch"`
	Epochs       int            `json:"epochs"`
	LastEvent    *TrainingEvent `json:"last_event,omitempty"`
	ModelState   string         `json:"model_state"`
	ModelVersion string         `json:"model_version,omitempty"`
}

// TrainingRunDTO is a recorded training job.
type TrainingRunDTO struct {
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	RequestedBy     string     `json:"requested_by"`
	Epochs          int        `json:"epochs"`
	TrainExamples   int        `json:"train_examples"`
	ValidExamples   int        `json:"valid_examples"`
	Accuracy        float64    `json:"accuracy"`
	Loss            float64    `json:"loss"`
	ArtifactVersion string     `json:"artifact_version,omitempty"`
	InitFrom        string     `json:"init_from,omitempty"`
	Message         string     `json:"message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

// ModelDTO describes the artifact being served.
type ModelDTO struct {
	State    string              `json:"state"`
	Version  string              `json:"version,omitempty"`
	Accuracy float64             `json:"accuracy,omitempty"`
	Metrics  *classifier.Metrics `json:"metrics,omitempty"`
}

func userFromModel(u *store.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin, CreatedAt: u.CreatedAt}
}

func predictionFromModel(p store.Prediction, loc *time.Location) PredictionDTO {
	return PredictionDTO{
		ID:               p.ID,
		Headline:         p.Headline,
		Prediction:       p.Label,
		Confidence:       round2(p.Confidence),
		ModelVersion:     p.ModelVersion,
		ProcessingTimeMs: p.ProcessingTimeMs,
		Timestamp:        p.CreatedAt.In(loc),
	}
}

func trainingRunFromModel(r store.TrainingRun) TrainingRunDTO {
	return TrainingRunDTO{
		JobID:           r.JobID,
		Status:          r.Status,
		RequestedBy:     r.RequestedBy,
		Epochs:          r.Epochs,
		TrainExamples:   r.TrainExamples,
		ValidExamples:   r.ValidExamples,
		Accuracy:        round2(r.Accuracy * 100),
		Loss:            r.Loss,
		ArtifactVersion: r.ArtifactVersion,
		InitFrom:        r.InitFrom,
		Message:         r.Message,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
}

func modelFromPipeline(p *classifier.Pipeline) ModelDTO {
	dto := ModelDTO{State: p.State().String()}
	if art := p.Artifact(); art != nil {
		metrics := art.Metrics
		dto.Version = art.Version
		dto.Accuracy = round2(metrics.Accuracy * 100)
		dto.Metrics = &metrics
	}
	return dto
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("record already exists")
)

// Database wraps the GORM DB handle and exposes repository helpers.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed database at the provided path.
func Open(path string, silent bool) (*Database, error) {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Prediction{}, &Feedback{}, &TrainingRun{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := applyIndexes(db); err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// GORM exposes the raw gorm.DB handle.
func (d *Database) GORM() *gorm.DB {
	return d.gorm
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a new account; usernames are unique.
func (d *Database) CreateUser(user *User) error {
	if user == nil {
		return errors.New("user is nil")
	}
	user.Username = strings.TrimSpace(user.Username)
	d.mu.Lock()
	defer d.mu.Unlock()

	var existing int64
	if err := d.gorm.Model(&User{}).Where("username = ?", user.Username).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("user %q: %w", user.Username, ErrDuplicate)
	}
	if err := d.gorm.Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", user.Username, ErrDuplicate)
		}
		return err
	}
	return nil
}

// UserByUsername looks up an account by its exact username.
func (d *Database) UserByUsername(username string) (*User, error) {
	var user User
	if err := d.gorm.Where("username = ?", strings.TrimSpace(username)).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// UserByID looks up an account by primary key.
func (d *Database) UserByID(id uint) (*User, error) {
	var user User
	if err := d.gorm.First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// SavePrediction creates a prediction row.
func (d *Database) SavePrediction(p *Prediction) error {
	if p == nil {
		return errors.New("prediction is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Create(p).Error
}

// PredictionForUser returns the prediction only when userID owns it.
func (d *Database) PredictionForUser(id, userID uint) (*Prediction, error) {
	var p Prediction
	if err := d.gorm.Where("id = ? AND user_id = ?", id, userID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// CountPredictions returns how many predictions userID has made.
func (d *Database) CountPredictions(userID uint) (int64, error) {
	var count int64
	if err := d.gorm.Model(&Prediction{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListPredictions pages through a user's history, newest first, optionally
// filtered by a headline substring.
func (d *Database) ListPredictions(opts PredictionQuery) ([]Prediction, int64, error) {
	var total int64
	base := d.gorm.Model(&Prediction{}).Where("user_id = ?", opts.UserID)
	if search := strings.TrimSpace(opts.Search); search != "" {
		base = base.Where("headline LIKE ?", fmt.Sprintf("%%%s%%", search))
	}
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	queryBuilder := base.Order("created_at DESC, id DESC").Offset(opts.Offset)
	if opts.Limit > 0 {
		queryBuilder = queryBuilder.Limit(opts.Limit)
	}
	var rows []Prediction
	if err := queryBuilder.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// UpsertFeedback inserts a verdict or replaces the user's earlier one for the
// same prediction.
func (d *Database) UpsertFeedback(fb *Feedback) error {
	if fb == nil {
		return errors.New("feedback is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prediction_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"feedback", "updated_at"}),
	}).Create(fb).Error
}

// FeedbackStats counts a user's verdicts by kind.
func (d *Database) FeedbackStats(userID uint) (FeedbackStats, error) {
	var rows []struct {
		Verdict string
		Total   int64
	}
	err := d.gorm.Model(&Feedback{}).
		Select("feedback AS verdict, COUNT(*) AS total").
		Where("user_id = ?", userID).
		Group("feedback").
		Scan(&rows).Error
	if err != nil {
		return FeedbackStats{}, err
	}
	var stats FeedbackStats
	for _, row := range rows {
		switch row.Verdict {
		case VerdictAccurate:
			stats.Accurate = row.Total
		case VerdictWrong:
			stats.Wrong = row.Total
		}
	}
	return stats, nil
}

// RecentFeedback returns a user's latest verdicts with their headlines.
func (d *Database) RecentFeedback(userID uint, limit int) ([]FeedbackEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	var rows []FeedbackEntry
	err := d.gorm.Table("feedback").
		Select("feedback.prediction_id AS prediction_id, feedback.feedback AS verdict, COALESCE(predictions.headline, ?) AS headline, feedback.updated_at AS updated_at", HeadlineNotFound).
		Joins("LEFT JOIN predictions ON predictions.id = feedback.prediction_id").
		Where("feedback.user_id = ?", userID).
		Order("feedback.updated_at DESC, feedback.id DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateTrainingRun records a new job in the running state.
func (d *Database) CreateTrainingRun(run *TrainingRun) error {
	if run == nil {
		return errors.New("training run is nil")
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Create(run).Error
}

// FinishTrainingRun stores the outcome of a job.
func (d *Database) FinishTrainingRun(jobID string, result TrainingRunResult) error {
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.gorm.Model(&TrainingRun{}).Where("job_id = ?", jobID).Updates(map[string]any{
		"status":           result.Status,
		"train_examples":   result.TrainExamples,
		"valid_examples":   result.ValidExamples,
		"accuracy":         result.Accuracy,
		"loss":             result.Loss,
		"artifact_version": result.ArtifactVersion,
		"message":          truncate(result.Message, 512),
		"finished_at":      &now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("training run %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// ListTrainingRuns returns the most recent runs first.
func (d *Database) ListTrainingRuns(limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []TrainingRun
	if err := d.gorm.Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// FailInterruptedRuns marks runs left running by a previous process as failed.
func (d *Database) FailInterruptedRuns() (int64, error) {
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.gorm.Model(&TrainingRun{}).Where("status = ?", RunRunning).Updates(map[string]any{
		"status":      RunFailed,
		"message":     "interrupted by server restart",
		"finished_at": &now,
	})
	return res.RowsAffected, res.Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func applyIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_predictions_user_created ON predictions(user_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_feedback_user_updated ON feedback(user_id, updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs(started_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

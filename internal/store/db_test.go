package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "truthlens.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, db *Database, name string) *User {
	t.Helper()
	user := &User{Username: name, PasswordHash: "hash"}
	require.NoError(t, db.CreateUser(user))
	return user
}

func TestCreateUserUnique(t *testing.T) {
	db := openTestDB(t)
	alice := createUser(t, db, "alice")
	assert.NotZero(t, alice.ID)

	err := db.CreateUser(&User{Username: " alice ", PasswordHash: "other"})
	require.ErrorIs(t, err, ErrDuplicate)

	byName, err := db.UserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byName.ID)

	byID, err := db.UserByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	_, err = db.UserByUsername("bob")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.UserByID(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPredictionsHistoryAndSearch(t *testing.T) {
	db := openTestDB(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	headlines := []string{"Senate passes budget", "Aliens land in Ohio", "Budget talks stall"}
	for i, h := range headlines {
		require.NoError(t, db.SavePrediction(&Prediction{
			UserID:     alice.ID,
			Headline:   h,
			Label:      "REAL",
			Confidence: 80,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, db.SavePrediction(&Prediction{UserID: bob.ID, Headline: "Budget for bob", Label: "FAKE", Confidence: 60}))

	count, err := db.CountPredictions(alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	rows, total, err := db.ListPredictions(PredictionQuery{UserID: alice.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 3)
	assert.Equal(t, "Budget talks stall", rows[0].Headline)

	rows, total, err = db.ListPredictions(PredictionQuery{UserID: alice.ID, Search: "budget"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, alice.ID, row.UserID)
	}

	rows, total, err = db.ListPredictions(PredictionQuery{UserID: alice.ID, Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "Senate passes budget", rows[0].Headline)

	own, err := db.PredictionForUser(rows[0].ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, rows[0].Headline, own.Headline)
	_, err = db.PredictionForUser(rows[0].ID, bob.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertFeedbackKeepsOneRow(t *testing.T) {
	db := openTestDB(t)
	alice := createUser(t, db, "alice")
	p := &Prediction{UserID: alice.ID, Headline: "Senate passes budget", Label: "REAL", Confidence: 90}
	require.NoError(t, db.SavePrediction(p))

	require.NoError(t, db.UpsertFeedback(&Feedback{PredictionID: p.ID, UserID: alice.ID, Verdict: VerdictAccurate}))
	require.NoError(t, db.UpsertFeedback(&Feedback{PredictionID: p.ID, UserID: alice.ID, Verdict: VerdictWrong}))

	var count int64
	require.NoError(t, db.GORM().Model(&Feedback{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	stats, err := db.FeedbackStats(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, FeedbackStats{Accurate: 0, Wrong: 1}, stats)
	assert.Zero(t, stats.AccuracyPercentage())
}

func TestFeedbackStatsAndRecent(t *testing.T) {
	db := openTestDB(t)
	alice := createUser(t, db, "alice")

	var ids []uint
	for _, h := range []string{"one headline", "two headline", "three headline", "four headline"} {
		p := &Prediction{UserID: alice.ID, Headline: h, Label: "FAKE", Confidence: 70}
		require.NoError(t, db.SavePrediction(p))
		ids = append(ids, p.ID)
	}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	verdicts := []string{VerdictAccurate, VerdictAccurate, VerdictAccurate, VerdictWrong}
	for i, id := range ids {
		require.NoError(t, db.UpsertFeedback(&Feedback{
			PredictionID: id,
			UserID:       alice.ID,
			Verdict:      verdicts[i],
			UpdatedAt:    base.Add(time.Duration(i) * time.Hour),
		}))
	}
	// feedback for a prediction that no longer exists
	require.NoError(t, db.UpsertFeedback(&Feedback{PredictionID: 999, UserID: alice.ID, Verdict: VerdictWrong, UpdatedAt: base.Add(10 * time.Hour)}))

	stats, err := db.FeedbackStats(alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Accurate)
	assert.EqualValues(t, 2, stats.Wrong)
	assert.InDelta(t, 60.0, stats.AccuracyPercentage(), 1e-9)

	recent, err := db.RecentFeedback(alice.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, HeadlineNotFound, recent[0].Headline)
	assert.Equal(t, "four headline", recent[1].Headline)
	assert.Equal(t, VerdictWrong, recent[1].Verdict)
	assert.Equal(t, "three headline", recent[2].Headline)
}

func TestTrainingRuns(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateTrainingRun(&TrainingRun{JobID: "job-1", Epochs: 3, RequestedBy: "admin"}))
	require.NoError(t, db.CreateTrainingRun(&TrainingRun{JobID: "job-2", Epochs: 1, StartedAt: time.Now().UTC().Add(time.Minute)}))

	require.NoError(t, db.FinishTrainingRun("job-1", TrainingRunResult{
		Status:          RunCompleted,
		Accuracy:        0.61,
		ArtifactVersion: "v1",
	}))
	require.ErrorIs(t, db.FinishTrainingRun("missing", TrainingRunResult{Status: RunFailed}), ErrNotFound)

	n, err := db.FailInterruptedRuns()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	runs, err := db.ListTrainingRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "job-2", runs[0].JobID)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Equal(t, RunCompleted, runs[1].Status)
	assert.Equal(t, "v1", runs[1].ArtifactVersion)
	require.NotNil(t, runs[1].FinishedAt)
}

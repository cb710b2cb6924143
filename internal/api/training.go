package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/store"
)

// trainingJob tracks the state of a running training job.
type trainingJob struct {
	id          string
	cancel      context.CancelFunc
	done        chan struct{}
	startedAt   time.Time
	epochs      int
	requestedBy string
	initFrom    string
}

// startTraining launches a new asynchronous training job. The caller must
// hold s.jobMu prior to invoking this function.
func (s *Server) startTraining(cfg classifier.TrainConfig, data classifier.TrainingData, requestedBy string) (*trainingJob, error) {
	if s.activeJob != nil {
		return nil, errors.New("training already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &trainingJob{
		id:          uuid.NewString(),
		cancel:      cancel,
		done:        make(chan struct{}),
		startedAt:   time.Now().UTC(),
		epochs:      cfg.Epochs,
		requestedBy: requestedBy,
	}
	if cfg.InitFrom != nil {
		job.initFrom = cfg.InitFrom.Version
	}
	cfg.RunID = job.id
	cfg.Progress = func(ev classifier.TrainEvent) {
		s.notifier.Broadcast(eventFromTrainer(job.id, ev))
	}

	run := &store.TrainingRun{
		JobID:         job.id,
		RequestedBy:   requestedBy,
		Epochs:        cfg.Epochs,
		TrainExamples: len(data.Train),
		ValidExamples: len(data.Validation),
		InitFrom:      job.initFrom,
		StartedAt:     job.startedAt,
	}
	if err := s.db.CreateTrainingRun(run); err != nil {
		cancel()
		return nil, fmt.Errorf("create training run: %w", err)
	}

	s.activeJob = job
	go s.runTraining(ctx, job, cfg, data)
	return job, nil
}

func (s *Server) runTraining(ctx context.Context, job *trainingJob, cfg classifier.TrainConfig, data classifier.TrainingData) {
	result := store.TrainingRunResult{Status: store.RunCompleted}
	log := logrus.WithFields(logrus.Fields{"job": job.id, "epochs": job.epochs, "init_from": job.initFrom})

	defer func() {
		if err := s.db.FinishTrainingRun(job.id, result); err != nil {
			log.WithError(err).Warn("update training run")
		}
		s.jobMu.Lock()
		s.activeJob = nil
		s.jobMu.Unlock()
		job.cancel()
		close(job.done)
	}()

	log.Info("training started")
	start := time.Now()
	art, err := classifier.Train(ctx, data, cfg, s.artifacts)
	if err != nil {
		result.Message = err.Error()
		event := TrainingEvent{Type: eventError, JobID: job.id, Message: err.Error()}
		switch {
		case errors.Is(err, context.Canceled):
			result.Status = store.RunCancelled
			event.Type = eventCancelled
			log.Info("training cancelled")
		default:
			result.Status = store.RunFailed
			log.WithError(err).Error("training failed")
		}
		s.notifier.Broadcast(event)
		return
	}

	result.ArtifactVersion = art.Version
	result.Accuracy = art.Metrics.Accuracy
	result.Loss = art.Metrics.Loss
	result.TrainExamples = art.Metrics.TrainExamples
	result.ValidExamples = art.Metrics.ValidExamples
	log.WithFields(logrus.Fields{
		"version":    art.Version,
		"accuracy":   art.Metrics.Accuracy,
		"best_epoch": art.Metrics.BestEpoch,
		"duration":   time.Since(start).String(),
	}).Info("training completed")

	if _, err := s.ReloadModel(); err != nil {
		result.Message = fmt.Sprintf("published %s but reload failed: %v", art.Version, err)
		log.WithError(err).Error("reload after training")
		s.notifier.Broadcast(TrainingEvent{Type: eventError, JobID: job.id, Version: art.Version, Message: result.Message})
		return
	}
	s.notifier.Broadcast(TrainingEvent{Type: eventReloaded, JobID: job.id, Version: art.Version})
}

// trainConfigFor applies a request's overrides to the server defaults.
func (s *Server) trainConfigFor(req TrainRequest) (classifier.TrainConfig, error) {
	cfg := s.trainDefaults
	if req.Epochs < 0 || req.BatchSize < 0 || req.LearningRate < 0 {
		return cfg, errors.New("epochs, batch_size and learning_rate must not be negative")
	}
	if req.Epochs > 0 {
		cfg.Epochs = req.Epochs
	}
	if req.BatchSize > 0 {
		cfg.TrainBatchSize = req.BatchSize
	}
	if req.LearningRate > 0 {
		cfg.LearningRate = req.LearningRate
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	// Without a serving artifact the run fine-tunes the pretrained base.
	if !req.FromBase {
		cfg.InitFrom = s.pipeline.Artifact()
	}
	if cfg.InitFrom == nil && cfg.Base == nil {
		return cfg, fmt.Errorf("%w: no pretrained base checkpoint configured", classifier.ErrModelUnavailable)
	}
	return cfg, nil
}

// ReloadModel swaps in the artifact named by the store's CURRENT pointer and
// makes sure the pipeline is serving it.
func (s *Server) ReloadModel() (*classifier.Artifact, error) {
	art, err := s.pipeline.Reload()
	if err != nil {
		return nil, err
	}
	if err := s.pipeline.Serve(); err != nil {
		return nil, err
	}
	logrus.WithField("version", art.Version).Info("model reloaded")
	return art, nil
}

// Shutdown cancels a running training job and waits for it to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobMu.Lock()
	job := s.activeJob
	s.jobMu.Unlock()
	if job == nil {
		return nil
	}
	job.cancel()
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

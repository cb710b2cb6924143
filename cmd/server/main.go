package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"truthlens/backend/internal/api"
	"truthlens/backend/internal/auth"
	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/config"
	"truthlens/backend/internal/news"
	"truthlens/backend/internal/store"
	"truthlens/backend/internal/transformer"
)

func main() {
	cfg, err := config.Load(os.Getenv("TRUTHLENS_CONFIG"))
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	cfg.ConfigureLogging()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logrus.Fatalf("create data directory: %v", err)
	}
	db, err := store.Open(cfg.Database.Path, cfg.Database.Silent)
	if err != nil {
		logrus.Fatalf("open database: %v", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("close database")
		}
	}()
	if n, err := db.FailInterruptedRuns(); err != nil {
		logrus.WithError(err).Warn("mark interrupted training runs")
	} else if n > 0 {
		logrus.WithField("runs", n).Warn("marked interrupted training runs as failed")
	}

	engine, err := transformer.New(logrus.WithField("component", "transformer"))
	if err != nil {
		logrus.Fatalf("start inference backend: %v", err)
	}
	defer engine.Close()

	artifacts, err := classifier.NewArtifactStore(cfg.Model.ArtifactRoot, engine)
	if err != nil {
		logrus.Fatalf("open artifact store: %v", err)
	}
	pipeline := classifier.NewPipeline(artifacts)
	if err := pipeline.Load(); err != nil {
		if !errors.Is(err, classifier.ErrModelUnavailable) || !cfg.Model.AllowUntrained {
			logrus.Fatalf("load model: %v", err)
		}
		logrus.WithError(err).Warn("starting without a model; predictions return 503 until one is published")
	} else {
		if err := pipeline.Serve(); err != nil {
			logrus.Fatalf("serve model: %v", err)
		}
		art := pipeline.Artifact()
		logrus.WithFields(logrus.Fields{
			"version":  art.Version,
			"accuracy": art.Metrics.Accuracy,
		}).Info("model loaded")
	}

	authSvc, err := auth.NewService(db, auth.Config{
		Secret:     cfg.Auth.JWTSecret,
		TokenTTL:   cfg.Auth.TokenTTL,
		AdminUsers: cfg.Auth.AdminUsers,
	})
	if err != nil {
		logrus.Fatalf("auth service: %v", err)
	}

	var newsClient *news.Client
	if client, err := news.NewClient(news.Config{
		APIKey:   cfg.News.APIKey,
		BaseURL:  cfg.News.BaseURL,
		Timeout:  cfg.News.Timeout,
		CacheTTL: cfg.News.CacheTTL,
	}); err == nil {
		newsClient = client
	} else if !errors.Is(err, news.ErrMissingCredentials) {
		logrus.Fatalf("news client: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		logrus.Fatalf("display zone: %v", err)
	}

	trainDefaults := classifier.DefaultTrainConfig()
	trainDefaults.Epochs = cfg.Training.Epochs
	if cfg.Training.BatchSize > 0 {
		trainDefaults.TrainBatchSize = cfg.Training.BatchSize
	}
	if cfg.Training.LearningRate > 0 {
		trainDefaults.LearningRate = cfg.Training.LearningRate
	}
	trainDefaults.Seed = cfg.Training.Seed
	trainDefaults.WarmupSteps = cfg.Training.WarmupSteps
	if cfg.Training.MaxLength > 0 {
		trainDefaults.MaxLength = cfg.Training.MaxLength
	}
	base, err := classifier.ResolveBase(classifier.BaseConfig{
		ModelID:     cfg.Model.Base.ModelID,
		Revision:    cfg.Model.Base.Revision,
		WeightsFile: cfg.Model.Base.Weights,
		Dir:         cfg.Model.Base.Dir,
		CacheDir:    cfg.Model.Base.CacheDir,
		Token:       cfg.Model.Base.HFToken,
	})
	if err != nil {
		logrus.WithError(err).Warn("pretrained checkpoint unavailable; training can only continue from a published artifact")
	} else {
		logrus.WithField("base", base.Name).Info("pretrained checkpoint ready")
		trainDefaults.Base = &base
	}

	server, err := api.NewServer(api.Config{
		DB:             db,
		Auth:           authSvc,
		Pipeline:       pipeline,
		Artifacts:      artifacts,
		News:           newsClient,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SecureCookies:  cfg.Server.SecureCookies,
		Location:       loc,
		DataDir:        cfg.Training.DataDir,
		TrainDefaults:  trainDefaults,
	})
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Model.Watch {
		go func() {
			err := artifacts.Watch(ctx, func(version string) {
				logrus.WithField("version", version).Info("new artifact published")
				if _, err := server.ReloadModel(); err != nil {
					logrus.WithError(err).Warn("reload published artifact")
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Error("artifact watcher stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("starting truthlens backend on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("stop training job")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
}

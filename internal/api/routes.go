package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"truthlens/backend/internal/auth"
	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/liar"
	"truthlens/backend/internal/news"
	"truthlens/backend/internal/preprocess"
	"truthlens/backend/internal/store"
	"truthlens/backend/internal/util"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	recentFeedback  = 5
)

// Config defines server dependencies.
type Config struct {
	DB        *store.Database
	Auth      *auth.Service
	Pipeline  *classifier.Pipeline
	Artifacts *classifier.ArtifactStore
	// News is optional; the news endpoint answers 503 without it.
	News *news.Client

	AllowedOrigins []string
	SecureCookies  bool
	Location       *time.Location
	// DataDir holds the LIAR train/valid/test files used by training jobs.
	DataDir       string
	TrainDefaults classifier.TrainConfig
}

// Server wires HTTP handlers with persistence, auth and the classifier.
type Server struct {
	db             *store.Database
	auth           *auth.Service
	pipeline       *classifier.Pipeline
	artifacts      *classifier.ArtifactStore
	news           *news.Client
	allowedOrigins []string
	secureCookies  bool
	loc            *time.Location
	dataDir        string
	trainDefaults  classifier.TrainConfig
	notifier       *TrainingNotifier
	jobMu          sync.Mutex
	activeJob      *trainingJob
}

// NewServer constructs the API server.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("database required")
	case cfg.Auth == nil:
		return nil, errors.New("auth service required")
	case cfg.Pipeline == nil || cfg.Artifacts == nil:
		return nil, errors.New("classifier pipeline and artifact store required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if cfg.News == nil {
		logrus.Info("live news disabled - no API key configured")
	}
	return &Server{
		db:             cfg.DB,
		auth:           cfg.Auth,
		pipeline:       cfg.Pipeline,
		artifacts:      cfg.Artifacts,
		news:           cfg.News,
		allowedOrigins: cfg.AllowedOrigins,
		secureCookies:  cfg.SecureCookies,
		loc:            loc,
		dataDir:        cfg.DataDir,
		trainDefaults:  cfg.TrainDefaults,
		notifier:       NewTrainingNotifier(),
	}, nil
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	api := r.Group("/api")
	api.GET("/healthz", s.handleHealth)
	api.GET("/config", s.handleConfig)
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/logout", s.handleLogout)

	user := api.Group("", s.auth.Middleware())
	{
		user.GET("/auth/me", s.handleMe)
		user.POST("/predict", s.handlePredict)
		user.POST("/feedback", s.handleFeedback)
		user.GET("/dashboard", s.handleDashboard)
		user.GET("/history", s.handleHistory)
		user.GET("/export.csv", s.handleExportCSV)
		user.GET("/news", s.handleNews)
	}

	admin := user.Group("", auth.RequireAdmin())
	{
		admin.POST("/training", s.handleStartTraining)
		admin.GET("/training/status", s.handleTrainingStatus)
		admin.DELETE("/training/:jobID", s.handleCancelTraining)
		admin.GET("/training/stream", s.handleTrainingStream)
		admin.GET("/training/runs", s.handleTrainingRuns)
		admin.POST("/model/reload", s.handleReloadModel)
	}

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"model_state": s.pipeline.State().String(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"model":               modelFromPipeline(s.pipeline),
		"labels":              []string{preprocess.LabelName(preprocess.LabelFake), preprocess.LabelName(preprocess.LabelReal)},
		"min_headline_length": classifier.MinInputLength,
		"news_enabled":        s.news != nil,
		"display_zone":        s.loc.String(),
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBind(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	user, err := s.auth.Register(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrValidation):
			s.renderError(c, http.StatusBadRequest, err)
		case errors.Is(err, auth.ErrUserExists):
			s.renderError(c, http.StatusConflict, err)
		default:
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusCreated, userFromModel(user))
}

func (s *Server) handleLogin(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBind(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	user, token, expires, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.renderError(c, http.StatusUnauthorized, err)
			return
		}
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	s.auth.SetSessionCookie(c, token, s.secureCookies)
	logrus.WithField("user_id", user.ID).Info("user logged in")
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires, User: userFromModel(user)})
}

func (s *Server) handleLogout(c *gin.Context) {
	auth.ClearSessionCookie(c, s.secureCookies)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (s *Server) handleMe(c *gin.Context) {
	user, ok := s.currentUser(c)
	if !ok {
		return
	}
	count, err := s.db.CountPredictions(user.ID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userFromModel(user), "total_predictions": count})
}

func (s *Server) handlePredict(c *gin.Context) {
	claims, _ := auth.CurrentUser(c)
	var req PredictRequest
	if err := c.ShouldBind(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	headline := strings.TrimSpace(req.Headline)
	if headline == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("no headline provided"))
		return
	}

	sw := util.StartStopwatch()
	result, err := s.pipeline.Predict(headline)
	sw.Lap("infer")
	if err != nil {
		s.renderClassifierError(c, err)
		return
	}

	record := &store.Prediction{
		UserID:           claims.UserID,
		Headline:         headline,
		Label:            result.Label,
		Confidence:       result.Confidence,
		ModelVersion:     result.ModelVersion,
		ProcessingTimeMs: sw.ElapsedMs(),
	}
	if err := s.db.SavePrediction(record); err != nil {
		s.renderError(c, http.StatusInternalServerError, fmt.Errorf("save prediction: %w", err))
		return
	}
	sw.Lap("store")
	logrus.WithFields(logrus.Fields(sw.Fields())).WithFields(logrus.Fields{
		"user_id":       claims.UserID,
		"prediction_id": record.ID,
		"label":         result.Label,
		"version":       result.ModelVersion,
	}).Debug("prediction stored")

	c.JSON(http.StatusOK, PredictResponse{
		PredictionID:     record.ID,
		Result:           result.Label,
		Confidence:       round2(result.Confidence),
		ConfidenceText:   fmt.Sprintf("%.2f%%", result.Confidence),
		ModelVersion:     result.ModelVersion,
		ProcessingTimeMs: record.ProcessingTimeMs,
	})
}

func (s *Server) handleFeedback(c *gin.Context) {
	claims, _ := auth.CurrentUser(c)
	var req FeedbackRequest
	if err := c.ShouldBind(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	verdict := strings.ToLower(strings.TrimSpace(req.Feedback))
	if req.PredictionID == 0 || verdict == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("missing data"))
		return
	}
	if verdict != store.VerdictAccurate && verdict != store.VerdictWrong {
		s.renderError(c, http.StatusBadRequest, fmt.Errorf("invalid feedback value %q", req.Feedback))
		return
	}

	if _, err := s.db.PredictionForUser(req.PredictionID, claims.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, errors.New("prediction not found"))
			return
		}
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	fb := &store.Feedback{PredictionID: req.PredictionID, UserID: claims.UserID, Verdict: verdict}
	if err := s.db.UpsertFeedback(fb); err != nil {
		s.renderError(c, http.StatusInternalServerError, fmt.Errorf("save feedback: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Feedback submitted successfully"})
}

func (s *Server) handleDashboard(c *gin.Context) {
	claims, _ := auth.CurrentUser(c)
	total, err := s.db.CountPredictions(claims.UserID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	stats, err := s.db.FeedbackStats(claims.UserID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	recent, err := s.db.RecentFeedback(claims.UserID, recentFeedback)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	resp := DashboardResponse{
		TotalPredictions:   total,
		AccuracyStats:      stats,
		AccuracyPercentage: round2(stats.AccuracyPercentage()),
		RecentFeedback:     make([]FeedbackDTO, 0, len(recent)),
	}
	for _, entry := range recent {
		resp.RecentFeedback = append(resp.RecentFeedback, FeedbackDTO{
			PredictionID: entry.PredictionID,
			Feedback:     entry.Verdict,
			Headline:     entry.Headline,
			Timestamp:    entry.UpdatedAt.In(s.loc),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	claims, _ := auth.CurrentUser(c)
	page, err := positiveQuery(c, 1, "page")
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	pageSize, err := positiveQuery(c, defaultPageSize, "pageSize", "page_size")
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	search := strings.TrimSpace(c.Query("search"))

	rows, total, err := s.db.ListPredictions(store.PredictionQuery{
		UserID: claims.UserID,
		Search: search,
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
	})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	resp := HistoryResponse{
		Items:    make([]PredictionDTO, 0, len(rows)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Search:   search,
	}
	for _, row := range rows {
		resp.Items = append(resp.Items, predictionFromModel(row, s.loc))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExportCSV(c *gin.Context) {
	claims, _ := auth.CurrentUser(c)
	rows, _, err := s.db.ListPredictions(store.PredictionQuery{UserID: claims.UserID})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		s.renderError(c, http.StatusNotFound, errors.New("no prediction data to export"))
		return
	}

	now := time.Now().In(s.loc)
	filename := fmt.Sprintf("truthlens_predictions_%s_%s.csv", claims.Username, now.Format("20060102"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Header("Content-Type", "text/csv")

	writer := csv.NewWriter(c.Writer)
	headers := []string{"Headline", "Prediction", "Confidence (%)", fmt.Sprintf("Timestamp (%s)", zoneLabel(now))}
	if err := writer.Write(headers); err != nil {
		return
	}
	for _, row := range rows {
		line := []string{
			row.Headline,
			row.Label,
			fmt.Sprintf("%.2f", row.Confidence),
			row.CreatedAt.In(s.loc).Format("2006-01-02 15:04:05"),
		}
		if err := writer.Write(line); err != nil {
			return
		}
	}
	writer.Flush()
}

func (s *Server) handleNews(c *gin.Context) {
	if s.news == nil {
		s.renderError(c, http.StatusServiceUnavailable, news.ErrMissingCredentials)
		return
	}
	articles, err := s.news.TopHeadlines(c.Request.Context())
	if err != nil {
		var apiErr *news.APIError
		if errors.As(err, &apiErr) {
			s.renderError(c, http.StatusBadGateway, err)
			return
		}
		logrus.WithError(err).Warn("fetch live news")
		s.renderError(c, http.StatusBadGateway, errors.New("unable to fetch live news"))
		return
	}

	resp := NewsResponse{Articles: make([]ArticleDTO, len(articles)), Count: len(articles)}
	for i, article := range articles {
		resp.Articles[i] = ArticleDTO{Article: article}
	}
	if classify, _ := strconv.ParseBool(c.Query("classify")); classify && s.pipeline.State() == classifier.StateServing {
		titles := make([]string, len(articles))
		for i, article := range articles {
			titles[i] = article.Title
		}
		results, err := s.pipeline.PredictBatch(c.Request.Context(), titles)
		if err != nil {
			s.renderClassifierError(c, err)
			return
		}
		for i, res := range results {
			if res.Err != nil {
				continue
			}
			prediction := res.Result
			prediction.Confidence = round2(prediction.Confidence)
			resp.Articles[i].Prediction = &prediction
		}
		resp.Classified = true
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStartTraining(c *gin.Context) {
	claims, _ := auth.CurrentUser(c)
	var req TrainRequest
	if c.Request.Body != nil {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			s.renderError(c, http.StatusBadRequest, err)
			return
		}
	}
	cfg, err := s.trainConfigFor(req)
	if errors.Is(err, classifier.ErrModelUnavailable) {
		s.renderClassifierError(c, err)
		return
	}
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	dataset, err := liar.LoadDir(s.dataDir)
	if err != nil {
		s.renderError(c, http.StatusUnprocessableEntity, fmt.Errorf("load training data: %w", err))
		return
	}
	data := classifier.TrainingData{Train: dataset.Train, Validation: dataset.Validation}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.activeJob != nil {
		s.renderError(c, http.StatusConflict, errors.New("training already running"))
		return
	}
	job, err := s.startTraining(cfg, data, claims.Username)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, StartTrainingResponse{
		JobID:         job.id,
		Epochs:        job.epochs,
		TrainExamples: len(data.Train),
		ValidExamples: len(data.Validation),
		InitFrom:      job.initFrom,
		StartedAt:     job.startedAt,
	})
}

func (s *Server) handleCancelTraining(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("jobID"))
	if jobID == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("job id required"))
		return
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.activeJob == nil {
		s.renderError(c, http.StatusNotFound, errors.New("no training running"))
		return
	}
	if s.activeJob.id != jobID {
		s.renderError(c, http.StatusNotFound, errors.New("job not found"))
		return
	}

	s.activeJob.cancel()
	logrus.WithField("job", jobID).Info("training cancellation requested")
	s.notifier.Broadcast(TrainingEvent{Type: "progress", JobID: jobID, Message: "cancellation requested"})
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handleTrainingStatus(c *gin.Context) {
	s.jobMu.Lock()
	job := s.activeJob
	s.jobMu.Unlock()

	model := modelFromPipeline(s.pipeline)
	resp := TrainingStatusResponse{
		Running:      job != nil,
		ModelState:   model.State,
		ModelVersion: model.Version,
	}
	if job != nil {
		resp.JobID = job.id
		resp.Epochs = job.epochs
	}
	if last := s.notifier.LastEvent(); last != nil {
		resp.LastEvent = last
		resp.State = last.Type
		resp.Message = last.Message
		resp.Step = last.Step
		resp.TotalSteps = last.TotalSteps
		resp.Epoch = last.Epoch
		if resp.JobID == "" {
			resp.JobID = last.JobID
		}
		if last.Epochs != 0 {
			resp.Epochs = last.Epochs
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTrainingStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}

	client := s.notifier.Register(conn)
	logrus.WithField("remote", conn.RemoteAddr().String()).Info("training websocket connected")
	defer s.notifier.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("remote", conn.RemoteAddr().String()).Info("training websocket closed")
			} else {
				logrus.WithError(err).Warn("training websocket unexpected close")
			}
			break
		}
	}
}

func (s *Server) handleTrainingRuns(c *gin.Context) {
	limit, err := positiveQuery(c, 20, "limit")
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	runs, err := s.db.ListTrainingRuns(limit)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]TrainingRunDTO, 0, len(runs))
	for _, run := range runs {
		items = append(items, trainingRunFromModel(run))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleReloadModel(c *gin.Context) {
	if _, err := s.ReloadModel(); err != nil {
		s.renderClassifierError(c, err)
		return
	}
	c.JSON(http.StatusOK, modelFromPipeline(s.pipeline))
}

func (s *Server) currentUser(c *gin.Context) (*store.User, bool) {
	claims, ok := auth.CurrentUser(c)
	if !ok {
		s.renderError(c, http.StatusUnauthorized, errors.New("authentication required"))
		return nil, false
	}
	user, err := s.db.UserByID(claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusUnauthorized, errors.New("account no longer exists"))
			return nil, false
		}
		s.renderError(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return user, true
}

func (s *Server) renderClassifierError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, classifier.ErrInput):
		s.renderError(c, http.StatusBadRequest, err)
	case errors.Is(err, classifier.ErrModelUnavailable):
		s.renderError(c, http.StatusServiceUnavailable, err)
	default:
		logrus.WithError(err).Error("classifier request failed")
		s.renderError(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// positiveQuery parses the first present query key as a positive integer.
func positiveQuery(c *gin.Context, fallback int, keys ...string) (int, error) {
	for _, key := range keys {
		value := strings.TrimSpace(c.Query(key))
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("invalid %s: %s", key, value)
		}
		return parsed, nil
	}
	return fallback, nil
}

// zoneLabel names the zone the way exports label timestamps, e.g. "IST".
func zoneLabel(t time.Time) string {
	name, _ := t.Zone()
	if name == "" || strings.HasPrefix(name, "+") || strings.HasPrefix(name, "-") {
		return t.Location().String()
	}
	return name
}

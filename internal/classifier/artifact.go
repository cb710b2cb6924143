package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"truthlens/backend/internal/preprocess"
	"truthlens/backend/internal/tokenizer"
)

const (
	currentFile    = "CURRENT"
	modelDir       = "model"
	tokenizerDir   = "tokenizer"
	modelConfig    = "config.json"
	metricsFile    = "metrics.json"
	checkpointsDir = "checkpoints"
	bestDirName    = "best"
	stagingPrefix  = ".staging-"
)

// ModelConfig is persisted as config.json beside the engine's weights.
type ModelConfig struct {
	Engine    string            `json:"engine"`
	BaseModel string            `json:"base_model"`
	NumLabels int               `json:"num_labels"`
	MaxLength int               `json:"max_length"`
	ID2Label  map[string]string `json:"id2label"`
}

func (c ModelConfig) validate(engine string) error {
	if c.Engine != engine {
		return fmt.Errorf("artifact was written by engine %q, store uses %q", c.Engine, engine)
	}
	if c.NumLabels != numLabels {
		return fmt.Errorf("expected %d labels got %d", numLabels, c.NumLabels)
	}
	return nil
}

// EpochMetrics records one pass over the training split.
type EpochMetrics struct {
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	EvalLoss     float64 `json:"eval_loss"`
	EvalAccuracy float64 `json:"eval_accuracy"`
}

// Metrics summarises a training run and is stored beside the weights.
type Metrics struct {
	RunID         string         `json:"run_id"`
	Accuracy      float64        `json:"accuracy"`
	Loss          float64        `json:"loss"`
	BestEpoch     int            `json:"best_epoch"`
	Epochs        int            `json:"epochs"`
	Steps         int            `json:"steps"`
	TrainExamples int            `json:"train_examples"`
	ValidExamples int            `json:"valid_examples"`
	InitFrom      string         `json:"init_from,omitempty"`
	History       []EpochMetrics `json:"history"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// Artifact is an immutable fine-tuned model paired with its tokenizer.
type Artifact struct {
	Version   string
	Dir       string
	Model     Model
	Tokenizer *tokenizer.Tokenizer
	Config    ModelConfig
	Metrics   Metrics
}

// ModelDir is the engine-owned weights directory of the artifact.
func (a *Artifact) ModelDir() string {
	return filepath.Join(a.Dir, modelDir)
}

// ArtifactStore owns a directory of published artifact versions and the
// CURRENT pointer naming the one to serve. Only one trainer may publish into
// a store at a time.
type ArtifactStore struct {
	root   string
	engine Engine
}

// NewArtifactStore prepares root for use with engine.
func NewArtifactStore(root string, engine Engine) (*ArtifactStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is required")
	}
	if engine == nil {
		return nil, errors.New("model engine is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &ArtifactStore{root: root, engine: engine}, nil
}

// Root returns the store directory.
func (s *ArtifactStore) Root() string {
	return s.root
}

// Engine returns the engine that reads and writes model weights.
func (s *ArtifactStore) Engine() Engine {
	return s.engine
}

// CurrentVersion returns the version named by CURRENT.
func (s *ArtifactStore) CurrentVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, currentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no published artifact in %s", ErrModelUnavailable, s.root)
		}
		return "", fmt.Errorf("%w: read current pointer: %v", ErrModelUnavailable, err)
	}
	version := strings.TrimSpace(string(data))
	if version == "" {
		return "", fmt.Errorf("%w: empty current pointer", ErrModelUnavailable)
	}
	return version, nil
}

// Current loads the artifact named by CURRENT.
func (s *ArtifactStore) Current() (*Artifact, error) {
	version, err := s.CurrentVersion()
	if err != nil {
		return nil, err
	}
	return s.Load(version)
}

// Load reads a published version. Every failure wraps ErrModelUnavailable.
func (s *ArtifactStore) Load(version string) (*Artifact, error) {
	if version == "" || filepath.Base(version) != version || version == "." || version == ".." {
		return nil, fmt.Errorf("%w: invalid version %q", ErrModelUnavailable, version)
	}
	art, err := s.readArtifact(filepath.Join(s.root, version))
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrModelUnavailable, version, err)
	}
	art.Version = version
	return art, nil
}

func (s *ArtifactStore) readArtifact(dir string) (*Artifact, error) {
	cfgBytes, err := os.ReadFile(filepath.Join(dir, modelConfig))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg ModelConfig
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	if err := cfg.validate(s.engine.Name()); err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(filepath.Join(dir, tokenizerDir))
	if err != nil {
		return nil, err
	}
	model, err := s.engine.Open(filepath.Join(dir, modelDir), cfg.NumLabels)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}

	art := &Artifact{Dir: dir, Model: model, Tokenizer: tok, Config: cfg}
	if data, err := os.ReadFile(filepath.Join(dir, metricsFile)); err == nil {
		if err := json.Unmarshal(data, &art.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	return art, nil
}

// Publish moves the weights a Session saved into weights into a staging
// directory next to the tokenizer, config and metrics, opens the result,
// renames it into place and then swaps CURRENT. Readers never observe a
// partial version.
func (s *ArtifactStore) Publish(weights string, tok *tokenizer.Tokenizer, baseModel string, metrics Metrics) (*Artifact, error) {
	version := newVersion()
	staging := filepath.Join(s.root, stagingPrefix+version)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.Rename(weights, filepath.Join(staging, modelDir)); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("move weights: %w", err)
	}
	cfg := s.modelConfig(tok, baseModel)
	if err := writeArtifact(staging, cfg, tok, &metrics); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	final := filepath.Join(s.root, version)
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("move artifact into place: %w", err)
	}
	art, err := s.readArtifact(final)
	if err != nil {
		os.RemoveAll(final)
		return nil, fmt.Errorf("reopen artifact: %w", err)
	}
	if err := s.setCurrent(version); err != nil {
		return nil, err
	}
	art.Version = version
	return art, nil
}

// SaveCheckpoint stores an intermediate snapshot under checkpoints/<run>/epoch-N.
// Checkpoints are never served.
func (s *ArtifactStore) SaveCheckpoint(runID string, epoch int, session Session, tok *tokenizer.Tokenizer) (string, error) {
	dir := filepath.Join(s.root, checkpointsDir, runID, "epoch-"+strconv.Itoa(epoch))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear checkpoint: %w", err)
	}
	if err := session.Save(filepath.Join(dir, modelDir)); err != nil {
		return "", fmt.Errorf("save weights: %w", err)
	}
	if err := writeArtifact(dir, s.modelConfig(tok, ""), tok, nil); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *ArtifactStore) bestDir(runID string) string {
	return filepath.Join(s.root, checkpointsDir, runID, bestDirName)
}

func (s *ArtifactStore) modelConfig(tok *tokenizer.Tokenizer, baseModel string) ModelConfig {
	return ModelConfig{
		Engine:    s.engine.Name(),
		BaseModel: baseModel,
		NumLabels: numLabels,
		MaxLength: tok.MaxLength(),
		ID2Label: map[string]string{
			strconv.Itoa(preprocess.LabelFake): preprocess.LabelName(preprocess.LabelFake),
			strconv.Itoa(preprocess.LabelReal): preprocess.LabelName(preprocess.LabelReal),
		},
	}
}

func (s *ArtifactStore) setCurrent(version string) error {
	tmp := filepath.Join(s.root, currentFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create current pointer: %w", err)
	}
	if _, err := f.WriteString(version + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write current pointer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync current pointer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close current pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.root, currentFile)); err != nil {
		return fmt.Errorf("swap current pointer: %w", err)
	}
	return nil
}

func writeArtifact(dir string, cfg ModelConfig, tok *tokenizer.Tokenizer, metrics *Metrics) error {
	cfgBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, modelConfig), cfgBytes, 0o644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	if err := tok.Save(filepath.Join(dir, tokenizerDir)); err != nil {
		return err
	}
	if metrics != nil {
		data, err := json.MarshalIndent(metrics, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, metricsFile), data, 0o644); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// newVersion sorts by publish time and stays unique across processes.
func newVersion() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

package classifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"

	"truthlens/backend/internal/tokenizer"
)

const (
	// DefaultBaseModel is the pretrained checkpoint fine-tuned when no
	// artifact exists yet.
	DefaultBaseModel = "Xenova/distilbert-base-uncased"
	// DefaultBaseWeights is the encoder graph inside the checkpoint.
	DefaultBaseWeights = "onnx/model.onnx"

	numLabels = 2
)

// Engine runs a sequence classification transformer. Implementations own
// the on-disk format of the directories handed to Session.Save, Resume and
// Open; the artifact store treats them as opaque.
type Engine interface {
	// Name identifies the engine in artifact metadata.
	Name() string
	// FromPretrained starts fine-tuning from a pretrained encoder with a
	// freshly initialised classification head seeded by opts.Seed.
	FromPretrained(base BaseCheckpoint, opts SessionOptions) (Session, error)
	// Resume continues fine-tuning from a directory written by Session.Save.
	Resume(dir string, opts SessionOptions) (Session, error)
	// Open loads a directory written by Session.Save for inference.
	Open(dir string, numLabels int) (Model, error)
}

// Model produces one row of logits per batch row. Logits must be safe for
// concurrent use and must not depend on Labels.
type Model interface {
	Logits(batch tokenizer.Batch) ([][]float64, error)
}

// Session is a model under training. It is used by one goroutine.
type Session interface {
	Model
	// Step runs one optimiser update at learning rate lr and returns the
	// mean cross-entropy of the batch before the update.
	Step(batch tokenizer.Batch, lr float64) (float64, error)
	// Save writes the current weights to dir, replacing its contents.
	Save(dir string) error
}

// SessionOptions configure the optimiser and head initialisation.
type SessionOptions struct {
	NumLabels   int
	WeightDecay float64
	Seed        int64
}

// BaseCheckpoint locates a pretrained encoder and its WordPiece vocabulary
// on local disk.
type BaseCheckpoint struct {
	Name        string `json:"name"`
	WeightsFile string `json:"weights_file"`
	VocabFile   string `json:"vocab_file"`
}

// BaseConfig selects a pretrained checkpoint. A non-empty Dir is used as is;
// otherwise ModelID is fetched from the Hugging Face hub into CacheDir.
type BaseConfig struct {
	ModelID     string
	Revision    string
	WeightsFile string
	Dir         string
	CacheDir    string
	Token       string
}

// DefaultBaseConfig points at the uncased DistilBERT checkpoint.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{ModelID: DefaultBaseModel, WeightsFile: DefaultBaseWeights}
}

// ResolveBase makes the checkpoint named by cfg available locally. Failures
// wrap ErrModelUnavailable.
func ResolveBase(cfg BaseConfig) (BaseCheckpoint, error) {
	if cfg.WeightsFile == "" {
		cfg.WeightsFile = DefaultBaseWeights
	}
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		base := BaseCheckpoint{
			Name:        cfg.ModelID,
			WeightsFile: filepath.Join(dir, filepath.FromSlash(cfg.WeightsFile)),
			VocabFile:   filepath.Join(dir, tokenizer.VocabFile),
		}
		if base.Name == "" {
			base.Name = filepath.Base(dir)
		}
		for _, path := range []string{base.WeightsFile, base.VocabFile} {
			if _, err := os.Stat(path); err != nil {
				return BaseCheckpoint{}, fmt.Errorf("%w: base checkpoint: %v", ErrModelUnavailable, err)
			}
		}
		return base, nil
	}

	if cfg.ModelID == "" {
		return BaseCheckpoint{}, fmt.Errorf("%w: no base model configured", ErrModelUnavailable)
	}
	repo := hub.New(cfg.ModelID).WithAuth(cfg.Token)
	if cfg.CacheDir != "" {
		repo = repo.WithCacheDir(cfg.CacheDir)
	}
	if cfg.Revision != "" {
		repo = repo.WithRevision(cfg.Revision)
	}
	weights, err := repo.DownloadFile(cfg.WeightsFile)
	if err != nil {
		return BaseCheckpoint{}, fmt.Errorf("%w: download %s from %s: %v", ErrModelUnavailable, cfg.WeightsFile, cfg.ModelID, err)
	}
	vocab, err := repo.DownloadFile(tokenizer.VocabFile)
	if err != nil {
		return BaseCheckpoint{}, fmt.Errorf("%w: download vocabulary from %s: %v", ErrModelUnavailable, cfg.ModelID, err)
	}
	return BaseCheckpoint{Name: cfg.ModelID, WeightsFile: weights, VocabFile: vocab}, nil
}

var errNoBase = errors.New("no pretrained checkpoint or initial artifact")

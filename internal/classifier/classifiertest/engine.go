// Package classifiertest provides a small deterministic classifier.Engine
// for tests that must not load a real transformer. Each vocabulary entry
// carries one weight per label; logits are the masked mean of those weights
// plus a bias, trained with plain SGD and decoupled weight decay.
package classifiertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/tokenizer"
)

const (
	// EngineName is recorded in artifacts written through Engine.
	EngineName = "bag-of-tokens"
	// WeightsFile holds fine-tuned weights inside a saved model directory.
	WeightsFile = "weights.json"
	// PretrainedFile holds the base encoder written by WritePretrained.
	PretrainedFile = "encoder.json"
	// LearningRate suits this engine; transformer rates barely move it.
	LearningRate = 0.5
)

// Vocab is a base vocabulary covering the words the tests use.
var Vocab = []string{
	tokenizer.PadToken, tokenizer.UnkToken, tokenizer.ClsToken, tokenizer.SepToken,
	"the", "a", "is", "it", "says", "new", "about", "state", "plan", "coming", "revealed", "words", "only",
	"hoax", "secret", "aliens", "miracle", "conspiracy", "shocking",
	"senate", "budget", "report", "approved", "committee", "percent",
	"##s", "##ed", "##ing",
}

// Engine implements classifier.Engine.
type Engine struct {
	// DivergeAt makes the session report a NaN loss on that 1-based step.
	DivergeAt int
}

type encoder struct {
	VocabSize int `json:"vocab_size"`
}

type weights struct {
	Tokens [][]float64 `json:"tokens"`
	Bias   []float64   `json:"bias"`
}

// Name implements classifier.Engine.
func (e *Engine) Name() string {
	return EngineName
}

// FromPretrained implements classifier.Engine.
func (e *Engine) FromPretrained(base classifier.BaseCheckpoint, opts classifier.SessionOptions) (classifier.Session, error) {
	data, err := os.ReadFile(base.WeightsFile)
	if err != nil {
		return nil, fmt.Errorf("read encoder: %w", err)
	}
	var enc encoder
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode encoder: %w", err)
	}
	if enc.VocabSize <= 0 || opts.NumLabels <= 0 {
		return nil, errors.New("encoder and head must be non-empty")
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	w := weights{Tokens: make([][]float64, enc.VocabSize), Bias: make([]float64, opts.NumLabels)}
	for i := range w.Tokens {
		w.Tokens[i] = make([]float64, opts.NumLabels)
		for j := range w.Tokens[i] {
			w.Tokens[i][j] = rng.NormFloat64() * 0.02
		}
	}
	return &session{model: model{w: w}, decay: opts.WeightDecay, divergeAt: e.DivergeAt}, nil
}

// Resume implements classifier.Engine.
func (e *Engine) Resume(dir string, opts classifier.SessionOptions) (classifier.Session, error) {
	m, err := readModel(dir, opts.NumLabels)
	if err != nil {
		return nil, err
	}
	return &session{model: *m, decay: opts.WeightDecay, divergeAt: e.DivergeAt}, nil
}

// Open implements classifier.Engine.
func (e *Engine) Open(dir string, numLabels int) (classifier.Model, error) {
	return readModel(dir, numLabels)
}

func readModel(dir string, numLabels int) (*model, error) {
	data, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	var w weights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if len(w.Bias) != numLabels || len(w.Tokens) == 0 {
		return nil, fmt.Errorf("weights do not fit %d labels", numLabels)
	}
	return &model{w: w}, nil
}

type model struct {
	w weights
}

func (m *model) pooled(ids, mask []int) ([]float64, float64) {
	sum := make([]float64, len(m.w.Bias))
	count := 0.0
	for pos, id := range ids {
		if mask[pos] == 0 {
			continue
		}
		if id < 0 || id >= len(m.w.Tokens) {
			id = 1
		}
		floats.Add(sum, m.w.Tokens[id])
		count++
	}
	if count > 0 {
		floats.Scale(1/count, sum)
	}
	return sum, count
}

func (m *model) logits(ids, mask []int) []float64 {
	out, _ := m.pooled(ids, mask)
	floats.Add(out, m.w.Bias)
	return out
}

// Logits implements classifier.Model.
func (m *model) Logits(batch tokenizer.Batch) ([][]float64, error) {
	out := make([][]float64, batch.Len())
	for i := range out {
		out[i] = m.logits(batch.InputIDs[i], batch.AttentionMask[i])
	}
	return out, nil
}

type session struct {
	model
	decay     float64
	divergeAt int
	steps     int
}

// Step implements classifier.Session.
func (s *session) Step(batch tokenizer.Batch, lr float64) (float64, error) {
	s.steps++
	if s.divergeAt > 0 && s.steps >= s.divergeAt {
		return math.NaN(), nil
	}
	n := batch.Len()
	if n == 0 || len(batch.Labels) != n {
		return 0, errors.New("batch needs one label per row")
	}

	gradTokens := map[int][]float64{}
	gradBias := make([]float64, len(s.w.Bias))
	loss := 0.0
	for i := 0; i < n; i++ {
		ids, mask, label := batch.InputIDs[i], batch.AttentionMask[i], batch.Labels[i]
		logits := s.logits(ids, mask)
		lse := floats.LogSumExp(logits)
		loss += lse - logits[label]

		// softmax minus one-hot, averaged over the batch
		delta := make([]float64, len(logits))
		for j, v := range logits {
			delta[j] = math.Exp(v-lse) / float64(n)
		}
		delta[label] -= 1 / float64(n)
		floats.Add(gradBias, delta)

		_, count := s.pooled(ids, mask)
		if count == 0 {
			continue
		}
		for pos, id := range ids {
			if mask[pos] == 0 {
				continue
			}
			if id < 0 || id >= len(s.w.Tokens) {
				id = 1
			}
			g, ok := gradTokens[id]
			if !ok {
				g = make([]float64, len(delta))
				gradTokens[id] = g
			}
			floats.AddScaled(g, 1/count, delta)
		}
	}

	for _, row := range s.w.Tokens {
		floats.Scale(1-lr*s.decay, row)
	}
	for id, g := range gradTokens {
		floats.AddScaled(s.w.Tokens[id], -lr, g)
	}
	floats.AddScaled(s.w.Bias, -lr, gradBias)
	return loss / float64(n), nil
}

// Save implements classifier.Session.
func (s *session) Save(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(s.w)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, WeightsFile), data, 0o644)
}

// WritePretrained lays out a base checkpoint with vocab in dir.
func WritePretrained(dir string, vocab []string) (classifier.BaseCheckpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classifier.BaseCheckpoint{}, err
	}
	base := classifier.BaseCheckpoint{
		Name:        "test-base-uncased",
		WeightsFile: filepath.Join(dir, PretrainedFile),
		VocabFile:   filepath.Join(dir, tokenizer.VocabFile),
	}
	if err := tokenizer.WriteVocabFile(base.VocabFile, vocab); err != nil {
		return classifier.BaseCheckpoint{}, err
	}
	data, err := json.Marshal(encoder{VocabSize: len(vocab)})
	if err != nil {
		return classifier.BaseCheckpoint{}, err
	}
	if err := os.WriteFile(base.WeightsFile, data, 0o644); err != nil {
		return classifier.BaseCheckpoint{}, err
	}
	return base, nil
}

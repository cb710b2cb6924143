package classifier

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"truthlens/backend/internal/preprocess"
	"truthlens/backend/internal/tokenizer"
)

// MinInputLength is the shortest trimmed text, in characters, Predict accepts.
const MinInputLength = 5

// State is the lifecycle position of a Pipeline.
type State int32

const (
	StateUninitialized State = iota
	StateLoaded
	StateServing
	StateTraining
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateServing:
		return "serving"
	case StateTraining:
		return "training"
	default:
		return "unknown"
	}
}

// PredictionResult is the classification of one headline.
type PredictionResult struct {
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// BatchPrediction pairs a PredictBatch input with its outcome.
type BatchPrediction struct {
	Text   string
	Result PredictionResult
	Err    error
}

// Pipeline serves predictions from the current artifact of a store. The
// loaded artifact sits behind an atomic pointer so Predict never blocks on
// reloads; lifecycle transitions are serialised by mu.
type Pipeline struct {
	store   *ArtifactStore
	current atomic.Pointer[Artifact]
	state   atomic.Int32

	mu sync.Mutex
}

// NewPipeline returns an uninitialised pipeline bound to store.
func NewPipeline(store *ArtifactStore) *Pipeline {
	return &Pipeline{store: store}
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Artifact returns the loaded artifact, or nil before the first load.
func (p *Pipeline) Artifact() *Artifact {
	return p.current.Load()
}

// Load reads the current artifact and moves Uninitialized to Loaded.
func (p *Pipeline) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st := p.State(); st != StateUninitialized {
		return fmt.Errorf("load: pipeline is %s", st)
	}
	art, err := p.store.Current()
	if err != nil {
		return err
	}
	p.current.Store(art)
	p.state.Store(int32(StateLoaded))
	return nil
}

// Serve starts accepting predictions. It is a no-op when already serving.
func (p *Pipeline) Serve() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch st := p.State(); st {
	case StateServing:
		return nil
	case StateLoaded:
		p.state.Store(int32(StateServing))
		return nil
	default:
		return fmt.Errorf("%w: cannot serve while %s", ErrModelUnavailable, st)
	}
}

// Reload swaps in the artifact currently named by the store. From
// Uninitialized it behaves like Load; in Loaded or Serving the state is kept
// and in-flight predictions finish against the previous artifact.
func (p *Pipeline) Reload() (*Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.State()
	if st == StateTraining {
		return nil, fmt.Errorf("reload: pipeline is %s", st)
	}
	art, err := p.store.Current()
	if err != nil {
		return nil, err
	}
	p.current.Store(art)
	if st == StateUninitialized {
		p.state.Store(int32(StateLoaded))
	}
	return art, nil
}

// Train runs a training job from Uninitialized or Loaded, moving through
// Training and back to Loaded with the newly published artifact in place.
// The loaded artifact, when present, seeds the run unless cfg.InitFrom is set;
// with neither, cfg.Base is fine-tuned. On failure the previous state and artifact are restored.
func (p *Pipeline) Train(ctx context.Context, data TrainingData, cfg TrainConfig) (*Artifact, error) {
	p.mu.Lock()
	prev := p.State()
	if prev != StateUninitialized && prev != StateLoaded {
		p.mu.Unlock()
		return nil, fmt.Errorf("train: pipeline is %s", prev)
	}
	p.state.Store(int32(StateTraining))
	p.mu.Unlock()

	if cfg.InitFrom == nil {
		cfg.InitFrom = p.current.Load()
	}
	art, err := Train(ctx, data, cfg, p.store)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state.Store(int32(prev))
		return nil, err
	}
	p.current.Store(art)
	p.state.Store(int32(StateLoaded))
	return art, nil
}

// Predict classifies text. It fails with ErrModelUnavailable unless the
// pipeline is serving, and with ErrInput when the trimmed text is shorter
// than MinInputLength characters or nothing survives normalisation.
// Predict is safe for concurrent use.
func (p *Pipeline) Predict(text string) (PredictionResult, error) {
	if p.State() != StateServing {
		return PredictionResult{}, fmt.Errorf("%w: pipeline is %s", ErrModelUnavailable, p.State())
	}
	art := p.current.Load()
	if art == nil {
		return PredictionResult{}, ErrModelUnavailable
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return PredictionResult{}, fmt.Errorf("%w: text is empty", ErrInput)
	}
	if utf8.RuneCountInString(trimmed) < MinInputLength {
		return PredictionResult{}, fmt.Errorf("%w: text must be at least %d characters", ErrInput, MinInputLength)
	}
	normalized := preprocess.Normalize(trimmed)
	if normalized == "" {
		return PredictionResult{}, fmt.Errorf("%w: text has no words after normalisation", ErrInput)
	}
	return art.predict(normalized)
}

// PredictBatch classifies texts concurrently. Per-text input errors are
// reported in the result slots; only an unavailable model or cancellation
// fails the whole call.
func (p *Pipeline) PredictBatch(ctx context.Context, texts []string) ([]BatchPrediction, error) {
	if p.State() != StateServing {
		return nil, fmt.Errorf("%w: pipeline is %s", ErrModelUnavailable, p.State())
	}
	out := make([]BatchPrediction, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, text := range texts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.Predict(text)
			out[i] = BatchPrediction{Text: text, Result: res, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate scores the loaded artifact on a labeled set without applying the
// Predict length policy. Texts are normalised the same way training does.
func (p *Pipeline) Evaluate(ctx context.Context, examples []preprocess.LabeledExample) (EvalResult, error) {
	art := p.current.Load()
	if art == nil {
		return EvalResult{}, fmt.Errorf("%w: no artifact loaded", ErrModelUnavailable)
	}
	return art.Evaluate(ctx, examples)
}

// Evaluate scores a labeled set against this artifact.
func (a *Artifact) Evaluate(ctx context.Context, examples []preprocess.LabeledExample) (EvalResult, error) {
	cleaned, err := cleanExamples(examples)
	if err != nil {
		return EvalResult{}, err
	}
	batch, err := encodeExamples(a.Tokenizer, cleaned)
	if err != nil {
		return EvalResult{}, err
	}
	return evaluateBatch(ctx, a.Model, batch, evalShardSize)
}

const evalShardSize = 64

func (a *Artifact) predict(normalized string) (PredictionResult, error) {
	enc := a.Tokenizer.Encode(normalized)
	logits, err := a.Model.Logits(tokenizer.Batch{
		InputIDs:      [][]int{enc.InputIDs},
		AttentionMask: [][]int{enc.AttentionMask},
	})
	if err != nil {
		return PredictionResult{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if len(logits) != 1 || len(logits[0]) != numLabels {
		return PredictionResult{}, fmt.Errorf("%w: malformed logits", ErrModelUnavailable)
	}
	row := logits[0]
	idx := floats.MaxIdx(row)
	// Two-way softmax of the winning class, written as a logistic of the
	// margin so rounding cannot push it below one half.
	margin := math.Abs(row[1] - row[0])
	return PredictionResult{
		Label:        preprocess.LabelName(idx),
		Confidence:   100 / (1 + math.Exp(-margin)),
		ModelVersion: a.Version,
	}, nil
}

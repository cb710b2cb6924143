package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"truthlens/backend/internal/preprocess"
	"truthlens/backend/internal/tokenizer"
)

// Strategy selects when evaluation or checkpointing happens.
type Strategy string

const (
	StrategyEpoch Strategy = "epoch"
	StrategyNo    Strategy = "no"
)

// EventType names a training progress notification.
type EventType string

const (
	EventStarted  EventType = "started"
	EventStep     EventType = "step"
	EventEpoch    EventType = "epoch"
	EventComplete EventType = "complete"
)

// TrainEvent is delivered synchronously to TrainConfig.Progress.
type TrainEvent struct {
	Type          EventType `json:"type"`
	RunID         string    `json:"run_id"`
	Epoch         int       `json:"epoch"`
	Epochs        int       `json:"epochs"`
	Step          int       `json:"step"`
	TotalSteps    int       `json:"total_steps"`
	Loss          float64   `json:"loss,omitempty"`
	LearningRate  float64   `json:"learning_rate,omitempty"`
	EvalLoss      float64   `json:"eval_loss,omitempty"`
	EvalAccuracy  float64   `json:"eval_accuracy,omitempty"`
	Checkpoint    string    `json:"checkpoint,omitempty"`
	Version       string    `json:"version,omitempty"`
	TrainExamples int       `json:"train_examples,omitempty"`
	ValidExamples int       `json:"valid_examples,omitempty"`
}

// TrainConfig holds the recognised training options. Start from
// DefaultTrainConfig; zero values for fields that cannot be zero are
// replaced with defaults, while zero warmup and weight decay are honoured.
type TrainConfig struct {
	RunID              string
	Epochs             int
	TrainBatchSize     int
	EvalBatchSize      int
	WarmupSteps        int
	WeightDecay        float64
	LearningRate       float64
	EvalStrategy       Strategy
	SaveStrategy       Strategy
	Seed               int64
	MaxLength          int
	ValidationFraction float64
	LogEvery           int

	// Base is the pretrained checkpoint fine-tuned when InitFrom is nil. Its
	// vocabulary is used unchanged.
	Base *BaseCheckpoint
	// InitFrom continues from a published artifact, reusing its tokenizer
	// and weights.
	InitFrom *Artifact
	Progress func(TrainEvent)
}

// DefaultTrainConfig returns the stock recipe.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:             3,
		TrainBatchSize:     16,
		EvalBatchSize:      64,
		WarmupSteps:        500,
		WeightDecay:        0.01,
		LearningRate:       5e-5,
		EvalStrategy:       StrategyEpoch,
		SaveStrategy:       StrategyEpoch,
		Seed:               42,
		MaxLength:          tokenizer.DefaultMaxLength,
		ValidationFraction: 0.1,
		LogEvery:           10,
	}
}

func (c TrainConfig) withDefaults() TrainConfig {
	def := DefaultTrainConfig()
	if c.Epochs <= 0 {
		c.Epochs = def.Epochs
	}
	if c.TrainBatchSize <= 0 {
		c.TrainBatchSize = def.TrainBatchSize
	}
	if c.EvalBatchSize <= 0 {
		c.EvalBatchSize = def.EvalBatchSize
	}
	if c.LearningRate <= 0 {
		c.LearningRate = def.LearningRate
	}
	if c.EvalStrategy == "" {
		c.EvalStrategy = def.EvalStrategy
	}
	if c.SaveStrategy == "" {
		c.SaveStrategy = def.SaveStrategy
	}
	if c.MaxLength <= 0 {
		c.MaxLength = def.MaxLength
	}
	if c.ValidationFraction <= 0 || c.ValidationFraction >= 1 {
		c.ValidationFraction = def.ValidationFraction
	}
	if c.LogEvery <= 0 {
		c.LogEvery = def.LogEvery
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	return c
}

func (c TrainConfig) validate() error {
	for name, s := range map[string]Strategy{"eval strategy": c.EvalStrategy, "save strategy": c.SaveStrategy} {
		if s != StrategyEpoch && s != StrategyNo {
			return fmt.Errorf("unknown %s %q", name, s)
		}
	}
	if c.WarmupSteps < 0 || c.WeightDecay < 0 {
		return errors.New("warmup steps and weight decay must not be negative")
	}
	return nil
}

// TrainingData carries the labeled splits. An empty Validation split is
// carved deterministically out of Train.
type TrainingData struct {
	Train      []preprocess.LabeledExample
	Validation []preprocess.LabeledExample
}

// Train fine-tunes a classifier with the store's engine and publishes the
// best epoch's weights. Failed or cancelled runs publish nothing.
func Train(ctx context.Context, data TrainingData, cfg TrainConfig, store *ArtifactStore) (*Artifact, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	trainSet, validSet, err := prepareSplits(data, cfg.ValidationFraction, rng)
	if err != nil {
		return nil, err
	}

	t := &trainer{cfg: cfg, store: store, rng: rng}
	if err := t.open(); err != nil {
		return nil, err
	}
	if t.train, err = encodeExamples(t.tok, trainSet); err != nil {
		return nil, err
	}
	if t.valid, err = encodeExamples(t.tok, validSet); err != nil {
		return nil, err
	}
	return t.run(ctx)
}

func prepareSplits(data TrainingData, fraction float64, rng *rand.Rand) (train, valid []preprocess.LabeledExample, err error) {
	train, err = cleanExamples(data.Train)
	if err != nil {
		return nil, nil, err
	}
	valid, err = cleanExamples(data.Validation)
	if err != nil {
		return nil, nil, err
	}
	if len(train) == 0 {
		return nil, nil, fmt.Errorf("%w: no training examples after label mapping", ErrData)
	}
	if classCount(train, valid) < 2 {
		return nil, nil, fmt.Errorf("%w: dataset contains a single class", ErrData)
	}

	if len(valid) == 0 {
		if len(train) < 2 {
			return nil, nil, fmt.Errorf("%w: need at least two examples to hold out a validation split", ErrData)
		}
		holdout := int(math.Round(float64(len(train)) * fraction))
		holdout = max(1, min(holdout, len(train)-1))
		perm := rng.Perm(len(train))
		shuffled := make([]preprocess.LabeledExample, len(train))
		for i, idx := range perm {
			shuffled[i] = train[idx]
		}
		train, valid = shuffled[:len(train)-holdout], shuffled[len(train)-holdout:]
	}
	if classCount(train) < 2 {
		return nil, nil, fmt.Errorf("%w: training split contains a single class", ErrData)
	}
	return train, valid, nil
}

func cleanExamples(in []preprocess.LabeledExample) ([]preprocess.LabeledExample, error) {
	out := make([]preprocess.LabeledExample, 0, len(in))
	for i, ex := range in {
		if ex.Label != preprocess.LabelFake && ex.Label != preprocess.LabelReal {
			return nil, fmt.Errorf("%w: example %d has label %d", ErrData, i, ex.Label)
		}
		out = append(out, preprocess.LabeledExample{Text: preprocess.Normalize(ex.Text), Label: ex.Label})
	}
	return out, nil
}

func classCount(sets ...[]preprocess.LabeledExample) int {
	seen := map[int]struct{}{}
	for _, set := range sets {
		for _, ex := range set {
			seen[ex.Label] = struct{}{}
		}
	}
	return len(seen)
}

func encodeExamples(tok *tokenizer.Tokenizer, examples []preprocess.LabeledExample) (tokenizer.Batch, error) {
	texts := make([]string, len(examples))
	labels := make([]int, len(examples))
	for i, ex := range examples {
		texts[i] = ex.Text
		labels[i] = ex.Label
	}
	return tok.EncodeBatch(texts, labels)
}

// linearSchedule ramps the learning rate up over warmup steps and then decays
// it linearly to zero at the final step.
func linearSchedule(base float64, step, warmup, total int) float64 {
	if step < warmup {
		return base * float64(step+1) / float64(warmup)
	}
	remaining := total - step
	span := total - warmup
	if span <= 0 || remaining <= 0 {
		return 0
	}
	return base * float64(remaining) / float64(span)
}

type trainer struct {
	cfg      TrainConfig
	store    *ArtifactStore
	rng      *rand.Rand
	tok      *tokenizer.Tokenizer
	session  Session
	baseName string
	train    tokenizer.Batch
	valid    tokenizer.Batch
}

// open picks the starting weights: a published artifact when InitFrom is
// set, otherwise the pretrained base checkpoint and its vocabulary.
func (t *trainer) open() error {
	engine := t.store.engine
	opts := SessionOptions{NumLabels: numLabels, WeightDecay: t.cfg.WeightDecay, Seed: t.cfg.Seed}

	if art := t.cfg.InitFrom; art != nil {
		if art.Tokenizer == nil || art.Dir == "" {
			return fmt.Errorf("%w: initial artifact is incomplete", ErrModelUnavailable)
		}
		if art.Config.Engine != engine.Name() {
			return fmt.Errorf("%w: artifact %s was trained by %q", ErrModelUnavailable, art.Version, art.Config.Engine)
		}
		session, err := engine.Resume(art.ModelDir(), opts)
		if err != nil {
			return fmt.Errorf("%w: resume %s: %v", ErrModelUnavailable, art.Version, err)
		}
		t.tok, t.session, t.baseName = art.Tokenizer, session, art.Config.BaseModel
		return nil
	}

	base := t.cfg.Base
	if base == nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, errNoBase)
	}
	tok, err := tokenizer.FromVocab(base.VocabFile, tokenizer.Config{
		MaxLength:    t.cfg.MaxLength,
		Lowercase:    true,
		StripAccents: true,
	})
	if err != nil {
		return fmt.Errorf("%w: base vocabulary: %v", ErrModelUnavailable, err)
	}
	session, err := engine.FromPretrained(*base, opts)
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrModelUnavailable, base.Name, err)
	}
	t.tok, t.session, t.baseName = tok, session, base.Name
	return nil
}

func (t *trainer) emit(ev TrainEvent) {
	if t.cfg.Progress == nil {
		return
	}
	ev.RunID = t.cfg.RunID
	ev.Epochs = t.cfg.Epochs
	t.cfg.Progress(ev)
}

func (t *trainer) run(ctx context.Context) (*Artifact, error) {
	n := t.train.Len()
	bs := t.cfg.TrainBatchSize
	stepsPerEpoch := (n + bs - 1) / bs
	total := stepsPerEpoch * t.cfg.Epochs

	t.emit(TrainEvent{
		Type:          EventStarted,
		TotalSteps:    total,
		TrainExamples: n,
		ValidExamples: t.valid.Len(),
	})

	bestDir := t.store.bestDir(t.cfg.RunID)
	if err := os.RemoveAll(bestDir); err != nil {
		return nil, fmt.Errorf("clear best weights: %w", err)
	}
	defer func() {
		os.RemoveAll(bestDir)
		// drops the run directory only when no epoch checkpoint landed in it
		os.Remove(filepath.Dir(bestDir))
	}()

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	var (
		step      int
		haveBest  bool
		bestEval  EvalResult
		bestEpoch int
		history   []EpochMetrics
	)
	bestEval.Accuracy = -1

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		t.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		epochLoss := 0.0

		for start := 0; start < n; start += bs {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("training cancelled: %w", err)
			}
			rows := order[start:min(start+bs, n)]
			lr := linearSchedule(t.cfg.LearningRate, step, t.cfg.WarmupSteps, total)
			loss, err := t.session.Step(t.train.Rows(rows), lr)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d: %v", ErrTraining, step+1, err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return nil, fmt.Errorf("%w: non-finite loss at step %d", ErrTraining, step+1)
			}
			step++
			epochLoss += loss * float64(len(rows))
			if step%t.cfg.LogEvery == 0 || step == total {
				t.emit(TrainEvent{
					Type:         EventStep,
					Epoch:        epoch,
					Step:         step,
					TotalSteps:   total,
					Loss:         loss,
					LearningRate: lr,
				})
			}
		}

		em := EpochMetrics{Epoch: epoch, TrainLoss: epochLoss / float64(n)}
		ev := TrainEvent{Type: EventEpoch, Epoch: epoch, Step: step, TotalSteps: total, Loss: em.TrainLoss}
		if t.cfg.EvalStrategy == StrategyEpoch {
			res, err := evaluateBatch(ctx, t.session, t.valid, t.cfg.EvalBatchSize)
			if err != nil {
				return nil, fmt.Errorf("evaluate epoch %d: %w", epoch, err)
			}
			em.EvalLoss, em.EvalAccuracy = res.Loss, res.Accuracy
			ev.EvalLoss, ev.EvalAccuracy = res.Loss, res.Accuracy
			if res.Accuracy > bestEval.Accuracy {
				if err := t.session.Save(bestDir); err != nil {
					return nil, fmt.Errorf("save best weights: %w", err)
				}
				haveBest, bestEval, bestEpoch = true, res, epoch
			}
		}
		if t.cfg.SaveStrategy == StrategyEpoch {
			dir, err := t.store.SaveCheckpoint(t.cfg.RunID, epoch, t.session, t.tok)
			if err != nil {
				return nil, fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
			}
			ev.Checkpoint = dir
		}
		history = append(history, em)
		t.emit(ev)
	}

	if !haveBest {
		res, err := evaluateBatch(ctx, t.session, t.valid, t.cfg.EvalBatchSize)
		if err != nil {
			return nil, fmt.Errorf("final evaluation: %w", err)
		}
		if err := t.session.Save(bestDir); err != nil {
			return nil, fmt.Errorf("save final weights: %w", err)
		}
		bestEval, bestEpoch = res, t.cfg.Epochs
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("training cancelled: %w", err)
	}

	metrics := Metrics{
		RunID:         t.cfg.RunID,
		Accuracy:      bestEval.Accuracy,
		Loss:          bestEval.Loss,
		BestEpoch:     bestEpoch,
		Epochs:        t.cfg.Epochs,
		Steps:         step,
		TrainExamples: n,
		ValidExamples: t.valid.Len(),
		History:       history,
		CompletedAt:   time.Now().UTC(),
	}
	if t.cfg.InitFrom != nil {
		metrics.InitFrom = t.cfg.InitFrom.Version
	}
	art, err := t.store.Publish(bestDir, t.tok, t.baseName, metrics)
	if err != nil {
		return nil, fmt.Errorf("publish artifact: %w", err)
	}
	t.emit(TrainEvent{
		Type:         EventComplete,
		Epoch:        bestEpoch,
		Step:         step,
		TotalSteps:   total,
		EvalLoss:     bestEval.Loss,
		EvalAccuracy: bestEval.Accuracy,
		Version:      art.Version,
	})
	return art, nil
}

// EvalResult aggregates accuracy and mean cross-entropy over a labeled set.
type EvalResult struct {
	Count    int           `json:"count"`
	Correct  int           `json:"correct"`
	Accuracy float64       `json:"accuracy"`
	Loss     float64       `json:"loss"`
	Classes  []ClassReport `json:"classes"`
}

// ClassReport holds per-label precision and recall.
type ClassReport struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// evaluateBatch shards the batch across CPUs. Each shard writes into its own
// index range and the reduction runs in index order, so results do not
// depend on scheduling.
func evaluateBatch(ctx context.Context, model Model, batch tokenizer.Batch, shard int) (EvalResult, error) {
	n := batch.Len()
	if n == 0 {
		return EvalResult{}, fmt.Errorf("%w: empty evaluation set", ErrData)
	}
	if shard <= 0 {
		shard = n
	}
	predicted := make([]int, n)
	losses := make([]float64, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < n; start += shard {
		end := min(start+shard, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			logits, err := model.Logits(batch.Slice(start, end))
			if err != nil {
				return err
			}
			if len(logits) != end-start {
				return fmt.Errorf("model returned %d rows for %d inputs", len(logits), end-start)
			}
			for i, row := range logits {
				if len(row) != numLabels {
					return fmt.Errorf("model returned %d logits, want %d", len(row), numLabels)
				}
				label := batch.Labels[start+i]
				predicted[start+i] = floats.MaxIdx(row)
				losses[start+i] = floats.LogSumExp(row) - row[label]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EvalResult{}, err
	}

	res := EvalResult{Count: n}
	var tp, fp, support [numLabels]int
	total := 0.0
	for i := range losses {
		total += losses[i]
		want, got := batch.Labels[i], predicted[i]
		support[want]++
		if got == want {
			res.Correct++
			tp[got]++
		} else {
			fp[got]++
		}
	}
	res.Accuracy = float64(res.Correct) / float64(n)
	res.Loss = total / float64(n)
	for label := 0; label < numLabels; label++ {
		report := ClassReport{Label: preprocess.LabelName(label), Support: support[label]}
		if tp[label]+fp[label] > 0 {
			report.Precision = float64(tp[label]) / float64(tp[label]+fp[label])
		}
		if support[label] > 0 {
			report.Recall = float64(tp[label]) / float64(support[label])
		}
		if report.Precision+report.Recall > 0 {
			report.F1 = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
		}
		res.Classes = append(res.Classes, report)
	}
	return res, nil
}

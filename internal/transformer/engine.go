// Package transformer fine-tunes a pretrained DistilBERT encoder for
// sequence classification on GoMLX. The encoder graph and weights come from
// an ONNX export and are converted into GoMLX variables; a pre-classifier
// and classifier head sit on the [CLS] position the way
// DistilBertForSequenceClassification does. Optimisation uses the GoMLX
// Adam optimiser with decoupled weight decay.
package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/sirupsen/logrus"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/tokenizer"
)

// Name is recorded in artifacts written by this engine.
const Name = "gomlx-distilbert"

const (
	graphFile     = "model.onnx"
	variablesDir  = "variables"
	headFile      = "head.json"
	headDropout   = 0.2
	hiddenOutput  = "last_hidden_state"
	inputIDsName  = "input_ids"
	attentionName = "attention_mask"
)

// Engine implements classifier.Engine on a GoMLX backend. It is safe for
// concurrent use; sessions and models share the backend.
type Engine struct {
	backend backends.Backend
	log     *logrus.Entry
}

// New opens the default GoMLX backend, honouring GOMLX_BACKEND.
func New(log *logrus.Entry) (*Engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	backend, err := backends.New()
	if err != nil {
		return nil, fmt.Errorf("open gomlx backend: %w", err)
	}
	log.WithField("backend", backend.Name()).Info("transformer engine ready")
	return &Engine{backend: backend, log: log}, nil
}

// Close releases the backend.
func (e *Engine) Close() {
	e.backend.Finalize()
}

// Name implements classifier.Engine.
func (e *Engine) Name() string {
	return Name
}

type head struct {
	NumLabels int    `json:"num_labels"`
	BaseModel string `json:"base_model"`
}

// FromPretrained implements classifier.Engine. The encoder keeps its
// pretrained weights; the head is initialised from opts.Seed.
func (e *Engine) FromPretrained(base classifier.BaseCheckpoint, opts classifier.SessionOptions) (classifier.Session, error) {
	m, ctx, err := e.loadGraph(base.WeightsFile)
	if err != nil {
		return nil, err
	}
	ctx.SetRNGStateFromSeed(opts.Seed)
	e.log.WithFields(logrus.Fields{"base": base.Name, "labels": opts.NumLabels}).Info("loaded pretrained encoder")
	return e.newSession(m, ctx, base.WeightsFile, head{NumLabels: opts.NumLabels, BaseModel: base.Name}, opts)
}

// Resume implements classifier.Engine.
func (e *Engine) Resume(dir string, opts classifier.SessionOptions) (classifier.Session, error) {
	m, ctx, h, err := e.loadSaved(dir, opts.NumLabels)
	if err != nil {
		return nil, err
	}
	ctx.SetRNGStateFromSeed(opts.Seed)
	return e.newSession(m, ctx, filepath.Join(dir, graphFile), h, opts)
}

// Open implements classifier.Engine.
func (e *Engine) Open(dir string, numLabels int) (classifier.Model, error) {
	m, ctx, h, err := e.loadSaved(dir, numLabels)
	if err != nil {
		return nil, err
	}
	return e.newModel(m, ctx, h)
}

func (e *Engine) loadGraph(path string) (*onnx.Model, *mlctx.Context, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read onnx graph: %w", err)
	}
	ctx := mlctx.New().Checked(false)
	if err := m.VariablesToContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("convert onnx weights: %w", err)
	}
	return m, ctx, nil
}

func (e *Engine) loadSaved(dir string, numLabels int) (*onnx.Model, *mlctx.Context, head, error) {
	var h head
	data, err := os.ReadFile(filepath.Join(dir, headFile))
	if err != nil {
		return nil, nil, h, fmt.Errorf("read head: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, nil, h, fmt.Errorf("decode head: %w", err)
	}
	if h.NumLabels != numLabels {
		return nil, nil, h, fmt.Errorf("saved head has %d labels, want %d", h.NumLabels, numLabels)
	}
	m, ctx, err := e.loadGraph(filepath.Join(dir, graphFile))
	if err != nil {
		return nil, nil, h, err
	}
	// Fine-tuned values override the converted ONNX weights.
	if _, err := checkpoints.Build(ctx).Dir(filepath.Join(dir, variablesDir)).Immediate().Done(); err != nil {
		return nil, nil, h, fmt.Errorf("load variables: %w", err)
	}
	return m, ctx, h, nil
}

// classify builds logits for a batch: the encoder's [CLS] state through a
// ReLU pre-classifier, dropout while training, and a linear classifier.
func classify(m *onnx.Model, numLabels int) func(ctx *mlctx.Context, ids, mask *graph.Node) *graph.Node {
	return func(ctx *mlctx.Context, ids, mask *graph.Node) *graph.Node {
		g := ids.Graph()
		hidden := m.CallGraph(ctx, g, map[string]*graph.Node{
			inputIDsName:  ids,
			attentionName: mask,
		}, hiddenOutput)[0]

		dims := hidden.Shape().Dimensions
		batch, width := dims[0], dims[len(dims)-1]
		cls := graph.Slice(hidden, graph.AxisRange(), graph.AxisElem(0), graph.AxisRange())
		cls = graph.Reshape(cls, batch, width)

		pooled := layers.Dense(ctx.In("pre_classifier"), cls, true, width)
		pooled = activations.Relu(pooled)
		pooled = layers.Dropout(ctx, pooled, graph.Scalar(g, pooled.DType(), headDropout))
		return layers.Dense(ctx.In("classifier"), pooled, true, numLabels)
	}
}

func (e *Engine) newSession(m *onnx.Model, ctx *mlctx.Context, graphPath string, h head, opts classifier.SessionOptions) (*session, error) {
	logits := classify(m, h.NumLabels)
	modelFn := func(ctx *mlctx.Context, _ any, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{logits(ctx, inputs[0], inputs[1])}
	}
	optimizer := optimizers.Adam().WeightDecay(opts.WeightDecay).Done()

	var trainer *train.Trainer
	err := exceptions.TryCatch[error](func() {
		trainer = train.NewTrainer(e.backend, ctx, modelFn, losses.SparseCategoricalCrossEntropyLogits, optimizer, nil, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("build trainer: %w", err)
	}
	inference, err := e.newModel(m, ctx, h)
	if err != nil {
		return nil, err
	}
	return &session{model: inference, trainer: trainer, graphPath: graphPath}, nil
}

func (e *Engine) newModel(m *onnx.Model, ctx *mlctx.Context, h head) (*model, error) {
	var exec *mlctx.Exec
	err := exceptions.TryCatch[error](func() {
		exec = mlctx.MustNewExec(e.backend, ctx.Reuse(), classify(m, h.NumLabels))
	})
	if err != nil {
		return nil, fmt.Errorf("build inference graph: %w", err)
	}
	return &model{ctx: ctx, exec: exec, head: h}, nil
}

type model struct {
	ctx  *mlctx.Context
	head head

	mu   sync.Mutex
	exec *mlctx.Exec
}

// Logits implements classifier.Model.
func (m *model) Logits(batch tokenizer.Batch) ([][]float64, error) {
	if batch.Len() == 0 {
		return nil, nil
	}
	ids, mask := inputTensors(batch)

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		out = m.exec.MustExec(ids, mask)
	})
	if err != nil {
		return nil, fmt.Errorf("run inference graph: %w", err)
	}
	raw, ok := out[0].Value().([][]float32)
	if !ok {
		return nil, errors.New("unexpected logits tensor")
	}
	rows := make([][]float64, len(raw))
	for i, row := range raw {
		rows[i] = make([]float64, len(row))
		for j, v := range row {
			rows[i][j] = float64(v)
		}
	}
	return rows, nil
}

func inputTensors(batch tokenizer.Batch) (*tensors.Tensor, *tensors.Tensor) {
	ids := make([][]int64, batch.Len())
	mask := make([][]int64, batch.Len())
	for i := range ids {
		ids[i] = make([]int64, len(batch.InputIDs[i]))
		mask[i] = make([]int64, len(batch.AttentionMask[i]))
		for j, id := range batch.InputIDs[i] {
			ids[i][j] = int64(id)
			mask[i][j] = int64(batch.AttentionMask[i][j])
		}
	}
	return tensors.FromValue(ids), tensors.FromValue(mask)
}

type session struct {
	*model
	trainer   *train.Trainer
	graphPath string
}

// Step implements classifier.Session.
func (s *session) Step(batch tokenizer.Batch, lr float64) (float64, error) {
	if len(batch.Labels) != batch.Len() {
		return 0, errors.New("batch needs one label per row")
	}
	ids, mask := inputTensors(batch)
	labels := make([][]int32, len(batch.Labels))
	for i, l := range batch.Labels {
		labels[i] = []int32{int32(l)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLearningRate(lr)
	var metrics []*tensors.Tensor
	var stepErr error
	err := exceptions.TryCatch[error](func() {
		metrics, stepErr = s.trainer.TrainStep(nil, []*tensors.Tensor{ids, mask}, []*tensors.Tensor{tensors.FromValue(labels)})
	})
	if err == nil {
		err = stepErr
	}
	if err != nil {
		return 0, err
	}
	loss, ok := metrics[0].Value().(float32)
	if !ok {
		return 0, errors.New("unexpected loss tensor")
	}
	return float64(loss), nil
}

// setLearningRate feeds the scheduled rate to the optimiser. The rate
// variable exists once the first training graph is built; before that the
// context parameter seeds it.
func (s *session) setLearningRate(lr float64) {
	if v := s.ctx.InspectVariable(mlctx.RootScope, optimizers.ParamLearningRate); v != nil {
		v.SetValue(tensors.FromValue(float32(lr)))
		return
	}
	s.ctx.SetParam(optimizers.ParamLearningRate, lr)
}

// Save implements classifier.Session.
func (s *session) Save(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := linkOrCopy(s.graphPath, filepath.Join(dir, graphFile)); err != nil {
		return fmt.Errorf("store onnx graph: %w", err)
	}
	data, err := json.Marshal(s.head)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, headFile), data, 0o644); err != nil {
		return fmt.Errorf("write head: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	handler, err := checkpoints.Build(s.ctx).Dir(filepath.Join(dir, variablesDir)).Keep(1).Immediate().Done()
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	if err := handler.Save(); err != nil {
		return fmt.Errorf("save variables: %w", err)
	}
	return nil
}

// linkOrCopy shares the read-only encoder graph between saves when the
// filesystem allows it.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package transformer

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/preprocess"
	"truthlens/backend/internal/tokenizer"
)

// baseFromEnv points at a local DistilBERT export holding vocab.txt and
// onnx/model.onnx. The tests need a real checkpoint and an XLA backend.
func baseFromEnv(t *testing.T) classifier.BaseCheckpoint {
	t.Helper()
	dir := os.Getenv("TRUTHLENS_TEST_BASE_DIR")
	if dir == "" {
		t.Skip("TRUTHLENS_TEST_BASE_DIR not set")
	}
	base, err := classifier.ResolveBase(classifier.BaseConfig{Dir: dir, ModelID: "distilbert-base-uncased"})
	require.NoError(t, err)
	return base
}

func headlines(n int) []preprocess.LabeledExample {
	fake := []string{"shocking secret cure they hide", "aliens built the pyramids", "miracle pill melts fat overnight"}
	genuine := []string{"senate passes budget bill", "committee approves infrastructure report", "central bank holds rates steady"}
	out := make([]preprocess.LabeledExample, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out,
			preprocess.LabeledExample{Text: fmt.Sprintf("%s %d", fake[i%3], i), Label: preprocess.LabelFake},
			preprocess.LabeledExample{Text: fmt.Sprintf("%s %d", genuine[i%3], i), Label: preprocess.LabelReal},
		)
	}
	return out
}

func TestFineTuneAndReopen(t *testing.T) {
	base := baseFromEnv(t)
	engine, err := New(nil)
	require.NoError(t, err)
	defer engine.Close()

	store, err := classifier.NewArtifactStore(t.TempDir(), engine)
	require.NoError(t, err)

	cfg := classifier.DefaultTrainConfig()
	cfg.Base = &base
	cfg.Epochs = 1
	cfg.TrainBatchSize = 4
	cfg.WarmupSteps = 2
	cfg.MaxLength = 32
	cfg.SaveStrategy = classifier.StrategyNo

	art, err := classifier.Train(context.Background(), classifier.TrainingData{Train: headlines(6)}, cfg, store)
	require.NoError(t, err)
	assert.Equal(t, Name, art.Config.Engine)
	assert.Equal(t, 30522, art.Tokenizer.VocabSize())
	for _, epoch := range art.Metrics.History {
		assert.False(t, math.IsNaN(epoch.TrainLoss))
	}

	reopened, err := store.Load(art.Version)
	require.NoError(t, err)
	enc := reopened.Tokenizer.Encode("senate passes budget bill")
	batch := tokenizer.Batch{InputIDs: [][]int{enc.InputIDs}, AttentionMask: [][]int{enc.AttentionMask}}
	logits, err := reopened.Model.Logits(batch)
	require.NoError(t, err)
	require.Len(t, logits, 1)
	require.Len(t, logits[0], 2)

	again, err := art.Model.Logits(batch)
	require.NoError(t, err)
	assert.InDeltaSlice(t, again[0], logits[0], 1e-4)
}

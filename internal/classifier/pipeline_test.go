package classifier_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/classifier/classifiertest"
	"truthlens/backend/internal/tokenizer"
)

func trainedStore(t *testing.T) (*classifier.ArtifactStore, *classifier.Artifact) {
	t.Helper()
	store := newTestStore(t)
	art, err := classifier.Train(context.Background(), classifier.TrainingData{Train: syntheticExamples(30, 0)}, testTrainConfig(t), store)
	require.NoError(t, err)
	return store, art
}

func TestPredictConfidenceAndDeterminism(t *testing.T) {
	store, art := trainedStore(t)
	p := servingPipeline(t, store)

	inputs := []string{
		"Shocking secret aliens hoax revealed",
		"Senate committee approved the budget report",
		"The state says a new plan is coming",
		"zzzzz qqqqq unknown words only",
		"Check [this] out http://x.co <b>now</b> 123abc!!",
	}
	for _, text := range inputs {
		first, err := p.Predict(text)
		require.NoError(t, err, text)
		assert.GreaterOrEqual(t, first.Confidence, 50.0)
		assert.LessOrEqual(t, first.Confidence, 100.0)
		assert.Contains(t, []string{"REAL", "FAKE"}, first.Label)
		assert.Equal(t, art.Version, first.ModelVersion)

		for i := 0; i < 3; i++ {
			again, err := p.Predict(text)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}

	fake, err := p.Predict("the hoax says aliens conspiracy")
	require.NoError(t, err)
	assert.Equal(t, "FAKE", fake.Label)
	genuine, err := p.Predict("the senate says budget committee")
	require.NoError(t, err)
	assert.Equal(t, "REAL", genuine.Label)
}

func TestPredictRejectsShortInput(t *testing.T) {
	store, _ := trainedStore(t)
	p := servingPipeline(t, store)

	rejected := []string{
		"", "    ", "abcd", "  ab  ", "\tné\n",
		// long enough, but normalisation strips every character
		"!!!!!!", "[bracketed only]", "http://example.com/path", "<b></b><i></i>", "12345 67890",
	}
	for _, text := range rejected {
		_, err := p.Predict(text)
		require.ErrorIs(t, err, classifier.ErrInput, "%q", text)
	}
	_, err := p.Predict("  abcde  ")
	require.NoError(t, err)
}

func TestPredictRequiresServing(t *testing.T) {
	store, _ := trainedStore(t)
	p := classifier.NewPipeline(store)

	_, err := p.Predict("the senate approved it")
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)
	require.ErrorIs(t, p.Serve(), classifier.ErrModelUnavailable)

	require.NoError(t, p.Load())
	assert.Equal(t, classifier.StateLoaded, p.State())
	_, err = p.Predict("the senate approved it")
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)

	require.NoError(t, p.Serve())
	require.NoError(t, p.Serve())
	assert.Equal(t, classifier.StateServing, p.State())
	require.Error(t, p.Load())
}

func TestLoadWithoutArtifact(t *testing.T) {
	p := classifier.NewPipeline(newTestStore(t))
	require.ErrorIs(t, p.Load(), classifier.ErrModelUnavailable)
	assert.Equal(t, classifier.StateUninitialized, p.State())
}

func TestLoadCorruptArtifact(t *testing.T) {
	store, art := trainedStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(art.ModelDir(), classifiertest.WeightsFile), []byte("garbage"), 0o644))

	p := classifier.NewPipeline(store)
	require.ErrorIs(t, p.Load(), classifier.ErrModelUnavailable)

	_, err := store.Load("../escape")
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)
}

func TestLoadRejectsForeignEngine(t *testing.T) {
	store, art := trainedStore(t)
	other, err := classifier.NewArtifactStore(store.Root(), foreignEngine{&classifiertest.Engine{}})
	require.NoError(t, err)
	_, err = other.Load(art.Version)
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)
}

type foreignEngine struct {
	*classifiertest.Engine
}

func (foreignEngine) Name() string { return "other" }

func TestReloadSwapsWhileServing(t *testing.T) {
	store, first := trainedStore(t)
	p := servingPipeline(t, store)

	cfg := testTrainConfig(t)
	cfg.Epochs = 1
	cfg.InitFrom = p.Artifact()
	second, err := classifier.Train(context.Background(), classifier.TrainingData{Train: syntheticExamples(8, 3)}, cfg, store)
	require.NoError(t, err)
	require.NotEqual(t, first.Version, second.Version)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := p.Predict("the senate approved the budget")
				assert.NoError(t, err)
				assert.GreaterOrEqual(t, res.Confidence, 50.0)
			}
		}()
	}
	reloaded, err := p.Reload()
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, second.Version, reloaded.Version)
	assert.Equal(t, second.Version, p.Artifact().Version)
	assert.Equal(t, classifier.StateServing, p.State())
}

func TestPipelineTrainTransitions(t *testing.T) {
	store := newTestStore(t)
	p := classifier.NewPipeline(store)

	cfg := testTrainConfig(t)
	cfg.Epochs = 2
	_, err := p.Train(context.Background(), classifier.TrainingData{}, cfg)
	require.ErrorIs(t, err, classifier.ErrData)
	assert.Equal(t, classifier.StateUninitialized, p.State())

	art, err := p.Train(context.Background(), classifier.TrainingData{Train: syntheticExamples(12, 0)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, classifier.StateLoaded, p.State())
	assert.Equal(t, art.Version, p.Artifact().Version)
	assert.Empty(t, art.Metrics.InitFrom)

	next, err := p.Train(context.Background(), classifier.TrainingData{Train: syntheticExamples(12, 1)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, art.Version, next.Metrics.InitFrom)

	require.NoError(t, p.Serve())
	_, err = p.Train(context.Background(), classifier.TrainingData{Train: syntheticExamples(12, 0)}, cfg)
	require.Error(t, err)
	assert.Equal(t, classifier.StateServing, p.State())
}

func TestPredictBatch(t *testing.T) {
	store, _ := trainedStore(t)
	p := servingPipeline(t, store)

	texts := []string{"the senate approved the budget", "hey", "secret aliens hoax", "?!?!?!", "the state plan says"}
	out, err := p.PredictBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, out, len(texts))
	for i, item := range out {
		assert.Equal(t, texts[i], item.Text)
		if i == 1 || i == 3 {
			assert.ErrorIs(t, item.Err, classifier.ErrInput)
			continue
		}
		require.NoError(t, item.Err)
		single, err := p.Predict(texts[i])
		require.NoError(t, err)
		assert.Equal(t, single, item.Result)
	}

	_, err = classifier.NewPipeline(store).PredictBatch(context.Background(), texts)
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)
}

func TestWatchNotifiesOnPublish(t *testing.T) {
	store := newTestStore(t)
	base := testBase(t)
	session, err := store.Engine().FromPretrained(*base, classifier.SessionOptions{NumLabels: 2, Seed: 1})
	require.NoError(t, err)
	tok, err := tokenizer.FromVocab(base.VocabFile, tokenizer.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func(version string) { seen <- version })
	}()

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)

	var published []string
	var got string
wait:
	for {
		select {
		case got = <-seen:
			break wait
		case <-ticker.C:
			weights := filepath.Join(t.TempDir(), "weights")
			require.NoError(t, session.Save(weights))
			next, err := store.Publish(weights, tok, base.Name, classifier.Metrics{RunID: "watch"})
			require.NoError(t, err)
			published = append(published, next.Version)
		case <-deadline:
			cancel()
			<-done
			t.Fatal("watcher did not report a publish")
		}
	}
	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, published, got)
}

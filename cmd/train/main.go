package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/liar"
	"truthlens/backend/internal/preprocess"
	"truthlens/backend/internal/transformer"
)

var (
	artifactRoot string
	dataDir      string
	logLevel     string
	baseOpts     = classifier.DefaultBaseConfig()
)

var rootCmd = &cobra.Command{
	Use:   "truthlens-train",
	Short: "Train, evaluate and query the TruthLens headline classifier",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	trainOpts = classifier.DefaultTrainConfig()
	fromBase  bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune on a LIAR directory and publish a new artifact",
	Long: `Reads train.tsv (and valid.tsv when present) from --data, trains the
classifier and publishes the best epoch to --artifacts. Unless --from-base
is given, training continues from the current artifact when one exists;
otherwise the pretrained --base-model checkpoint is fine-tuned.`,
	RunE: runTrain,
}

var (
	evalSplit   string
	evalVersion string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score an artifact on a LIAR split",
	RunE:  runEvaluate,
}

var predictCmd = &cobra.Command{
	Use:   "predict [headline...]",
	Short: "Classify headlines with the current artifact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPredict,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&artifactRoot, "artifacts", envOr("TRUTHLENS_ARTIFACTS", "artifacts"), "artifact store root")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", envOr("TRUTHLENS_DATA_DIR", "data/liar"), "directory holding train.tsv, valid.tsv and test.tsv")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&baseOpts.ModelID, "base-model", envOr("TRUTHLENS_BASE_MODEL", baseOpts.ModelID), "Hugging Face repository of the pretrained checkpoint")
	rootCmd.PersistentFlags().StringVar(&baseOpts.Dir, "base-dir", os.Getenv("TRUTHLENS_BASE_DIR"), "local checkpoint directory, skips the hub download")
	rootCmd.PersistentFlags().StringVar(&baseOpts.CacheDir, "model-cache", os.Getenv("TRUTHLENS_MODEL_CACHE"), "hub download cache directory")

	f := trainCmd.Flags()
	f.IntVar(&trainOpts.Epochs, "epochs", trainOpts.Epochs, "training epochs")
	f.IntVar(&trainOpts.TrainBatchSize, "batch-size", trainOpts.TrainBatchSize, "training batch size")
	f.IntVar(&trainOpts.EvalBatchSize, "eval-batch-size", trainOpts.EvalBatchSize, "evaluation shard size")
	f.IntVar(&trainOpts.WarmupSteps, "warmup-steps", trainOpts.WarmupSteps, "linear warmup steps")
	f.Float64Var(&trainOpts.WeightDecay, "weight-decay", trainOpts.WeightDecay, "AdamW weight decay")
	f.Float64Var(&trainOpts.LearningRate, "lr", trainOpts.LearningRate, "peak learning rate")
	f.Int64Var(&trainOpts.Seed, "seed", trainOpts.Seed, "random seed")
	f.IntVar(&trainOpts.MaxLength, "max-length", trainOpts.MaxLength, "maximum sequence length in tokens")
	f.Float64Var(&trainOpts.ValidationFraction, "validation-fraction", trainOpts.ValidationFraction, "holdout share when valid.tsv is missing")
	f.StringVar((*string)(&trainOpts.EvalStrategy), "eval-strategy", string(trainOpts.EvalStrategy), "evaluation strategy: epoch or no")
	f.StringVar((*string)(&trainOpts.SaveStrategy), "save-strategy", string(trainOpts.SaveStrategy), "checkpoint strategy: epoch or no")
	f.StringVar(&baseOpts.Revision, "base-revision", "", "hub revision of the pretrained checkpoint")
	f.StringVar(&baseOpts.WeightsFile, "base-weights", baseOpts.WeightsFile, "encoder graph path inside the checkpoint")
	f.BoolVar(&fromBase, "from-base", false, "ignore the current artifact and fine-tune the pretrained checkpoint")

	evaluateCmd.Flags().StringVar(&evalSplit, "split", "test", "split to score: train, valid or test")
	evaluateCmd.Flags().StringVar(&evalVersion, "version", "", "artifact version, defaults to CURRENT")

	trainCmd.Long += "\n\nRecognised ratings: " + strings.Join(preprocess.Labels(), ", ")
	rootCmd.AddCommand(trainCmd, evaluateCmd, predictCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

// openStore binds the artifact store to the GoMLX engine.
func openStore() (*classifier.ArtifactStore, func(), error) {
	engine, err := transformer.New(logrus.WithField("component", "transformer"))
	if err != nil {
		return nil, nil, err
	}
	store, err := classifier.NewArtifactStore(artifactRoot, engine)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	return store, engine.Close, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	store, closeEngine, err := openStore()
	if err != nil {
		return err
	}
	defer closeEngine()
	dataset, err := liar.LoadDir(dataDir)
	if err != nil {
		return err
	}
	for name, stats := range dataset.Stats {
		logrus.WithFields(logrus.Fields{
			"file":    name,
			"rows":    stats.Rows,
			"kept":    stats.Kept,
			"dropped": stats.Dropped,
		}).Info("loaded split")
	}

	pipeline := classifier.NewPipeline(store)
	if !fromBase {
		if err := pipeline.Load(); err != nil {
			if !errors.Is(err, classifier.ErrModelUnavailable) {
				return err
			}
			logrus.Info("no current artifact; fine-tuning the pretrained checkpoint")
		}
	}

	cfg := trainOpts
	cfg.Progress = logProgress
	if pipeline.Artifact() == nil {
		baseOpts.Token = os.Getenv("HF_TOKEN")
		base, err := classifier.ResolveBase(baseOpts)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"base": base.Name, "weights": base.WeightsFile}).Info("pretrained checkpoint ready")
		cfg.Base = &base
	}
	art, err := pipeline.Train(cmd.Context(), classifier.TrainingData{
		Train:      dataset.Train,
		Validation: dataset.Validation,
	}, cfg)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"version":    art.Version,
		"accuracy":   art.Metrics.Accuracy,
		"best_epoch": art.Metrics.BestEpoch,
	}).Info("artifact published")

	if len(dataset.Test) > 0 {
		res, err := art.Evaluate(cmd.Context(), dataset.Test)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"accuracy": res.Accuracy, "loss": res.Loss, "count": res.Count}).Info("test split")
	}
	return printJSON(art.Metrics)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	store, closeEngine, err := openStore()
	if err != nil {
		return err
	}
	defer closeEngine()
	var art *classifier.Artifact
	if evalVersion != "" {
		art, err = store.Load(evalVersion)
	} else {
		art, err = store.Current()
	}
	if err != nil {
		return err
	}

	file, ok := map[string]string{"train": liar.TrainFile, "valid": liar.ValidationFile, "test": liar.TestFile}[evalSplit]
	if !ok {
		return fmt.Errorf("unknown split %q", evalSplit)
	}
	examples, stats, err := liar.Load(filepath.Join(dataDir, file))
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"file": file, "kept": stats.Kept, "dropped": stats.Dropped}).Info("loaded split")

	res, err := art.Evaluate(cmd.Context(), examples)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Version string                `json:"version"`
		Split   string                `json:"split"`
		Result  classifier.EvalResult `json:"result"`
	}{art.Version, evalSplit, res})
}

func runPredict(cmd *cobra.Command, args []string) error {
	store, closeEngine, err := openStore()
	if err != nil {
		return err
	}
	defer closeEngine()
	pipeline := classifier.NewPipeline(store)
	if err := pipeline.Load(); err != nil {
		return err
	}
	if err := pipeline.Serve(); err != nil {
		return err
	}
	results, err := pipeline.PredictBatch(cmd.Context(), args)
	if err != nil {
		return err
	}

	type line struct {
		Text   string                       `json:"text"`
		Result *classifier.PredictionResult `json:"result,omitempty"`
		Error  string                       `json:"error,omitempty"`
	}
	out := make([]line, 0, len(results))
	for _, r := range results {
		l := line{Text: r.Text}
		if r.Err != nil {
			l.Error = r.Err.Error()
		} else {
			res := r.Result
			l.Result = &res
		}
		out = append(out, l)
	}
	return printJSON(out)
}

func logProgress(ev classifier.TrainEvent) {
	entry := logrus.WithFields(logrus.Fields{"run": ev.RunID, "epoch": ev.Epoch, "step": ev.Step, "total": ev.TotalSteps})
	switch ev.Type {
	case classifier.EventStarted:
		entry.WithFields(logrus.Fields{"train": ev.TrainExamples, "valid": ev.ValidExamples}).Info("training started")
	case classifier.EventStep:
		entry.WithFields(logrus.Fields{"loss": ev.Loss, "lr": ev.LearningRate}).Debug("step")
	case classifier.EventEpoch:
		entry.WithFields(logrus.Fields{
			"train_loss":    ev.Loss,
			"eval_loss":     ev.EvalLoss,
			"eval_accuracy": ev.EvalAccuracy,
			"checkpoint":    ev.Checkpoint,
		}).Info("epoch finished")
	case classifier.EventComplete:
		entry.WithFields(logrus.Fields{"version": ev.Version, "eval_accuracy": ev.EvalAccuracy}).Info("training complete")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

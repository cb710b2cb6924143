package classifier_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"truthlens/backend/internal/classifier"
	"truthlens/backend/internal/classifier/classifiertest"
)

func TestResolveBaseLocalDir(t *testing.T) {
	dir := t.TempDir()
	_, err := classifiertest.WritePretrained(dir, classifiertest.Vocab)
	require.NoError(t, err)

	base, err := classifier.ResolveBase(classifier.BaseConfig{Dir: dir, WeightsFile: classifiertest.PretrainedFile})
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), base.Name)
	assert.Equal(t, filepath.Join(dir, classifiertest.PretrainedFile), base.WeightsFile)
	assert.Equal(t, filepath.Join(dir, "vocab.txt"), base.VocabFile)

	named, err := classifier.ResolveBase(classifier.BaseConfig{Dir: dir, ModelID: "distilbert-base-uncased", WeightsFile: classifiertest.PretrainedFile})
	require.NoError(t, err)
	assert.Equal(t, "distilbert-base-uncased", named.Name)

	require.NoError(t, os.Remove(base.VocabFile))
	_, err = classifier.ResolveBase(classifier.BaseConfig{Dir: dir, WeightsFile: classifiertest.PretrainedFile})
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)
}

func TestResolveBaseNeedsModel(t *testing.T) {
	_, err := classifier.ResolveBase(classifier.BaseConfig{})
	require.ErrorIs(t, err, classifier.ErrModelUnavailable)

	def := classifier.DefaultBaseConfig()
	assert.Equal(t, classifier.DefaultBaseModel, def.ModelID)
	assert.Equal(t, classifier.DefaultBaseWeights, def.WeightsFile)
}

package liar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"truthlens/backend/internal/preprocess"
)

const sampleTSV = "2635.json\tfalse\tSays the Annies List political group supports third-trimester abortions on demand.\tabortion\tdwayne-bohac\tState representative\tTexas\trepublican\t0\t1\t0\t0\t0\ta mailer\n" +
	"10540.json\thalf-true\tWhen did the decline of coal start? It started when natural gas took off.\tenergy,history\tscott-surovell\tState delegate\tVirginia\tdemocrat\t0\t0\t1\t1\t0\ta floor speech.\n" +
	"324.json\tmostly-true\tHillary Clinton agrees with John McCain \"by voting to give George Bush the benefit of the doubt on Iran.\"\tforeign-policy\tbarack-obama\tPresident\tIllinois\tdemocrat\t70\t71\t160\t163\t9\tDenver\n" +
	"1123.json\tfull-flop\tSome statement about flip flops\tcampaign\tsomeone\t\t\tnone\t0\t0\t0\t0\t0\tinterview\n" +
	"short.json\ttrue\n"

func TestRead(t *testing.T) {
	examples, stats, err := Read(strings.NewReader(sampleTSV))
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Rows)
	assert.Equal(t, 3, stats.Kept)
	assert.Equal(t, 2, stats.Dropped)
	assert.Equal(t, map[string]int{"FAKE": 1, "REAL": 2}, stats.ByLabel)

	require.Len(t, examples, 3)
	assert.Equal(t, preprocess.LabeledExample{
		Text:  "says the annies list political group supports thirdtrimester abortions on demand",
		Label: preprocess.LabelFake,
	}, examples[0])
	assert.Equal(t, preprocess.LabelReal, examples[1].Label)
	assert.Equal(t, "hillary clinton agrees with john mccain by voting to give george bush the benefit of the doubt on iran", examples[2].Text)
}

func TestReadEmpty(t *testing.T) {
	examples, stats, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, examples)
	assert.Zero(t, stats.Rows)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TrainFile), []byte(sampleTSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ValidationFile), []byte(sampleTSV), 0o644))

	ds, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, ds.Train, 3)
	assert.Len(t, ds.Validation, 3)
	assert.Empty(t, ds.Test)
	assert.Contains(t, ds.Stats, TrainFile)
	assert.NotContains(t, ds.Stats, TestFile)
}

func TestLoadDirRequiresTrain(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)

	_, _, err = Load("  ")
	require.Error(t, err)
}

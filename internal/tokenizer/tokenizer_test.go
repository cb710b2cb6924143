package tokenizer

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testVocab = []string{PadToken, UnkToken, ClsToken, SepToken, "the", "un", "##aff", "##able", "cafe", "!", "senate", "vote", "##s", "parliament", "pass", "##es", "election", "bill"}

func testTokenizer(t *testing.T, maxLength int) *Tokenizer {
	t.Helper()
	path := filepath.Join(t.TempDir(), VocabFile)
	if err := WriteVocabFile(path, testVocab); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	tok, err := FromVocab(path, Config{MaxLength: maxLength, Lowercase: true, StripAccents: true})
	if err != nil {
		t.Fatalf("new tokenizer: %v", err)
	}
	return tok
}

func TestTokenize(t *testing.T) {
	tok := testTokenizer(t, 16)
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"subwords", "unaffable", []string{"un", "##aff", "##able"}},
		{"accents and case", "The CAFÉ!", []string{"the", "cafe", "!"}},
		{"unknown word", "xyz", []string{UnkToken}},
		{"continuation", "Senate votes", []string{"senate", "vote", "##s"}},
		{"whole words", "parliament passes election bill", []string{"parliament", "pass", "##es", "election", "bill"}},
		{"empty", "   ", []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tok.Tokenize(tc.input)
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodePadsAndMasks(t *testing.T) {
	tok := testTokenizer(t, 8)
	enc := tok.Encode("the senate votes")
	wantIDs := []int{2, 4, 10, 11, 12, 3, 0, 0}
	wantMask := []int{1, 1, 1, 1, 1, 1, 0, 0}
	if diff := cmp.Diff(wantIDs, enc.InputIDs); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantMask, enc.AttentionMask); diff != "" {
		t.Fatalf("mask mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeTruncates(t *testing.T) {
	tok := testTokenizer(t, 4)
	enc := tok.Encode("the senate votes the cafe")
	want := []int{2, 4, 10, 3}
	if diff := cmp.Diff(want, enc.InputIDs); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeBatchAndRows(t *testing.T) {
	tok := testTokenizer(t, 8)
	if _, err := tok.EncodeBatch([]string{"a", "b"}, []int{1}); err == nil {
		t.Fatal("expected error for mismatched labels")
	}
	batch, err := tok.EncodeBatch([]string{"the", "cafe", "bill"}, []int{0, 1, 0})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	if batch.Len() != 3 || len(batch.Labels) != 3 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	rows := batch.Rows([]int{2, 0})
	if diff := cmp.Diff([]int{0, 0}, rows.Labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(batch.InputIDs[2], rows.InputIDs[0]); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}
	if got := batch.Slice(1, 3).Len(); got != 2 {
		t.Fatalf("expected 2 rows got %d", got)
	}
}

func TestFromVocabRequiresSpecials(t *testing.T) {
	path := filepath.Join(t.TempDir(), VocabFile)
	if err := WriteVocabFile(path, []string{PadToken, UnkToken, ClsToken, "a"}); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	if _, err := FromVocab(path, DefaultConfig()); !errors.Is(err, ErrInvalidVocab) {
		t.Fatalf("expected ErrInvalidVocab got %v", err)
	}
	if _, err := FromVocab(filepath.Join(t.TempDir(), "missing.txt"), DefaultConfig()); err == nil {
		t.Fatal("expected error for a missing vocab file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tok := testTokenizer(t, 12)
	dir := t.TempDir()
	if err := tok.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Config() != tok.Config() {
		t.Fatalf("config mismatch: %+v vs %+v", loaded.Config(), tok.Config())
	}
	if loaded.VocabSize() != len(testVocab) {
		t.Fatalf("expected %d tokens got %d", len(testVocab), loaded.VocabSize())
	}
	text := "The unaffable senate votes!"
	if diff := cmp.Diff(tok.Encode(text), loaded.Encode(text)); diff != "" {
		t.Fatalf("encoding mismatch (-want +got):\n%s", diff)
	}
}

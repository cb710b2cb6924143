package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	hftok "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// Special tokens every BERT-style vocabulary carries.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

const (
	// DefaultMaxLength bounds encoded sequences including [CLS] and [SEP].
	DefaultMaxLength = 128
	// VocabFile and ConfigFile name the persisted tokenizer artifacts.
	VocabFile  = "vocab.txt"
	ConfigFile = "tokenizer_config.json"
)

// ErrInvalidVocab is returned when a vocabulary is missing required tokens.
var ErrInvalidVocab = errors.New("invalid vocabulary")

// Config is persisted next to the vocabulary.
type Config struct {
	MaxLength    int  `json:"max_length"`
	Lowercase    bool `json:"do_lower_case"`
	StripAccents bool `json:"strip_accents"`
}

// DefaultConfig mirrors distilbert-base-uncased.
func DefaultConfig() Config {
	return Config{MaxLength: DefaultMaxLength, Lowercase: true, StripAccents: true}
}

// Encoding is a single tokenized sequence padded to the configured length.
type Encoding struct {
	InputIDs      []int `json:"input_ids"`
	AttentionMask []int `json:"attention_mask"`
}

// Batch holds encodings for a list of labeled examples.
type Batch struct {
	InputIDs      [][]int `json:"input_ids"`
	AttentionMask [][]int `json:"attention_mask"`
	Labels        []int   `json:"labels"`
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int {
	return len(b.InputIDs)
}

// Rows returns a batch holding the given rows, in order.
func (b Batch) Rows(idx []int) Batch {
	out := Batch{
		InputIDs:      make([][]int, len(idx)),
		AttentionMask: make([][]int, len(idx)),
	}
	if b.Labels != nil {
		out.Labels = make([]int, len(idx))
	}
	for i, row := range idx {
		out.InputIDs[i] = b.InputIDs[row]
		out.AttentionMask[i] = b.AttentionMask[row]
		if b.Labels != nil {
			out.Labels[i] = b.Labels[row]
		}
	}
	return out
}

// Slice returns rows [start, end).
func (b Batch) Slice(start, end int) Batch {
	out := Batch{InputIDs: b.InputIDs[start:end], AttentionMask: b.AttentionMask[start:end]}
	if b.Labels != nil {
		out.Labels = b.Labels[start:end]
	}
	return out
}

// Tokenizer runs the uncased BERT normalizer and pre-tokenizer followed by
// WordPiece against a fixed pretrained vocabulary. The vocabulary is never
// extended. Tokenizer is immutable after construction.
type Tokenizer struct {
	cfg    Config
	tokens []string
	wp     *hftok.Tokenizer

	padID int
	unkID int
	clsID int
	sepID int
}

// FromVocab builds a tokenizer over a vocab.txt file, one token per line,
// token IDs being line numbers.
func FromVocab(vocabPath string, cfg Config) (*Tokenizer, error) {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxLength < 2 {
		return nil, fmt.Errorf("max length %d leaves no room for special tokens", cfg.MaxLength)
	}
	tokens, err := readVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	t := &Tokenizer{cfg: cfg, tokens: tokens}
	ids := make(map[string]int, 4)
	for idx, token := range tokens {
		switch token {
		case PadToken, UnkToken, ClsToken, SepToken:
			if _, dup := ids[token]; !dup {
				ids[token] = idx
			}
		}
	}
	for _, special := range []struct {
		name string
		dst  *int
	}{
		{PadToken, &t.padID},
		{UnkToken, &t.unkID},
		{ClsToken, &t.clsID},
		{SepToken, &t.sepID},
	} {
		id, ok := ids[special.name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidVocab, special.name)
		}
		*special.dst = id
	}

	model, err := wordpiece.NewWordPieceFromFile(vocabPath, UnkToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVocab, err)
	}
	wp := hftok.NewTokenizer(model)
	wp.WithNormalizer(normalizer.NewBertNormalizer(true, cfg.Lowercase, true, cfg.StripAccents))
	wp.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	t.wp = wp
	return t, nil
}

func readVocab(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if token == "" {
			return nil, fmt.Errorf("%w: empty token at line %d", ErrInvalidVocab, len(tokens)+1)
		}
		tokens = append(tokens, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	return tokens, nil
}

// Config returns the tokenizer configuration.
func (t *Tokenizer) Config() Config {
	return t.cfg
}

// VocabSize returns the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.tokens)
}

// MaxLength returns the padded sequence length.
func (t *Tokenizer) MaxLength() int {
	return t.cfg.MaxLength
}

// PadID returns the padding token ID.
func (t *Tokenizer) PadID() int {
	return t.padID
}

// Token returns the vocabulary entry for id.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return UnkToken
	}
	return t.tokens[id]
}

// Tokenize splits text into subword tokens without special tokens or padding.
func (t *Tokenizer) Tokenize(text string) []string {
	en, err := t.wp.EncodeSingle(text, false)
	if err != nil || en == nil {
		return []string{}
	}
	return append([]string{}, en.GetTokens()...)
}

func (t *Tokenizer) pieceIDs(text string) []int {
	en, err := t.wp.EncodeSingle(text, false)
	if err != nil || en == nil {
		return nil
	}
	return en.GetIds()
}

// Encode tokenizes text, wraps it in [CLS]/[SEP], truncates to the maximum
// length and pads the remainder.
func (t *Tokenizer) Encode(text string) Encoding {
	pieces := t.pieceIDs(text)
	if limit := t.cfg.MaxLength - 2; len(pieces) > limit {
		pieces = pieces[:limit]
	}

	ids := make([]int, t.cfg.MaxLength)
	mask := make([]int, t.cfg.MaxLength)
	ids[0], mask[0] = t.clsID, 1
	pos := 1
	for _, id := range pieces {
		ids[pos], mask[pos] = id, 1
		pos++
	}
	ids[pos], mask[pos] = t.sepID, 1
	for pos++; pos < t.cfg.MaxLength; pos++ {
		ids[pos] = t.padID
	}
	return Encoding{InputIDs: ids, AttentionMask: mask}
}

// EncodeBatch encodes texts alongside their labels.
func (t *Tokenizer) EncodeBatch(texts []string, labels []int) (Batch, error) {
	if labels != nil && len(labels) != len(texts) {
		return Batch{}, fmt.Errorf("labels length %d does not match texts length %d", len(labels), len(texts))
	}
	batch := Batch{
		InputIDs:      make([][]int, len(texts)),
		AttentionMask: make([][]int, len(texts)),
	}
	for i, text := range texts {
		enc := t.Encode(text)
		batch.InputIDs[i] = enc.InputIDs
		batch.AttentionMask[i] = enc.AttentionMask
	}
	if labels != nil {
		batch.Labels = append([]int(nil), labels...)
	}
	return batch, nil
}

// Save writes vocab.txt and tokenizer_config.json into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tokenizer dir: %w", err)
	}
	if err := WriteVocabFile(filepath.Join(dir, VocabFile), t.tokens); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(t.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokenizer config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), payload, 0o644); err != nil {
		return fmt.Errorf("write tokenizer config: %w", err)
	}
	return nil
}

// WriteVocabFile writes tokens to path in vocab.txt format.
func WriteVocabFile(path string, tokens []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vocab: %w", err)
	}
	if err := writeVocab(f, tokens); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeVocab(w io.Writer, tokens []string) error {
	bw := bufio.NewWriter(w)
	for _, token := range tokens {
		if _, err := bw.WriteString(token + "\n"); err != nil {
			return fmt.Errorf("write vocab: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush vocab: %w", err)
	}
	return nil
}

// Load reads a tokenizer previously written by Save.
func Load(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode tokenizer config: %w", err)
	}
	return FromVocab(filepath.Join(dir, VocabFile), cfg)
}

package preprocess

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"mixed noise", "Check [this] out http://x.co <b>now</b> 123abc!!", "check out now"},
		{"empty", "", ""},
		{"only whitespace", " \t\n ", ""},
		{"www link", "see www.example.com/path today", "see today"},
		{"newlines", "line one\nline two", "line one line two"},
		{"digit words", "covid19 cases hit 2020 highs in q3", "cases hit highs in"},
		{"punctuation joins", "don't stop-believing", "dont stopbelieving"},
		{"multiline bracket kept", "[open\nclose] text", "open close text"},
		{"unicode spaces", "a\u00a0\u2003b\u3000", "a b"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.input)
			if got != tc.expected {
				t.Fatalf("expected %q got %q", tc.expected, got)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	samples := []string{
		"Check [this] out http://x.co <b>now</b> 123abc!!",
		"Says the Annies List political group supports third-trimester abortions on demand.",
		"When did the decline of coal start? It started when natural gas took off that started to begin in (President George W.) Bushs administration.",
		"a[b]c<d>e http://f.g www.h.i j1k",
		"Ünïcödé TEXT — with “quotes” and ½ fractions",
		"[[nested]] <<tags>> ((parens))",
		"x\n\n\ny",
		"",
	}
	for _, sample := range samples {
		once := Normalize(sample)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q vs %q", sample, once, twice)
		}
	}
}

package preprocess

import "sort"

const (
	// LabelFake is the binary target for statements rated false, pants-fire or barely-true.
	LabelFake = 0
	// LabelReal is the binary target for statements rated half-true, mostly-true or true.
	LabelReal = 1
)

// LabeledExample is a normalized statement paired with its binary target.
type LabeledExample struct {
	Text  string `json:"text"`
	Label int    `json:"label"`
}

var labelTable = map[string]int{
	"false":       LabelFake,
	"pants-fire":  LabelFake,
	"barely-true": LabelFake,
	"half-true":   LabelReal,
	"mostly-true": LabelReal,
	"true":        LabelReal,
}

// MapLabel collapses a six-way truthfulness rating into the binary target.
// Ratings outside the table report ok=false and must be excluded.
func MapLabel(raw string) (label int, ok bool) {
	label, ok = labelTable[raw]
	return label, ok
}

// Labels returns the recognised raw ratings in sorted order.
func Labels() []string {
	out := make([]string, 0, len(labelTable))
	for k := range labelTable {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Example maps the raw rating and normalizes the statement in one step.
func Example(statement, rawLabel string) (LabeledExample, bool) {
	label, ok := MapLabel(rawLabel)
	if !ok {
		return LabeledExample{}, false
	}
	return LabeledExample{Text: Normalize(statement), Label: label}, true
}

// LabelName renders the binary target the way predictions are reported.
func LabelName(label int) string {
	if label == LabelReal {
		return "REAL"
	}
	return "FAKE"
}

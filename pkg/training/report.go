package training

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/hed1ad/hybridguard/pkg/classifiers"
)

// ClassMetrics holds the per-class scores of an evaluation.
type ClassMetrics struct {
	Label     string  `json:"label" yaml:"label"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1" yaml:"f1"`
	Support   int     `json:"support" yaml:"support"`
}

// Report is a classification report over a held-out split.
type Report struct {
	Classes     []ClassMetrics `json:"classes" yaml:"classes"`
	Accuracy    float64        `json:"accuracy" yaml:"accuracy"`
	MacroAvg    ClassMetrics   `json:"macro_avg" yaml:"macro_avg"`
	WeightedAvg ClassMetrics   `json:"weighted_avg" yaml:"weighted_avg"`
	Confusion   [][]int        `json:"confusion" yaml:"confusion"` // [true][predicted]
	Support     int            `json:"support" yaml:"support"`
}

// Evaluate classifies every row and scores the predictions against codes.
// Precision, recall and F1 are 0 where their denominator is 0.
func Evaluate(clf classifiers.Classifier, x [][]float64, codes []int, classes []string) (*Report, error) {
	if len(x) != len(codes) {
		return nil, fmt.Errorf("%d samples but %d codes", len(x), len(codes))
	}

	k := len(classes)
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}

	correct := 0
	for i, row := range x {
		pred, err := clf.Classify(row)
		if err != nil {
			return nil, err
		}
		if pred < 0 || pred >= k || codes[i] < 0 || codes[i] >= k {
			return nil, fmt.Errorf("class code out of range at row %d", i)
		}
		confusion[codes[i]][pred]++
		if pred == codes[i] {
			correct++
		}
	}

	r := &Report{
		Classes:   make([]ClassMetrics, k),
		Confusion: confusion,
		Support:   len(x),
		MacroAvg:  ClassMetrics{Label: "macro avg"},
		WeightedAvg: ClassMetrics{
			Label: "weighted avg",
		},
	}
	if len(x) > 0 {
		r.Accuracy = float64(correct) / float64(len(x))
	}

	for c := 0; c < k; c++ {
		var tp, predicted, actual int
		tp = confusion[c][c]
		for j := 0; j < k; j++ {
			predicted += confusion[j][c]
			actual += confusion[c][j]
		}

		m := ClassMetrics{
			Label:     classes[c],
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, actual),
			Support:   actual,
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.Classes[c] = m

		r.MacroAvg.Precision += m.Precision / float64(k)
		r.MacroAvg.Recall += m.Recall / float64(k)
		r.MacroAvg.F1 += m.F1 / float64(k)
		if len(x) > 0 {
			w := float64(actual) / float64(len(x))
			r.WeightedAvg.Precision += w * m.Precision
			r.WeightedAvg.Recall += w * m.Recall
			r.WeightedAvg.F1 += w * m.F1
		}
	}
	r.MacroAvg.Support = len(x)
	r.WeightedAvg.Support = len(x)

	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// String renders the report as an aligned text table.
func (r *Report) String() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(w, "\tprecision\trecall\tf1-score\tsupport\t")
	row := func(m ClassMetrics) {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", m.Label, m.Precision, m.Recall, m.F1, m.Support)
	}
	for _, m := range r.Classes {
		row(m)
	}
	fmt.Fprintln(w, "\t\t\t\t\t")
	fmt.Fprintf(w, "accuracy\t\t\t%.2f\t%d\t\n", r.Accuracy, r.Support)
	row(r.MacroAvg)
	row(r.WeightedAvg)

	w.Flush()
	return b.String()
}

package stats

import (
	"sort"

	"spikenet/internal/model"
)

// ConfusionRow counts, for one true label, how often each class was guessed.
type ConfusionRow struct {
	Label   model.Label         `json:"label"`
	Total   int                 `json:"total"`
	Right   int                 `json:"right"`
	Guesses map[model.Label]int `json:"guesses"`
}

func (r ConfusionRow) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Right) / float64(r.Total)
}

type Confusion struct {
	Rows  []ConfusionRow `json:"rows"`
	Total int            `json:"total"`
	Right int            `json:"right"`
}

func (c Confusion) Accuracy() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Right) / float64(c.Total)
}

// BuildConfusion tallies inference conclusions; training records carry the
// label as ground truth and are left out.
func BuildConfusion(records []model.ConclusionRecord) Confusion {
	rows := make(map[model.Label]*ConfusionRow)
	var out Confusion
	for _, r := range records {
		if r.Mode == "training" {
			continue
		}
		row, ok := rows[r.Label]
		if !ok {
			row = &ConfusionRow{Label: r.Label, Guesses: make(map[model.Label]int)}
			rows[r.Label] = row
		}
		row.Total++
		row.Guesses[r.Guess]++
		out.Total++
		if r.Correct() {
			row.Right++
			out.Right++
		}
	}
	out.Rows = make([]ConfusionRow, 0, len(rows))
	for _, row := range rows {
		out.Rows = append(out.Rows, *row)
	}
	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].Label < out.Rows[j].Label })
	return out
}

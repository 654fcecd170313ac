package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"spikenet/internal/model"
	"spikenet/internal/stats"
	"spikenet/pkg/spikenet"
)

// printer renders aligned tables on a terminal and JSON lines everywhere
// else.
type printer struct {
	w         io.Writer
	jsonLines bool
}

func newPrinter(w io.Writer, forceJSON bool) printer {
	return printer{w: w, jsonLines: forceJSON || !isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p printer) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(p.w, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(p.w, string(data))
}

func (p printer) runSummary(s spikenet.RunSummary) {
	if p.jsonLines {
		p.emit(struct {
			RunID        string         `json:"run_id"`
			ArtifactsDir string         `json:"artifacts_dir,omitempty"`
			Summary      any            `json:"summary"`
			Counters     stats.Counters `json:"counters"`
		}{s.RunID, s.ArtifactsDir, s.Summary, s.Counters})
		return
	}
	sum := s.Summary
	fmt.Fprintf(p.w, "run_id=%s mode=%s\n", s.RunID, sum.Mode)
	fmt.Fprintf(p.w, "samples=%s concluded=%s interrupted=%s correct=%s accuracy=%s\n",
		humanize.Comma(int64(sum.Samples)),
		humanize.Comma(int64(sum.Concluded)),
		humanize.Comma(int64(sum.Interrupted)),
		humanize.Comma(int64(sum.Correct)),
		percent(sum.Accuracy))
	c := s.Counters
	fmt.Fprintf(p.w, "frames_sent=%s send_errors=%s received=%s processed=%s rejected=%s unknown_sender=%s\n",
		humanize.Comma(int64(c.FramesSent)),
		humanize.Comma(int64(c.SendErrors)),
		humanize.Comma(int64(c.Received)),
		humanize.Comma(int64(c.Processed)),
		humanize.Comma(int64(c.Rejected)),
		humanize.Comma(int64(c.UnknownSender)))
	if s.ArtifactsDir != "" {
		fmt.Fprintf(p.w, "artifacts=%s\n", s.ArtifactsDir)
	}
}

func (p printer) runs(items []spikenet.RunItem) {
	if p.jsonLines {
		for _, item := range items {
			p.emit(struct {
				RunID        string  `json:"run_id"`
				CreatedAtUTC string  `json:"created_at_utc"`
				Mode         string  `json:"mode"`
				Samples      int     `json:"samples"`
				Concluded    int     `json:"concluded"`
				Interrupted  int     `json:"interrupted"`
				Accuracy     float64 `json:"accuracy"`
			}(item))
		}
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tAGE\tMODE\tSAMPLES\tCONCLUDED\tINTERRUPTED\tACCURACY")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.RunID,
			age(item.CreatedAtUTC),
			item.Mode,
			humanize.Comma(int64(item.Samples)),
			humanize.Comma(int64(item.Concluded)),
			humanize.Comma(int64(item.Interrupted)),
			percent(item.Accuracy))
	}
	_ = tw.Flush()
}

func (p printer) records(records []model.ConclusionRecord) {
	if p.jsonLines {
		for _, r := range records {
			p.emit(r)
		}
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAMPLE\tMODE\tLABEL\tGUESS\tCONFIDENCE\tITERATIONS\tSTABLE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%d\t%t\n",
			r.SampleID, r.Mode, r.Label, r.Guess, r.Confidence, r.Iterations, r.Stable)
	}
	_ = tw.Flush()
}

func (p printer) report(r spikenet.Report) {
	if p.jsonLines {
		p.emit(struct {
			RunID     string           `json:"run_id"`
			Config    *stats.RunConfig `json:"config,omitempty"`
			Confusion stats.Confusion  `json:"confusion"`
		}{r.RunID, r.Config, r.Confusion})
		return
	}
	fmt.Fprintf(p.w, "run_id=%s\n", r.RunID)
	if cfg := r.Config; cfg != nil {
		fmt.Fprintf(p.w, "mode=%s step=%dms stim=%dms pause=%dms iterations=%d..%d threshold=%s lanes=%s\n",
			cfg.Mode, cfg.StepIntervalMS, cfg.StimDurationMS, cfg.PauseDurationMS,
			cfg.MinIterations, cfg.MaxIterations,
			humanize.FtoaWithDigits(cfg.ConfidenceThreshold, 3),
			laneList(cfg.Lanes))
	}
	p.confusion(r.Confusion)
}

func laneList(lanes []stats.LaneConfig) string {
	parts := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		parts = append(parts, fmt.Sprintf("%s=%s", lane.Label, lane.Input))
	}
	return strings.Join(parts, ",")
}

func (p printer) confusion(c stats.Confusion) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tTOTAL\tRIGHT\tACCURACY\tGUESSES")
	for _, row := range c.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			row.Label,
			humanize.Comma(int64(row.Total)),
			humanize.Comma(int64(row.Right)),
			percent(row.Accuracy()),
			guessList(row.Guesses))
	}
	fmt.Fprintf(tw, "all\t%s\t%s\t%s\t\n",
		humanize.Comma(int64(c.Total)),
		humanize.Comma(int64(c.Right)),
		percent(c.Accuracy()))
	_ = tw.Flush()
}

func guessList(guesses map[model.Label]int) string {
	labels := make([]model.Label, 0, len(guesses))
	for label := range guesses {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s=%d", label, guesses[label]))
	}
	return strings.Join(parts, " ")
}

func percent(v float64) string {
	return humanize.FtoaWithDigits(v*100, 1) + "%"
}

func age(createdAtUTC string) string {
	t, err := time.Parse(time.RFC3339Nano, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return humanize.Time(t)
}

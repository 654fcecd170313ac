package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"spikenet/internal/model"
)

const runIndexFile = "run_index.json"

type LaneConfig struct {
	Label   string       `json:"label"`
	Input   model.NodeID `json:"input"`
	Readout model.NodeID `json:"readout"`
}

type RunConfig struct {
	RunID               string             `json:"run_id"`
	Mode                string             `json:"mode"`
	SamplesPath         string             `json:"samples_path,omitempty"`
	RosterPath          string             `json:"roster_path,omitempty"`
	StepIntervalMS      int64              `json:"step_interval_ms"`
	StimDurationMS      int64              `json:"stim_duration_ms"`
	PauseDurationMS     int64              `json:"pause_duration_ms"`
	RateIncrement       float64            `json:"rate_increment"`
	MinIterations       int                `json:"min_iterations"`
	MaxIterations       int                `json:"max_iterations"`
	IterationIncrement  int                `json:"iteration_increment"`
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	TrainingIterations  int                `json:"training_iterations"`
	SettleMarginMS      int64              `json:"settle_margin_ms"`
	IngestAddr          string             `json:"ingest_addr"`
	TrafficClass        int                `json:"traffic_class"`
	Seed                int64              `json:"seed"`
	Nodes               []model.TargetNode `json:"nodes"`
	Lanes               []LaneConfig       `json:"lanes"`
}

// Counters are the transport statistics observed during one run.
type Counters struct {
	Received      uint64 `json:"received"`
	Processed     uint64 `json:"processed"`
	Rejected      uint64 `json:"rejected"`
	UnknownSender uint64 `json:"unknown_sender"`
	FramesSent    uint64 `json:"frames_sent"`
	SendErrors    uint64 `json:"send_errors"`
}

type RunArtifacts struct {
	Config      RunConfig                `json:"config"`
	Conclusions []model.ConclusionRecord `json:"conclusions"`
	Summary     model.RunSummary         `json:"summary"`
	Counters    Counters                 `json:"counters"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Mode         string  `json:"mode"`
	Samples      int     `json:"samples"`
	Concluded    int     `json:"concluded"`
	Interrupted  int     `json:"interrupted"`
	Accuracy     float64 `json:"accuracy"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	conclusions := artifacts.Conclusions
	if conclusions == nil {
		conclusions = []model.ConclusionRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, "conclusions.json"), conclusions); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), map[string]any{"summary": artifacts.Summary, "counters": artifacts.Counters}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "confusion.json"), BuildConfusion(conclusions)); err != nil {
		return "", err
	}
	if err := WriteConclusionsCSV(runDir, conclusions); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// later appends win ties
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "conclusions.json", "summary.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{"confusion.json", "conclusions.csv"} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func ReadConclusions(baseDir, runID string) ([]model.ConclusionRecord, bool, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, false, fmt.Errorf("run id is required")
	}
	path := filepath.Join(baseDir, runID, "conclusions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var records []model.ConclusionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

var conclusionsHeader = []string{"sample_id", "mode", "label", "guess", "confidence", "iterations", "stable", "correct"}

func WriteConclusionsCSV(runDir string, records []model.ConclusionRecord) error {
	file, err := os.Create(filepath.Join(runDir, "conclusions.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(conclusionsHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := writer.Write([]string{
			r.SampleID,
			r.Mode,
			r.Label.String(),
			r.Guess.String(),
			strconv.FormatFloat(r.Confidence, 'f', -1, 64),
			strconv.Itoa(r.Iterations),
			strconv.FormatBool(r.Stable),
			strconv.FormatBool(r.Correct()),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

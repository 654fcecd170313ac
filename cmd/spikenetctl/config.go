package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"spikenet/internal/model"
	"spikenet/pkg/spikenet"
)

const defaultEnvFile = ".env"

// loadEnvFile reads SPIKENET_* settings from SPIKENET_ENV_FILE, or from .env
// when that exists. Variables already set in the environment win.
func loadEnvFile() error {
	path := os.Getenv("SPIKENET_ENV_FILE")
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func applyEnvConfig(cfg *spikenet.Config) error {
	if v := os.Getenv("SPIKENET_INGEST_ADDR"); v != "" {
		cfg.IngestAddr = v
	}
	intVars := []struct {
		key string
		set func(int)
	}{
		{"SPIKENET_STEP_MS", func(n int) { cfg.StepInterval = millis(n) }},
		{"SPIKENET_STIM_MS", func(n int) { cfg.StimDuration = millis(n) }},
		{"SPIKENET_PAUSE_MS", func(n int) { cfg.PauseDuration = millis(n) }},
		{"SPIKENET_MIN_ITERATIONS", func(n int) { cfg.MinIterations = n }},
		{"SPIKENET_MAX_ITERATIONS", func(n int) { cfg.MaxIterations = n }},
		{"SPIKENET_INGEST_WORKERS", func(n int) { cfg.IngestWorkers = n }},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer: %q", iv.key, v)
		}
		iv.set(n)
	}
	if v := os.Getenv("SPIKENET_RATE_INCREMENT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("SPIKENET_RATE_INCREMENT must be within [0,1]: %q", v)
		}
		cfg.RateIncrement = f
	}
	if v := os.Getenv("SPIKENET_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SPIKENET_SEED must be an integer: %q", v)
		}
		cfg.Seed = seed
	}
	return nil
}

// loadRunRequestFromConfig reads a JSON run config on top of the defaults.
// Roster and sample paths are taken relative to the config file.
func loadRunRequestFromConfig(path string) (spikenet.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return spikenet.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return spikenet.RunRequest{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	req := spikenet.RunRequest{Config: spikenet.DefaultConfig()}
	base := filepath.Dir(path)
	if v, ok := asString(raw["roster"]); ok {
		req.RosterPath = relativeTo(base, v)
	}
	if v, ok := asString(raw["samples"]); ok {
		req.SamplesPath = relativeTo(base, v)
	}

	cfg := &req.Config
	if v, ok := asString(raw["ingest_addr"]); ok {
		cfg.IngestAddr = v
	}
	if v, ok := asInt(raw["ingest_workers"]); ok {
		cfg.IngestWorkers = v
	}
	if v, ok := asInt(raw["ingest_queue"]); ok {
		cfg.IngestQueue = v
	}
	if v, ok := asInt(raw["drain_timeout_ms"]); ok {
		cfg.DrainTimeout = millis(v)
	}
	if v, ok := asInt(raw["step_interval_ms"]); ok {
		cfg.StepInterval = millis(v)
	}
	if v, ok := asInt(raw["stim_duration_ms"]); ok {
		cfg.StimDuration = millis(v)
	}
	if v, ok := asInt(raw["pause_duration_ms"]); ok {
		cfg.PauseDuration = millis(v)
	}
	if v, ok := asInt(raw["traffic_class"]); ok {
		cfg.TrafficClass = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = v
	}
	if v, ok := asFloat64(raw["rate_increment"]); ok {
		cfg.RateIncrement = v
	}
	if v, ok := asInt(raw["min_iterations"]); ok {
		cfg.MinIterations = v
	}
	if v, ok := asInt(raw["max_iterations"]); ok {
		cfg.MaxIterations = v
	}
	if v, ok := asInt(raw["iteration_increment"]); ok {
		cfg.IterationIncrement = v
	}
	if v, ok := asFloat64(raw["confidence_threshold"]); ok {
		cfg.ConfidenceThreshold = v
	}
	if v, ok := asInt(raw["training_iterations"]); ok {
		cfg.TrainingIterations = v
	}
	if v, ok := asInt(raw["settle_margin_ms"]); ok {
		cfg.SettleMargin = millis(v)
	}
	if v, ok := asInt(raw["shutdown_grace_ms"]); ok {
		cfg.ShutdownGrace = millis(v)
	}
	if items, ok := raw["noise_pattern"].([]any); ok {
		pattern := make([]float64, 0, len(items))
		for i, item := range items {
			f, ok := asFloat64(item)
			if !ok || f < 0 || f > 1 {
				return spikenet.RunRequest{}, fmt.Errorf("noise_pattern[%d] must be within [0,1]", i)
			}
			pattern = append(pattern, f)
		}
		cfg.NoisePattern = pattern
	}

	if items, ok := raw["lanes"].([]any); ok {
		for i, item := range items {
			lane, err := laneFromMap(item)
			if err != nil {
				return spikenet.RunRequest{}, fmt.Errorf("lanes[%d]: %w", i, err)
			}
			req.Lanes = append(req.Lanes, lane)
		}
	}
	return req, nil
}

func laneFromMap(item any) (spikenet.LaneSpec, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return spikenet.LaneSpec{}, errors.New("lane must be an object")
	}
	var label model.Label
	switch v := m["label"].(type) {
	case string:
		parsed, err := model.ParseLabel(strings.ToLower(v))
		if err != nil {
			return spikenet.LaneSpec{}, err
		}
		label = parsed
	case float64:
		label = model.Label(int(v))
	default:
		return spikenet.LaneSpec{}, errors.New("lane label is required")
	}
	if label == model.LabelUndetermined {
		return spikenet.LaneSpec{}, errors.New("undetermined is not a class")
	}
	input, ok := asInt(m["input"])
	if !ok || input <= 0 {
		return spikenet.LaneSpec{}, errors.New("lane input must be a positive node id")
	}
	lane := spikenet.LaneSpec{Label: label, Input: model.NodeID(input)}
	if readout, ok := asInt(m["readout"]); ok {
		if readout <= 0 {
			return spikenet.LaneSpec{}, errors.New("lane readout must be a positive node id")
		}
		lane.Readout = model.NodeID(readout)
	}
	return lane, nil
}

func relativeTo(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

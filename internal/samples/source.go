package samples

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"spikenet/internal/model"
)

// Source yields samples in presentation order. Next returns io.EOF once the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (model.Sample, error)
}

type SliceSource struct {
	mu      sync.Mutex
	samples []model.Sample
	next    int
}

func NewSliceSource(samples []model.Sample) *SliceSource {
	return &SliceSource{samples: append([]model.Sample(nil), samples...)}
}

func (s *SliceSource) Next(ctx context.Context) (model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return model.Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.samples) {
		return model.Sample{}, io.EOF
	}
	sample := s.samples[s.next]
	s.next++
	return sample, nil
}

func (s *SliceSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

type fileSample struct {
	ID        string    `json:"id"`
	Luminance []float64 `json:"luminance"`
	Label     string    `json:"label"`
}

type sampleFile struct {
	Samples []fileSample `json:"samples"`
}

// LoadFile reads a JSON sample set. Labels may be names ("track") or numeric
// tags ("3"); luminance values must lie in [0,1] and every sample of a file
// must have the same pixel count.
func LoadFile(path string) (*SliceSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file sampleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode samples %s: %w", path, err)
	}
	out := make([]model.Sample, 0, len(file.Samples))
	pixels := -1
	for i, raw := range file.Samples {
		label, err := model.ParseLabel(raw.Label)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		if pixels >= 0 && len(raw.Luminance) != pixels {
			return nil, fmt.Errorf("sample %d: pixel count %d differs from %d", i, len(raw.Luminance), pixels)
		}
		pixels = len(raw.Luminance)
		for j, v := range raw.Luminance {
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("sample %d: luminance[%d]=%f outside [0,1]", i, j, v)
			}
		}
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("sample-%d", i)
		}
		out = append(out, model.Sample{ID: id, Luminance: raw.Luminance, Label: label})
	}
	return NewSliceSource(out), nil
}

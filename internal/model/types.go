package model

import (
	"fmt"
	"strconv"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// NodeID is the stable identity the fleet manager assigns to a hardware node.
type NodeID uint32

func (id NodeID) String() string {
	return "node-" + strconv.FormatUint(uint64(id), 10)
}

// Label is the class tag carried by a sample.
type Label int

const (
	LabelUndetermined Label = 0
	LabelTrack        Label = 1
	LabelSpot         Label = 3
	LabelNoise        Label = 5
)

func (l Label) String() string {
	switch l {
	case LabelUndetermined:
		return "undetermined"
	case LabelTrack:
		return "track"
	case LabelSpot:
		return "spot"
	case LabelNoise:
		return "noise"
	default:
		return "label-" + strconv.Itoa(int(l))
	}
}

func ParseLabel(s string) (Label, error) {
	switch s {
	case "undetermined", "":
		return LabelUndetermined, nil
	case "track":
		return LabelTrack, nil
	case "spot":
		return LabelSpot, nil
	case "noise":
		return LabelNoise, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return LabelUndetermined, fmt.Errorf("unknown label: %s", s)
	}
	return Label(v), nil
}

// Sample is an immutable luminance map in [0,1] plus its class label.
type Sample struct {
	ID        string    `json:"id"`
	Luminance []float64 `json:"luminance"`
	Label     Label     `json:"label"`
}

// TargetNode is the read-only view of a fleet node.
type TargetNode struct {
	ID            NodeID `json:"id"`
	Address       string `json:"address"`
	NeuronCount   int    `json:"neurons"`
	SynapseCount  int    `json:"synapses"`
	DendriteCount int    `json:"dendrites,omitempty"`
}

// InputBits is the number of bits a frame sent to the node must carry.
func (n TargetNode) InputBits() int {
	if n.SynapseCount > 0 {
		return n.SynapseCount
	}
	return n.NeuronCount
}

type ConclusionRecord struct {
	VersionedRecord
	RunID        string  `json:"run_id"`
	SessionID    string  `json:"session_id"`
	SampleID     string  `json:"sample_id"`
	Mode         string  `json:"mode"`
	Label        Label   `json:"label"`
	Guess        Label   `json:"guess"`
	Confidence   float64 `json:"confidence"`
	Iterations   int     `json:"iterations"`
	Stable       bool    `json:"stable,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func (r ConclusionRecord) Correct() bool {
	return r.Label == r.Guess
}

type RunSummary struct {
	VersionedRecord
	RunID        string  `json:"run_id"`
	Mode         string  `json:"mode"`
	Samples      int     `json:"samples"`
	Concluded    int     `json:"concluded"`
	Interrupted  int     `json:"interrupted"`
	Correct      int     `json:"correct"`
	Accuracy     float64 `json:"accuracy"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

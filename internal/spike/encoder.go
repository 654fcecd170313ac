package spike

import (
	"math/rand"
	"time"
)

// EncodeThreshold sets bit i iff luminance[i] > r. The output holds
// len(luminance) bits.
func EncodeThreshold(luminance []float64, r float64) Frame {
	frame := NewFrame(len(luminance))
	for i, v := range luminance {
		if v > r {
			frame.Set(i)
		}
	}
	return frame
}

// Encoder draws one uniform threshold per frame, so every pixel of a time step
// is compared against the same value. An Encoder is not safe for concurrent
// use; each sender owns its own.
type Encoder struct {
	rng *rand.Rand
}

func NewEncoder(seed int64) *Encoder {
	return &Encoder{rng: rand.New(rand.NewSource(seed))}
}

func NewEncoderFromRand(rng *rand.Rand) *Encoder {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Encoder{rng: rng}
}

func (e *Encoder) Encode(luminance []float64) Frame {
	frame, _ := e.EncodeWithDraw(luminance)
	return frame
}

// EncodeWithDraw also reports the threshold used for the frame.
func (e *Encoder) EncodeWithDraw(luminance []float64) (Frame, float64) {
	r := e.rng.Float64()
	return EncodeThreshold(luminance, r), r
}

package spike

import (
	"math/rand"
	"testing"
)

func TestEncodeWithDrawMatchesThreshold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	enc := NewEncoderFromRand(rng)
	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(70)
		luminance := make([]float64, n)
		for i := range luminance {
			luminance[i] = rng.Float64()
		}
		frame, r := enc.EncodeWithDraw(luminance)
		if len(frame) != FrameBytes(n) {
			t.Fatalf("frame bytes mismatch: got=%d want=%d", len(frame), FrameBytes(n))
		}
		for i, v := range luminance {
			if frame.Bit(i) != (v > r) {
				t.Fatalf("bit %d mismatch: luminance=%f r=%f bit=%v", i, v, r, frame.Bit(i))
			}
		}
		for i := n; i < frame.Capacity(); i++ {
			if frame.Bit(i) {
				t.Fatalf("padding bit %d set", i)
			}
		}
	}
}

func TestEncodeSeededIsDeterministic(t *testing.T) {
	luminance := []float64{0.1, 0.5, 0.9, 0.3, 0.7, 0.2, 0.8, 0.4, 0.6}
	a := NewEncoder(42)
	b := NewEncoder(42)
	for i := 0; i < 20; i++ {
		fa := a.Encode(luminance)
		fb := b.Encode(luminance)
		if string(fa) != string(fb) {
			t.Fatalf("seeded encoders diverged at step %d: %v vs %v", i, fa, fb)
		}
	}
}

func TestEncodeSaturatedInputs(t *testing.T) {
	ones := make([]float64, 13)
	zeros := make([]float64, 13)
	for i := range ones {
		ones[i] = 1
	}
	for _, r := range []float64{0, 0.25, 0.5, 0.999999} {
		full := EncodeThreshold(ones, r)
		if full.Count(13) != 13 {
			t.Fatalf("expected every bit set for r=%f, got=%d", r, full.Count(13))
		}
		empty := EncodeThreshold(zeros, r)
		if empty.Count(13) != 0 {
			t.Fatalf("expected no bit set for r=%f, got=%d", r, empty.Count(13))
		}
	}

	enc := NewEncoder(3)
	for i := 0; i < 100; i++ {
		if enc.Encode(ones).Count(13) != 13 {
			t.Fatal("expected all-ones luminance to set every bit")
		}
		if enc.Encode(zeros).Count(13) != 0 {
			t.Fatal("expected all-zero luminance to set no bit")
		}
	}
}

func TestEncodeEmptyLuminance(t *testing.T) {
	frame := NewEncoder(1).Encode(nil)
	if len(frame) != 0 {
		t.Fatalf("expected zero-length frame, got=%d bytes", len(frame))
	}
}

func TestFrameBitLayoutIsLSBFirst(t *testing.T) {
	frame := EncodeThreshold([]float64{1, 0, 1, 0, 0, 0, 0, 0, 1}, 0.5)
	if len(frame) != 2 {
		t.Fatalf("expected 2 bytes, got=%d", len(frame))
	}
	if frame[0] != 0x05 || frame[1] != 0x01 {
		t.Fatalf("unexpected packing: %08b %08b", frame[0], frame[1])
	}
	if frame.Bit(-1) || frame.Bit(64) {
		t.Fatal("out-of-range bits must read as unset")
	}
}

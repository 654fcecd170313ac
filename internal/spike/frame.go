package spike

// Frame is one bit-packed time step: bit i lives in byte i/8 at position i%8
// (LSB first). The same layout is used on the wire with no header.
type Frame []byte

// FrameBytes returns ceil(bits/8).
func FrameBytes(bits int) int {
	if bits <= 0 {
		return 0
	}
	return (bits + 7) / 8
}

func NewFrame(bits int) Frame {
	return make(Frame, FrameBytes(bits))
}

// Blank is an all-zero frame sized for bits.
func Blank(bits int) Frame {
	return NewFrame(bits)
}

func (f Frame) Bit(i int) bool {
	if i < 0 || i/8 >= len(f) {
		return false
	}
	return f[i/8]>>(uint(i)%8)&1 == 1
}

func (f Frame) Set(i int) {
	f[i/8] |= 1 << (uint(i) % 8)
}

// Capacity is the number of addressable bits.
func (f Frame) Capacity() int {
	return len(f) * 8
}

// Count returns how many of the first bits bits are set.
func (f Frame) Count(bits int) int {
	n := 0
	for i := 0; i < bits; i++ {
		if f.Bit(i) {
			n++
		}
	}
	return n
}

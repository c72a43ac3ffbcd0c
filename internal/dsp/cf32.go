package dsp

import (
	"encoding/binary"
	"math"
)

// CF32SampleSize is the encoded size of one complex sample: two
// little-endian float32 values, I then Q.
const CF32SampleSize = 8

// EncodeCF32 appends samples to dst in cf32 layout.
func EncodeCF32(dst []byte, samples []complex64) []byte {
	for _, v := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(real(v)))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(imag(v)))
	}
	return dst
}

// DecodeCF32 decodes whole samples from src into dst and returns the number
// decoded. Trailing bytes that do not form a full sample are ignored.
func DecodeCF32(dst []complex64, src []byte) int {
	n := min(len(dst), len(src)/CF32SampleSize)
	for i := 0; i < n; i++ {
		b := src[i*CF32SampleSize:]
		re := math.Float32frombits(binary.LittleEndian.Uint32(b))
		im := math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
		dst[i] = complex(re, im)
	}
	return n
}

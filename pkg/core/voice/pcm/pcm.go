// Package pcm converts between telephony mu-law audio and the 16-bit linear
// PCM that speech providers expect.
package pcm

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

const MulawRate = 8000

// Samples decodes little-endian 16-bit PCM. A trailing odd byte is dropped.
func Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return append([]int16(nil), samples...)
	}
	n := len(samples) * to / from
	if n == 0 {
		n = 1
	}
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		v := float64(samples[j])*(1-frac) + float64(samples[j+1])*frac
		out[i] = int16(v)
	}
	return out
}

// FromMulaw decodes 8 kHz mu-law and resamples to rate, returning LE PCM16.
func FromMulaw(mulaw []byte, rate int) []byte {
	lin := g711.DecodeUlaw(mulaw)
	if rate == MulawRate {
		return lin
	}
	return Bytes(Resample(Samples(lin), MulawRate, rate))
}

// ToMulaw resamples LE PCM16 at rate down to 8 kHz and encodes it as mu-law.
func ToMulaw(lin []byte, rate int) []byte {
	if rate != MulawRate {
		lin = Bytes(Resample(Samples(lin), rate, MulawRate))
	}
	return g711.EncodeUlaw(lin)
}

package audio

import (
	"errors"
	"fmt"
	"math"
)

const (
	// mu-law companding constants (ITU-T G.711)
	muLawBias = 0x84
	muLawClip = 32635

	// resampler kernel half-width in zero crossings of the sinc
	sincZeroCrossings = 16
)

var (
	// ErrUnsupportedSamples is returned by Normalize for sample containers it does not know.
	ErrUnsupportedSamples = errors.New("unsupported sample type")
	// ErrRaggedChannels is returned when 2-D input rows differ in length.
	ErrRaggedChannels = errors.New("channels have different lengths")
)

// Normalize converts a sample container into channel-major float32 samples in [-1, 1].
//
// Accepted inputs are mono slices ([]float32, []float64, []int16, []int32,
// []int, []int64) and the matching 2-D slices. A 2-D input whose outer
// dimension is larger than its inner one is taken as frame-major and transposed.
// int16, int and int64 samples are 16-bit PCM values (full scale 32768);
// int32 samples are 32-bit PCM. Results are clipped.
func Normalize(samples any) ([][]float32, error) {
	switch s := samples.(type) {
	case []float32:
		return [][]float32{convertFloat(s)}, nil
	case []float64:
		return [][]float32{convertFloat(s)}, nil
	case []int16:
		return [][]float32{convertInt(s, pcm16Scale)}, nil
	case []int32:
		return [][]float32{convertInt(s, pcm32Scale)}, nil
	case []int:
		return [][]float32{convertInt(s, pcm16Scale)}, nil
	case []int64:
		return [][]float32{convertInt(s, pcm16Scale)}, nil
	case [][]float32:
		return normalize2D(s, convertFloat[float32])
	case [][]float64:
		return normalize2D(s, convertFloat[float64])
	case [][]int16:
		return normalize2D(s, intRows[int16](pcm16Scale))
	case [][]int32:
		return normalize2D(s, intRows[int32](pcm32Scale))
	case [][]int:
		return normalize2D(s, intRows[int](pcm16Scale))
	case [][]int64:
		return normalize2D(s, intRows[int64](pcm16Scale))
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedSamples)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSamples, samples)
	}
}

const (
	pcm16Scale = 32768
	pcm32Scale = 2147483648
)

type integer interface {
	int16 | int32 | int | int64
}

func convertFloat[T float32 | float64](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = clip(float32(v))
	}
	return out
}

func convertInt[T integer](in []T, scale float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = clip(float32(float64(v) / scale))
	}
	return out
}

func intRows[T integer](scale float64) func([]T) []float32 {
	return func(row []T) []float32 { return convertInt(row, scale) }
}

func normalize2D[T any](rows [][]T, conv func([]T) []float32) ([][]float32, error) {
	if len(rows) == 0 {
		return [][]float32{{}}, nil
	}
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d samples, want %d", ErrRaggedChannels, i, len(row), width)
		}
	}

	// More rows than columns: frames x channels, e.g. [[l r] [l r] ...].
	if len(rows) > width {
		transposed := make([][]T, width)
		for c := range transposed {
			transposed[c] = make([]T, len(rows))
			for f, row := range rows {
				transposed[c][f] = row[c]
			}
		}
		rows = transposed
	}

	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = conv(row)
	}
	return out, nil
}

func clip(v float32) float32 {
	switch {
	case v != v: // NaN
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}

// Mixdown averages channel-major samples into a single channel.
func Mixdown(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	}

	n := len(channels[0])
	out := make([]float32, n)
	for _, ch := range channels {
		for i := 0; i < n && i < len(ch); i++ {
			out[i] += ch[i]
		}
	}
	scale := 1 / float32(len(channels))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// Resample converts mono samples from one rate to another with band-limited
// (Blackman-windowed sinc) interpolation. The output has ceil(len*to/from)
// samples. Identical input always yields identical output.
func Resample(x []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(x) == 0 {
		out := make([]float32, len(x))
		copy(out, x)
		return out
	}

	ratio := float64(to) / float64(from)
	n := (len(x)*to + from - 1) / from
	out := make([]float32, n)

	// Downsampling lowers the cutoff to the target Nyquist and widens the kernel.
	cutoff := math.Min(1, ratio)
	half := sincZeroCrossings / cutoff
	last := len(x) - 1

	for i := range out {
		t := float64(i) / ratio
		lo := int(math.Ceil(t - half))
		hi := int(math.Floor(t + half))
		if lo < 0 {
			lo = 0
		}
		if hi > last {
			hi = last
		}

		var acc float64
		for j := lo; j <= hi; j++ {
			d := t - float64(j)
			acc += float64(x[j]) * cutoff * sinc(cutoff*d) * blackman(d/half)
		}
		out[i] = float32(acc)
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates the Blackman window over [-1, 1].
func blackman(u float64) float64 {
	if u <= -1 || u >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*u) + 0.08*math.Cos(2*math.Pi*u)
}

// Quantize converts float samples to 16-bit PCM. Values are clamped to [-1, 1],
// negatives are scaled by 32768 and positives by 32767, truncating toward zero.
func Quantize(x []float32) []int16 {
	out := make([]int16, len(x))
	for i, v := range x {
		v = clip(v)
		if v < 0 {
			out[i] = int16(v * 32768)
		} else {
			out[i] = int16(v * 32767)
		}
	}
	return out
}

// LinearToMuLaw compands one 16-bit linear sample to 8-bit mu-law.
func LinearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := (s >> 8) & 0x80
	if sign != 0 {
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawToLinear expands one mu-law byte to a 16-bit linear sample.
func MuLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	v := ((mantissa << 3) + muLawBias) << exponent
	v -= muLawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// EncodeMuLaw compands a PCM-16 buffer.
func EncodeMuLaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = LinearToMuLaw(s)
	}
	return out
}

// DecodeMuLaw expands a mu-law buffer to PCM-16.
func DecodeMuLaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = MuLawToLinear(b)
	}
	return out
}

// ToMuLaw runs the whole outbound pipeline: normalize, mix down to mono,
// resample from -> to, quantize and compand.
func ToMuLaw(samples any, from, to int) ([]byte, error) {
	if from <= 0 {
		return nil, fmt.Errorf("source sample rate must be positive, got %d", from)
	}
	if to <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive, got %d", to)
	}

	channels, err := Normalize(samples)
	if err != nil {
		return nil, err
	}
	mono := Resample(Mixdown(channels), from, to)
	return EncodeMuLaw(Quantize(mono)), nil
}

// FrameLength returns the number of samples per channel in a sample container,
// using the same layout rules as Normalize.
func FrameLength(samples any) (int, error) {
	channels, err := Normalize(samples)
	if err != nil {
		return 0, err
	}
	if len(channels) == 0 {
		return 0, nil
	}
	return len(channels[0]), nil
}

// PCM16FromBytes reads little-endian 16-bit samples. A trailing odd byte is ignored.
func PCM16FromBytes(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return out
}

package lockin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// tailAmplitude returns the largest |x| over the last n points of data.
func tailAmplitude(data []float64, n int) float64 {
	peak := 0.0
	for _, v := range data[len(data)-n:] {
		peak = math.Max(peak, math.Abs(v))
	}
	return peak
}

func sineWave(n int, amplitude, frequency, rate float64) []float64 {
	wave := make([]float64, n)
	for i := range wave {
		wave[i] = amplitude * math.Sin(2*math.Pi*frequency*float64(i)/rate)
	}
	return wave
}

func TestLowPassDC(t *testing.T) {
	input := make([]float64, 200)
	for i := range input {
		input[i] = 3.0
	}
	for _, out := range [][]float64{
		LowPassFilter(input, 10, 1000),
		LowPassFilterLegacy(input, 10, 1000),
	} {
		assert.Len(t, out, len(input))
		for _, v := range out {
			assert.InDelta(t, 3.0, v, 1e-12)
		}
	}
	assert.Len(t, LowPassFilter(nil, 10, 1000), 0)
	assert.Len(t, LowPassFilterLegacy([]float64{}, 10, 1000), 0)
}

func TestLowPassStep(t *testing.T) {
	input := make([]float64, 2000)
	for i := 1; i < len(input); i++ {
		input[i] = 1.0
	}
	out := LowPassFilter(input, 10, 10000)
	assert.Equal(t, 0.0, out[0], "first output equals first input")
	for i := 2; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("step response fell at %d: %v < %v", i, out[i], out[i-1])
		}
	}
	assert.InDelta(t, 1.0, out[len(out)-1], 1e-3)
	// One time constant (RC = 15.9 ms = 159 samples) reaches about 63%.
	assert.InDelta(t, 1-math.Exp(-1), out[160], 0.02)
}

func TestLowPassAttenuation(t *testing.T) {
	// A tone a decade above the corner comes out near 1/10 amplitude.
	input := sineWave(3000, 1.0, 100, 10000)
	out := LowPassFilter(input, 10, 10000)
	amp := tailAmplitude(out, 500)
	assert.InDelta(t, 0.1, amp, 0.02)

	// A tone well below the corner passes.
	input = sineWave(20000, 1.0, 1, 10000)
	out = LowPassFilter(input, 10, 10000)
	assert.InDelta(t, 1.0, tailAmplitude(out, 10000), 0.02)
}

func TestLowPassLegacyPassesThrough(t *testing.T) {
	// The direct-ratio alpha is nearly 1 at any practical rate, so the legacy
	// filter hardly changes its input.
	input := sineWave(250, 1.0, 13, 1000)
	out := LowPassFilterLegacy(input, 13, 1000)
	for i := range input {
		assert.InDelta(t, input[i], out[i], 1e-3)
	}

	f := RCFilter{PassFrequency: 13, SamplingRate: 1000, Legacy: true}
	assert.Equal(t, out, f.LowPass(input), "zero headroom means LegacyHeadroom")
	f.Headroom = 2
	assert.Equal(t, lowPassDirectRatio(input, 26, 1000), f.LowPass(input))
}

func TestParseFilterPolicy(t *testing.T) {
	for _, p := range []FilterPolicy{FilterAuto, FilterRC, FilterRCLegacy, FilterButterworth, FilterButterworthContinuous} {
		parsed, err := ParseFilterPolicy(p.String())
		assert.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	p, err := ParseFilterPolicy(" Butterworth ")
	assert.NoError(t, err)
	assert.Equal(t, FilterButterworth, p)
	p, err = ParseFilterPolicy("")
	assert.NoError(t, err)
	assert.Equal(t, FilterAuto, p)
	_, err = ParseFilterPolicy("chebyshev")
	assert.Error(t, err)
	assert.Equal(t, "FilterPolicy(99)", FilterPolicy(99).String())
}

func TestNewFilter(t *testing.T) {
	f, err := NewFilter(FilterRC, 130, 3.25)
	assert.NoError(t, err)
	assert.Equal(t, RCFilter{PassFrequency: 3.25, SamplingRate: 130}, f)

	f, err = NewFilter(FilterRCLegacy, 1000, 13)
	assert.NoError(t, err)
	assert.Equal(t, RCFilter{PassFrequency: 13, SamplingRate: 1000, Legacy: true}, f)

	f, err = NewFilter(FilterButterworth, 130, 6.5)
	assert.NoError(t, err)
	assert.IsType(t, &Butterworth{}, f)

	f, err = NewFilter(FilterButterworthContinuous, 130, 6.5)
	assert.NoError(t, err)
	assert.IsType(t, &ContinuousButterworth{}, f)

	f, err = NewFilter(FilterButterworth, 130, 65)
	assert.Error(t, err, "corner at Nyquist")
	assert.Nil(t, f)

	_, err = NewFilter(FilterRC, 0, 13)
	assert.ErrorIs(t, err, ErrBadFrequency)
	_, err = NewFilter(FilterRC, 1000, -1)
	assert.ErrorIs(t, err, ErrBadFrequency)
	_, err = NewFilter(FilterAuto, 1000, 13)
	assert.Error(t, err)
}

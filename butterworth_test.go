package lockin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestButterworthCoefficients(t *testing.T) {
	// Rate 10f with corner f/2 gives a normalized corner of 0.1.
	bw, err := NewButterworth(130, 6.5)
	assert.NoError(t, err)
	assert.InDelta(t, 0.1, bw.NormalizedCorner(), 1e-12)

	wantD := []float64{1, -3.984543119612336, 6.434867090275867, -5.253615170352267, 2.165132909724132, -0.359928245063556}
	assert.InDeltaSlice(t, wantD, bw.DCoefficients(), 1e-9)
	assert.Equal(t, []int{1, 5, 10, 10, 5, 1}, bw.CCoefficients())
	assert.InEpsilon(t, butterworthGain, 1/bw.ScaleFactor(), 1e-6)

	// The fixed recursion is the same filter.
	d := bw.DCoefficients()
	fixed := []float64{bwY4, bwY3, bwY2, bwY1, bwY0}
	for k := 1; k <= ButterworthOrder; k++ {
		assert.InDelta(t, -d[k], fixed[k-1], 1e-9, "d[%d]", k)
	}

	// Unit gain at DC.
	sumC := 0
	for _, c := range bw.CCoefficients() {
		sumC += c
	}
	sumD := 0.0
	for _, v := range d {
		sumD += v
	}
	assert.InDelta(t, 1.0, bw.ScaleFactor()*float64(sumC)/sumD, 1e-9)
}

func TestButterworthScaleFactorForms(t *testing.T) {
	bw, err := NewButterworth(130, 6.5)
	assert.NoError(t, err)
	halfOmega := math.Pi * bw.NormalizedCorner() / 2
	ratio := math.Pow(halfOmega/math.Sin(halfOmega), ButterworthOrder)
	assert.InDelta(t, 1.0208, ratio, 1e-4)
	assert.InEpsilon(t, ratio, bw.SmallAngleScaleFactor()/bw.ScaleFactor(), 1e-12)

	// Only the sin form gives unit gain at DC.
	sumD := 0.0
	for _, v := range bw.DCoefficients() {
		sumD += v
	}
	assert.InDelta(t, ratio, bw.SmallAngleScaleFactor()*32/sumD, 1e-9)
}

func TestButterworthBadCorner(t *testing.T) {
	_, err := NewButterworth(100, 0)
	assert.ErrorIs(t, err, ErrBadFrequency)
	_, err = NewButterworth(0, 10)
	assert.ErrorIs(t, err, ErrBadFrequency)
	_, err = NewButterworth(100, 50)
	assert.Error(t, err)
	_, err = NewContinuousButterworth(100, 60)
	assert.Error(t, err)
}

func TestButterworthLowPass(t *testing.T) {
	bw, err := NewButterworth(130, 6.5)
	assert.NoError(t, err)

	ones := make([]float64, 3000)
	for i := range ones {
		ones[i] = 1
	}
	out := bw.LowPass(ones)
	assert.Len(t, out, len(ones))
	assert.InDelta(t, 1.0, out[len(out)-1], 1e-6)
	assert.Less(t, out[0], 0.001, "each call starts from zero history")

	// No state carries over between calls.
	again := bw.LowPass(ones)
	assert.Equal(t, out, again)
	assert.Len(t, bw.LowPass(nil), 0)

	// Twice the modulation frequency (26 Hz here) is far into the stop band.
	ripple := sineWave(3000, 1.0, 26, 130)
	assert.Less(t, tailAmplitude(bw.LowPass(ripple), 500), 0.01)
}

func TestContinuousButterworth(t *testing.T) {
	cb, err := NewContinuousButterworth(130, 6.5)
	assert.NoError(t, err)

	input := sineWave(2000, 1.0, 1, 130)
	for i := range input {
		input[i] += 0.5
	}
	whole := cb.LowPass(input)

	cb.Reset()
	first := cb.LowPass(input[:700])
	second := cb.LowPass(input[700:])
	assert.Equal(t, whole, append(first, second...), "split calls continue one stream")

	cb.Reset()
	ones := make([]float64, 3000)
	for i := range ones {
		ones[i] = 1
	}
	out := cb.LowPass(ones)
	assert.InDelta(t, 1.0, out[len(out)-1], 1e-9)

	ripple := sineWave(3000, 1.0, 26, 130)
	cb.Reset()
	assert.Less(t, tailAmplitude(cb.LowPass(ripple), 500), 0.01)
}

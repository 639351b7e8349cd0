package lockin

import (
	"fmt"
	"math"
)

// ButterworthOrder is the order of the Butterworth low-pass filters.
const ButterworthOrder = 5

// Fixed recursion used by Butterworth.LowPass. These are the derived
// coefficients for a normalized corner of 0.1 (corner at 1/20 of the
// sampling rate, which is what the quadrature amplifier asks for: rate 10f,
// corner f/2), frozen as constants.
const (
	butterworthGain = 1.672358808e+04
	bwY0            = 0.3599282451
	bwY1            = -2.1651329097
	bwY2            = 5.2536151704
	bwY3            = -6.4348670903
	bwY4            = 3.9845431196
)

// Butterworth is a 5th-order IIR low-pass filter. Its feedback (d) and
// feedforward (c) coefficients and scale factor are derived at construction
// from the sampling rate and corner frequency.
type Butterworth struct {
	samplingRate     float64
	cornerFrequency  float64 // Hz
	normalizedCorner float64 // 2*corner/samplingRate, i.e. in units of π rad/sample

	dCoeffs     []float64 // order+1 denominator coefficients, dCoeffs[0]==1
	cCoeffs     []int     // order+1 numerator (binomial) coefficients
	scaleFactor float64
}

// NewButterworth creates a Butterworth filter. The corner must lie strictly
// between 0 and the Nyquist frequency.
func NewButterworth(samplingRate, cornerFrequency float64) (*Butterworth, error) {
	if !(samplingRate > 0) || !(cornerFrequency > 0) {
		return nil, fmt.Errorf("butterworth rate %v Hz, corner %v Hz: %w", samplingRate, cornerFrequency, ErrBadFrequency)
	}
	if cornerFrequency >= samplingRate/2 {
		return nil, fmt.Errorf("butterworth corner %v Hz is not below Nyquist (%v Hz)", cornerFrequency, samplingRate/2)
	}
	bw := &Butterworth{
		samplingRate:     samplingRate,
		cornerFrequency:  cornerFrequency,
		normalizedCorner: 2 * cornerFrequency / samplingRate,
	}
	bw.computeDCoefficients()
	bw.computeCCoefficients()
	bw.computeScaleFactor()
	return bw, nil
}

// computeDCoefficients expands the product of the pole binomials into the
// denominator polynomial.
func (bw *Butterworth) computeDCoefficients() {
	const n = ButterworthOrder
	theta := math.Pi * bw.normalizedCorner
	sinTheta := math.Sin(theta)
	cosTheta := math.Cos(theta)

	// Real and imaginary parts of each pole binomial, interleaved.
	rCoeffs := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		poleAngle := math.Pi * (2*float64(i) + 1) / (2 * n)
		a := 1.0 + sinTheta*math.Sin(poleAngle)
		rCoeffs[2*i] = -cosTheta / a
		rCoeffs[2*i+1] = -sinTheta * math.Cos(poleAngle) / a
	}

	d := binomialMultiply(n, rCoeffs)
	d[1] = d[0]
	d[0] = 1.0
	for j := 3; j <= n; j++ {
		d[j] = d[2*j-2]
	}
	bw.dCoeffs = append([]float64(nil), d[:n+1]...)
}

// binomialMultiply multiplies the n complex binomials (z + p[i]) whose
// coefficients are interleaved real/imaginary in p, returning the 2n
// interleaved coefficients of the product.
func binomialMultiply(n int, p []float64) []float64 {
	a := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		for j := i; j > 0; j-- {
			a[2*j] += p[2*i]*a[2*(j-1)] - p[2*i+1]*a[2*(j-1)+1]
			a[2*j+1] += p[2*i]*a[2*(j-1)+1] + p[2*i+1]*a[2*(j-1)]
		}
		a[0] += p[2*i]
		a[1] += p[2*i+1]
	}
	return a
}

// computeCCoefficients fills the row of Pascal's triangle for the order.
func (bw *Butterworth) computeCCoefficients() {
	const n = ButterworthOrder
	c := make([]int, n+1)
	c[0] = 1
	c[1] = n
	for i := 2; i <= n/2; i++ {
		c[i] = (n - i + 1) * c[i-1] / i
		c[n-i] = c[i]
	}
	c[n-1] = n
	c[n] = 1
	bw.cCoeffs = c
}

// scalePoleProduct is the pole product that divides both scale factors.
func (bw *Butterworth) scalePoleProduct() float64 {
	const n = ButterworthOrder
	omega := math.Pi * bw.normalizedCorner
	poleAngle0 := math.Pi / (2 * n)

	product := 1.0
	for i := 0; i < n/2; i++ {
		product *= 1.0 + math.Sin(omega)*math.Sin((2*float64(i)+1)*poleAngle0)
	}
	if n%2 == 1 {
		product *= math.Sin(omega/2) + math.Cos(omega/2)
	}
	return product
}

// computeScaleFactor finds the factor that gives the filter unit gain at DC.
func (bw *Butterworth) computeScaleFactor() {
	omega := math.Pi * bw.normalizedCorner
	bw.scaleFactor = math.Pow(math.Sin(omega/2), ButterworthOrder) / bw.scalePoleProduct()
}

// DCoefficients returns a copy of the feedback coefficients.
func (bw *Butterworth) DCoefficients() []float64 {
	return append([]float64(nil), bw.dCoeffs...)
}

// CCoefficients returns a copy of the feedforward coefficients.
func (bw *Butterworth) CCoefficients() []int {
	return append([]int(nil), bw.cCoeffs...)
}

// ScaleFactor returns the factor applied to the feedforward sum. Its numerator
// is sin(ω/2)^n, which gives exactly unit gain at DC. The common small-angle
// form (ω/2)^n is available as SmallAngleScaleFactor; it is larger by
// ((ω/2)/sin(ω/2))^n, about 2% at a corner of rate/20.
func (bw *Butterworth) ScaleFactor() float64 {
	return bw.scaleFactor
}

// SmallAngleScaleFactor returns the scale factor with (ω/2)^n in place of
// sin(ω/2)^n. No filter here uses it.
func (bw *Butterworth) SmallAngleScaleFactor() float64 {
	omega := math.Pi * bw.normalizedCorner
	return math.Pow(omega/2, ButterworthOrder) / bw.scalePoleProduct()
}

// NormalizedCorner returns 2*corner/samplingRate.
func (bw *Butterworth) NormalizedCorner() float64 {
	return bw.normalizedCorner
}

// LowPass runs the fixed 5th-order recursion over input. The input and output
// windows start from zero on every call, so no state carries between calls
// and each call begins with a start-up transient.
func (bw *Butterworth) LowPass(input []float64) []float64 {
	output := make([]float64, len(input))
	var xv, yv [ButterworthOrder + 1]float64
	for i, x := range input {
		copy(xv[:], xv[1:])
		xv[5] = x / butterworthGain
		copy(yv[:], yv[1:])
		yv[5] = (xv[0] + xv[5]) + 5*(xv[1]+xv[4]) + 10*(xv[2]+xv[3]) +
			bwY0*yv[0] + bwY1*yv[1] + bwY2*yv[2] + bwY3*yv[3] + bwY4*yv[4]
		output[i] = yv[5]
	}
	return output
}

// ContinuousButterworth runs the derived coefficients of a Butterworth and
// keeps its input and output history between calls, so successive cycles
// form one continuous filtered stream.
type ContinuousButterworth struct {
	*Butterworth
	xv [ButterworthOrder + 1]float64
	yv [ButterworthOrder + 1]float64
}

// NewContinuousButterworth creates a ContinuousButterworth with zero history.
func NewContinuousButterworth(samplingRate, cornerFrequency float64) (*ContinuousButterworth, error) {
	bw, err := NewButterworth(samplingRate, cornerFrequency)
	if err != nil {
		return nil, err
	}
	return &ContinuousButterworth{Butterworth: bw}, nil
}

// LowPass filters input, continuing from the history left by earlier calls.
func (cb *ContinuousButterworth) LowPass(input []float64) []float64 {
	const n = ButterworthOrder
	output := make([]float64, len(input))
	for i, x := range input {
		copy(cb.xv[:], cb.xv[1:])
		cb.xv[n] = x
		copy(cb.yv[:], cb.yv[1:])

		feedforward := 0.0
		for k := 0; k <= n; k++ {
			feedforward += float64(cb.cCoeffs[k]) * cb.xv[n-k]
		}
		feedback := 0.0
		for k := 1; k <= n; k++ {
			feedback += cb.dCoeffs[k] * cb.yv[n-k]
		}
		cb.yv[n] = cb.scaleFactor*feedforward - feedback
		output[i] = cb.yv[n]
	}
	return output
}

// Reset clears the filter history.
func (cb *ContinuousButterworth) Reset() {
	cb.xv = [ButterworthOrder + 1]float64{}
	cb.yv = [ButterworthOrder + 1]float64{}
}

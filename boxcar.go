package lockin

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BoxcarOversample is the ratio of the boxcar output rate to the excitation
// frequency.
const BoxcarOversample = 10.0

// BoxcarLength returns the number of bins Boxcar produces for nInput points
// sampled at samplingRate, given the excitation frequency.
func BoxcarLength(nInput int, samplingRate, excitationFrequency float64) int {
	// ceil(totalDuration / outputPeriod), arranged to keep exact cases exact.
	return int(math.Ceil(float64(nInput) * BoxcarOversample * excitationFrequency / samplingRate))
}

// Boxcar downsamples input (sampled at samplingRate Hz) by block averaging
// into bins of nominal width 1/(10*excitationFrequency) seconds. Bin edges
// are spread evenly over the input, so widths differ by at most one sample
// and the final bin ends exactly at the last sample. Unlike fixed bins of n/m
// samples, no leftover samples at the end are dropped.
func Boxcar(input []float64, samplingRate, excitationFrequency float64) ([]float64, error) {
	if !(excitationFrequency > 0) {
		return nil, fmt.Errorf("boxcar: excitation frequency %v: %w", excitationFrequency, ErrBadFrequency)
	}
	if !(samplingRate > 0) {
		return nil, fmt.Errorf("boxcar: sampling rate %v: %w", samplingRate, ErrBadFrequency)
	}
	nIn := len(input)
	if nIn == 0 {
		return []float64{}, nil
	}
	nOut := BoxcarLength(nIn, samplingRate, excitationFrequency)
	if nOut > nIn {
		return nil, fmt.Errorf("boxcar: %d bins from %d samples; sampling rate %v Hz is below %v x %v Hz",
			nOut, nIn, samplingRate, BoxcarOversample, excitationFrequency)
	}

	output := make([]float64, nOut)
	for i := range output {
		first := i * nIn / nOut
		end := (i + 1) * nIn / nOut
		if i == nOut-1 {
			end = nIn
		}
		output[i] = AverageArray(input, first, end-first)
	}
	return output, nil
}

// AverageArray returns the mean of input[start:start+length], or 0 for an
// empty range.
func AverageArray(input []float64, start, length int) float64 {
	if length <= 0 {
		return 0
	}
	return floats.Sum(input[start:start+length]) / float64(length)
}

// Average returns the mean of all of input, or 0 if it is empty.
func Average(input []float64) float64 {
	return AverageArray(input, 0, len(input))
}

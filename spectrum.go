package lockin

import (
	"fmt"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/stat"
)

// Spectrum is the one-sided amplitude spectrum of one acquisition.
type Spectrum struct {
	SamplingRate  float64
	BinWidth      float64   // Hz
	Magnitudes    []float64 // peak amplitude estimate per bin, DC first
	PeakFrequency float64   // interpolated frequency of the largest non-DC bin
	PeakMagnitude float64
}

// Frequency returns the center frequency of bin i.
func (s Spectrum) Frequency(i int) float64 {
	return float64(i) * s.BinWidth
}

// ComputeSpectrum removes the mean from samples, applies a Hann window and
// returns the amplitude spectrum. It is a cross-check on the modulation
// frequency: the chopped signal should peak at InputFrequency.
func ComputeSpectrum(samples []float64, samplingRate float64) (Spectrum, error) {
	n := len(samples)
	if n < 4 {
		return Spectrum{}, fmt.Errorf("spectrum needs at least 4 samples, have %d", n)
	}
	if !(samplingRate > 0) {
		return Spectrum{}, fmt.Errorf("spectrum sampling rate %v: %w", samplingRate, ErrBadFrequency)
	}

	mean := stat.Mean(samples, nil)
	win := window.Hann(n)
	windowed := make([]float64, n)
	var winSum float64
	for i, v := range samples {
		windowed[i] = (v - mean) * win[i]
		winSum += win[i]
	}
	transform := fft.FFTReal(windowed)

	nbins := n/2 + 1
	spectrum := Spectrum{
		SamplingRate: samplingRate,
		BinWidth:     samplingRate / float64(n),
		Magnitudes:   make([]float64, nbins),
	}
	for i := 0; i < nbins; i++ {
		spectrum.Magnitudes[i] = 2 * cmplx.Abs(transform[i]) / winSum
	}

	peak := 1
	for i := 2; i < nbins; i++ {
		if spectrum.Magnitudes[i] > spectrum.Magnitudes[peak] {
			peak = i
		}
	}
	spectrum.PeakMagnitude = spectrum.Magnitudes[peak]
	spectrum.PeakFrequency = spectrum.Frequency(peak)
	if peak+1 < nbins {
		y1, y2, y3 := spectrum.Magnitudes[peak-1], spectrum.Magnitudes[peak], spectrum.Magnitudes[peak+1]
		if denom := 2 * (2*y2 - y1 - y3); denom != 0 {
			spectrum.PeakFrequency += (y3 - y1) / denom * spectrum.BinWidth
		}
	}
	return spectrum, nil
}

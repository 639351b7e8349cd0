package lockin

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ReferenceGenerator produces reference cosine waves sampled at a fixed rate,
// phase-referenced to the epoch recorded by the most recent Initialize.
type ReferenceGenerator struct {
	samplingRate float64 // samples per second
	clock        Clock

	startLock   sync.Mutex // guards start and initialized
	start       time.Time
	initialized bool
}

// NewReferenceGenerator creates a generator whose points are spaced by
// 1/samplingRate seconds. A nil clock means the system clock.
func NewReferenceGenerator(samplingRate float64, clock Clock) *ReferenceGenerator {
	return &ReferenceGenerator{samplingRate: samplingRate, clock: clockOrSystem(clock)}
}

// Initialize records the current time as the epoch, so that phase zero of
// every generated wave falls at this moment.
func (rg *ReferenceGenerator) Initialize() {
	rg.startLock.Lock()
	defer rg.startLock.Unlock()
	rg.start = rg.clock.Now()
	rg.initialized = true
}

// Initialized reports whether Initialize has been called.
func (rg *ReferenceGenerator) Initialized() bool {
	rg.startLock.Lock()
	defer rg.startLock.Unlock()
	return rg.initialized
}

// SamplingRate returns the rate (Hz) at which reference points are spaced.
func (rg *ReferenceGenerator) SamplingRate() float64 {
	return rg.samplingRate
}

// elapsed returns the seconds since the epoch.
func (rg *ReferenceGenerator) elapsed() (float64, error) {
	rg.startLock.Lock()
	defer rg.startLock.Unlock()
	if !rg.initialized {
		return 0, fmt.Errorf("reference generator: %w", ErrNotInitialized)
	}
	return rg.clock.Now().Sub(rg.start).Seconds(), nil
}

// fill writes cos(2π f (t0 + k/rate) + phase) into wave.
func (rg *ReferenceGenerator) fill(wave []float64, t0, frequency, phase float64) {
	pointPeriod := 1.0 / rg.samplingRate
	for k := range wave {
		t := t0 + pointPeriod*float64(k)
		wave[k] = math.Cos(2*math.Pi*frequency*t + phase)
	}
}

// GenerateWave returns numPoints samples of the reference at the given
// frequency (Hz), shifted by phase (radians). This is the single-reference
// form used with the hardware frequency detector.
func (rg *ReferenceGenerator) GenerateWave(numPoints int, frequency, phase float64) ([]float64, error) {
	if numPoints < 0 {
		return nil, fmt.Errorf("reference generator: numPoints=%d, want >= 0", numPoints)
	}
	t0, err := rg.elapsed()
	if err != nil {
		return nil, err
	}
	wave := make([]float64, numPoints)
	rg.fill(wave, t0, frequency, phase)
	return wave, nil
}

// GenerateWaveDegrees is GenerateWave with the phase given in degrees.
func (rg *ReferenceGenerator) GenerateWaveDegrees(numPoints int, frequency, phaseDegrees float64) ([]float64, error) {
	return rg.GenerateWave(numPoints, frequency, phaseDegrees*math.Pi/180)
}

// GenerateQuadrature returns the in-phase and quadrature references, at
// phase0 and phase90 degrees respectively (normally 0 and 90). Both are
// evaluated from one reading of the elapsed time so they stay exactly
// (phase90-phase0) apart.
func (rg *ReferenceGenerator) GenerateQuadrature(numPoints int, frequency, phase0, phase90 float64) (cosRef, sinRef []float64, err error) {
	if numPoints < 0 {
		return nil, nil, fmt.Errorf("reference generator: numPoints=%d, want >= 0", numPoints)
	}
	t0, err := rg.elapsed()
	if err != nil {
		return nil, nil, err
	}
	cosRef = make([]float64, numPoints)
	sinRef = make([]float64, numPoints)
	rg.fill(cosRef, t0, frequency, phase0*math.Pi/180)
	rg.fill(sinRef, t0, frequency, phase90*math.Pi/180)
	return cosRef, sinRef, nil
}

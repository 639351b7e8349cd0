package lockin

import (
	"fmt"
	"sync"
)

// FixedModulation is a ModulationSource with a declared frequency, for
// setups where the chopper runs at a known, configured rate.
type FixedModulation struct {
	frequency float64
	freqLock  sync.RWMutex
	edges     edgeNotifier
}

// NewFixedModulation creates a FixedModulation at frequency Hz.
func NewFixedModulation(frequency float64) *FixedModulation {
	return &FixedModulation{frequency: frequency}
}

// InputFrequency returns the declared frequency.
func (fm *FixedModulation) InputFrequency() float64 {
	fm.freqLock.RLock()
	defer fm.freqLock.RUnlock()
	return fm.frequency
}

// SetInputFrequency changes the declared frequency.
func (fm *FixedModulation) SetInputFrequency(frequency float64) error {
	if !(frequency > 0) {
		return fmt.Errorf("modulation frequency %v: %w", frequency, ErrBadFrequency)
	}
	fm.freqLock.Lock()
	defer fm.freqLock.Unlock()
	fm.frequency = frequency
	return nil
}

// OnModulationHigh registers a handler for modulation-high edges.
func (fm *FixedModulation) OnModulationHigh(handler func()) func() {
	return fm.edges.subscribe(handler)
}

// NotifyModulationHigh reports a modulation-high edge, for example from a
// digital input wired to the chopper's reference output.
func (fm *FixedModulation) NotifyModulationHigh() {
	fm.edges.notify()
}

// DetectorModulation is a ModulationSource whose frequency comes from a
// FrequencyDetector counting chopper pulses in hardware.
type DetectorModulation struct {
	detector *FrequencyDetector
	edges    edgeNotifier
}

// NewDetectorModulation wraps an initialized FrequencyDetector.
func NewDetectorModulation(detector *FrequencyDetector) *DetectorModulation {
	return &DetectorModulation{detector: detector}
}

// InputFrequency returns the settled detected frequency, or 0 if the detector
// is unsettled or not initialized.
func (dm *DetectorModulation) InputFrequency() float64 {
	f, err := dm.detector.Frequency()
	if err != nil {
		return 0
	}
	return f
}

// OnModulationHigh registers a handler for modulation-high edges.
func (dm *DetectorModulation) OnModulationHigh(handler func()) func() {
	return dm.edges.subscribe(handler)
}

// NotifyModulationHigh reports a modulation-high edge.
func (dm *DetectorModulation) NotifyModulationHigh() {
	dm.edges.notify()
}

// Detector returns the underlying FrequencyDetector.
func (dm *DetectorModulation) Detector() *FrequencyDetector {
	return dm.detector
}

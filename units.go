package lockin

import (
	"fmt"
	"strings"
	"time"
)

// SensitivityUnit is the unit of a hardware lock-in's sensitivity setting.
type SensitivityUnit int

// Names for the possible values of SensitivityUnit
const (
	Nanovolts SensitivityUnit = iota
	Microvolts
	Millivolts
	Volts
)

var sensitivityNames = []string{"nV", "uV", "mV", "V"}
var sensitivityMultipliers = []float64{1e-9, 1e-6, 1e-3, 1}

func (u SensitivityUnit) String() string {
	if u < 0 || int(u) >= len(sensitivityNames) {
		return fmt.Sprintf("SensitivityUnit(%d)", int(u))
	}
	return sensitivityNames[u]
}

// Multiplier converts a value in this unit to volts. It returns -1 for an
// invalid unit.
func (u SensitivityUnit) Multiplier() float64 {
	if u < 0 || int(u) >= len(sensitivityMultipliers) {
		return -1
	}
	return sensitivityMultipliers[u]
}

// ParseSensitivityUnit accepts "nV", "uV", "µV", "mV", "V" or the spelled-out
// names, in any case. The empty string means Nanovolts.
func ParseSensitivityUnit(name string) (SensitivityUnit, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nv", "nanovolts":
		return Nanovolts, nil
	case "uv", "µv", "microvolts":
		return Microvolts, nil
	case "mv", "millivolts":
		return Millivolts, nil
	case "v", "volts":
		return Volts, nil
	}
	return Nanovolts, fmt.Errorf("sensitivity unit %q is not recognized", name)
}

// IntegrationUnit is the unit of a hardware lock-in's time constant.
type IntegrationUnit int

// Names for the possible values of IntegrationUnit
const (
	Microseconds IntegrationUnit = iota
	Milliseconds
	Seconds
)

var integrationNames = []string{"us", "ms", "s"}
var integrationMultipliers = []float64{1e-6, 1e-3, 1}

func (u IntegrationUnit) String() string {
	if u < 0 || int(u) >= len(integrationNames) {
		return fmt.Sprintf("IntegrationUnit(%d)", int(u))
	}
	return integrationNames[u]
}

// Multiplier converts a value in this unit to seconds. It returns -1 for an
// invalid unit.
func (u IntegrationUnit) Multiplier() float64 {
	if u < 0 || int(u) >= len(integrationMultipliers) {
		return -1
	}
	return integrationMultipliers[u]
}

// Duration returns value units as a time.Duration.
func (u IntegrationUnit) Duration(value float64) time.Duration {
	return time.Duration(value * u.Multiplier() * float64(time.Second))
}

// ParseIntegrationUnit accepts "us", "µs", "ms", "s" or the spelled-out names,
// in any case. The empty string means Seconds.
func ParseIntegrationUnit(name string) (IntegrationUnit, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "us", "µs", "microseconds":
		return Microseconds, nil
	case "ms", "milliseconds":
		return Milliseconds, nil
	case "", "s", "seconds":
		return Seconds, nil
	}
	return Seconds, fmt.Errorf("integration unit %q is not recognized", name)
}

// OutputScale relates a hardware lock-in's analog output to the signal it
// measures. The instrument drives FullScale volts when the signal equals the
// sensitivity setting.
type OutputScale struct {
	Sensitivity     float64
	SensitivityUnit SensitivityUnit
	FullScale       float64 // volts
}

// SensitivityVolts is the signal level, in volts, that produces full-scale
// output.
func (s OutputScale) SensitivityVolts() float64 {
	return s.Sensitivity * s.SensitivityUnit.Multiplier()
}

// SignalFromOutput converts an analog output reading to the signal level.
func (s OutputScale) SignalFromOutput(output float64) (float64, error) {
	if !(s.FullScale > 0) {
		return 0, fmt.Errorf("output scale: full scale %v V must be positive", s.FullScale)
	}
	sens := s.SensitivityVolts()
	if !(sens > 0) {
		return 0, fmt.Errorf("output scale: sensitivity %v %v is not positive", s.Sensitivity, s.SensitivityUnit)
	}
	return output / s.FullScale * sens, nil
}

// ScaledOutput is the fraction of full scale that signal would produce.
func (s OutputScale) ScaledOutput(signal float64) (float64, error) {
	sens := s.SensitivityVolts()
	if !(sens > 0) {
		return 0, fmt.Errorf("output scale: sensitivity %v %v is not positive", s.Sensitivity, s.SensitivityUnit)
	}
	return signal / sens, nil
}

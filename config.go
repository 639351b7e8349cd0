package lockin

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// LockInConfig is the stored configuration of the lock-in measurement. The
// enumerated settings are kept as names so the config file stays readable.
type LockInConfig struct {
	Type   string // "hardware" or "software"
	Mode   string // "quadrature" or "single"
	Filter string // see ParseFilterPolicy

	CycleInterval  time.Duration
	PointsPerCycle int
	CycleRate      int     // samples per second
	InputFrequency float64 // declared modulation frequency, Hz

	PhaseDegrees      float64 // single-reference phase
	InPhaseDegrees    float64
	QuadratureDegrees float64
	Headroom          float64

	Sensitivity     float64
	SensitivityUnit string
	IntegrationTime float64
	IntegrationUnit string
	FullScale       float64 // volts
}

// DefaultLockInConfig returns the settings used when nothing is stored.
func DefaultLockInConfig() LockInConfig {
	return LockInConfig{
		Type:              SoftwareLockInType.String(),
		Mode:              Quadrature.String(),
		Filter:            FilterAuto.String(),
		CycleInterval:     250 * time.Millisecond,
		PointsPerCycle:    250,
		CycleRate:         1000,
		InputFrequency:    13.0,
		QuadratureDegrees: 90,
		Headroom:          LegacyHeadroom,
		Sensitivity:       1,
		SensitivityUnit:   Nanovolts.String(),
		IntegrationTime:   1,
		IntegrationUnit:   Seconds.String(),
		FullScale:         10.0,
	}
}

// Validate checks every field, returning the first problem found.
func (c LockInConfig) Validate() error {
	if _, err := ParseLockInType(c.Type); err != nil {
		return err
	}
	if _, err := c.AmplifierConfig(nil); err != nil {
		return err
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("lock-in cycle interval %v must be positive", c.CycleInterval)
	}
	if c.PointsPerCycle <= 0 {
		return fmt.Errorf("lock-in points per cycle %d must be positive", c.PointsPerCycle)
	}
	if c.CycleRate <= 0 {
		return fmt.Errorf("lock-in cycle rate %d must be positive", c.CycleRate)
	}
	if !(c.InputFrequency > 0) {
		return fmt.Errorf("lock-in input frequency %v: %w", c.InputFrequency, ErrBadFrequency)
	}
	if _, err := c.OutputScale(); err != nil {
		return err
	}
	if _, err := c.IntegrationDuration(); err != nil {
		return err
	}
	return nil
}

// LockInType parses the Type field.
func (c LockInConfig) LockInType() (LockInType, error) {
	return ParseLockInType(c.Type)
}

// AmplifierConfig converts the stored settings to an AmplifierConfig.
func (c LockInConfig) AmplifierConfig(clock Clock) (AmplifierConfig, error) {
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return AmplifierConfig{}, err
	}
	policy, err := ParseFilterPolicy(c.Filter)
	if err != nil {
		return AmplifierConfig{}, err
	}
	if c.Headroom < 0 {
		return AmplifierConfig{}, fmt.Errorf("lock-in filter headroom %v must not be negative", c.Headroom)
	}
	return AmplifierConfig{
		Mode:              mode,
		Filter:            policy,
		Phase:             c.PhaseDegrees * math.Pi / 180,
		InPhaseDegrees:    c.InPhaseDegrees,
		QuadratureDegrees: c.QuadratureDegrees,
		Headroom:          c.Headroom,
		Clock:             clock,
	}, nil
}

// OutputScale converts the sensitivity and full-scale settings.
func (c LockInConfig) OutputScale() (OutputScale, error) {
	unit, err := ParseSensitivityUnit(c.SensitivityUnit)
	if err != nil {
		return OutputScale{}, err
	}
	if !(c.Sensitivity > 0) {
		return OutputScale{}, fmt.Errorf("lock-in sensitivity %v must be positive", c.Sensitivity)
	}
	if !(c.FullScale > 0) {
		return OutputScale{}, fmt.Errorf("lock-in full scale %v V must be positive", c.FullScale)
	}
	return OutputScale{Sensitivity: c.Sensitivity, SensitivityUnit: unit, FullScale: c.FullScale}, nil
}

// IntegrationDuration is the configured time constant.
func (c LockInConfig) IntegrationDuration() (time.Duration, error) {
	unit, err := ParseIntegrationUnit(c.IntegrationUnit)
	if err != nil {
		return 0, err
	}
	if c.IntegrationTime < 0 {
		return 0, fmt.Errorf("lock-in integration time %v must not be negative", c.IntegrationTime)
	}
	return unit.Duration(c.IntegrationTime), nil
}

// DetectorConfig selects where the modulation frequency comes from.
type DetectorConfig struct {
	Source     string        // "fixed" (declared InputFrequency) or "counter" (FrequencyDetector)
	ReadPeriod time.Duration // counter read period
}

// DefaultDetectorConfig returns the settings used when nothing is stored.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{Source: "fixed", ReadPeriod: DefaultReadPeriod}
}

// Validate checks the detector settings.
func (c DetectorConfig) Validate() error {
	switch c.Source {
	case "fixed", "counter":
	default:
		return fmt.Errorf("modulation source %q is not recognized (want fixed or counter)", c.Source)
	}
	if c.ReadPeriod < 0 {
		return fmt.Errorf("detector read period %v must not be negative", c.ReadPeriod)
	}
	return nil
}

// Config file sections.
const (
	lockinConfigKey     = "lockin"
	simChopperConfigKey = "simchopper"
	detectorConfigKey   = "detector"
)

// LoadLockInConfig reads the lockin section, starting from the defaults so
// that a partial section only overrides what it names.
func LoadLockInConfig() (LockInConfig, error) {
	cfg := DefaultLockInConfig()
	if err := viper.UnmarshalKey(lockinConfigKey, &cfg); err != nil {
		return DefaultLockInConfig(), err
	}
	return cfg, nil
}

// LoadSimChopperConfig reads the simchopper section.
func LoadSimChopperConfig() (SimChopperConfig, error) {
	cfg := DefaultSimChopperConfig()
	if err := viper.UnmarshalKey(simChopperConfigKey, &cfg); err != nil {
		return DefaultSimChopperConfig(), err
	}
	return cfg, nil
}

// LoadDetectorConfig reads the detector section.
func LoadDetectorConfig() (DetectorConfig, error) {
	cfg := DefaultDetectorConfig()
	if err := viper.UnmarshalKey(detectorConfigKey, &cfg); err != nil {
		return DefaultDetectorConfig(), err
	}
	return cfg, nil
}

// saveConfig stores value under key and writes the config file, if there is
// one. A missing file is not an error: tests and ad-hoc runs have none.
func saveConfig(key string, value any) {
	viper.Set(key, value)
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not write config file %s: %v", viper.ConfigFileUsed(), err)
	}
}

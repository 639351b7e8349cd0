package lockin

import (
	"math"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaultLockInConfig(t *testing.T) {
	cfg := DefaultLockInConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 250*time.Millisecond, cfg.CycleInterval)
	assert.Equal(t, 250, cfg.PointsPerCycle)
	assert.Equal(t, 1000, cfg.CycleRate)
	assert.Equal(t, 13.0, cfg.InputFrequency)
	assert.Equal(t, 10.0, cfg.FullScale)

	ac, err := cfg.AmplifierConfig(nil)
	assert.NoError(t, err)
	assert.Equal(t, Quadrature, ac.Mode)
	assert.Equal(t, FilterAuto, ac.Filter)
	assert.Equal(t, 90.0, ac.QuadratureDegrees)

	scale, err := cfg.OutputScale()
	assert.NoError(t, err)
	assert.InDelta(t, 1e-9, scale.SensitivityVolts(), 1e-21)

	d, err := cfg.IntegrationDuration()
	assert.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestLockInConfigValidate(t *testing.T) {
	bad := []func(*LockInConfig){
		func(c *LockInConfig) { c.Type = "analog" },
		func(c *LockInConfig) { c.Mode = "triple" },
		func(c *LockInConfig) { c.Filter = "kalman" },
		func(c *LockInConfig) { c.CycleInterval = 0 },
		func(c *LockInConfig) { c.PointsPerCycle = 0 },
		func(c *LockInConfig) { c.CycleRate = -1 },
		func(c *LockInConfig) { c.InputFrequency = 0 },
		func(c *LockInConfig) { c.Headroom = -1 },
		func(c *LockInConfig) { c.Sensitivity = 0 },
		func(c *LockInConfig) { c.SensitivityUnit = "kV" },
		func(c *LockInConfig) { c.FullScale = 0 },
		func(c *LockInConfig) { c.IntegrationUnit = "days" },
		func(c *LockInConfig) { c.IntegrationTime = -1 },
	}
	for i, modify := range bad {
		cfg := DefaultLockInConfig()
		modify(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}

	cfg := DefaultLockInConfig()
	cfg.Mode = "single"
	cfg.PhaseDegrees = 90
	ac, err := cfg.AmplifierConfig(nil)
	assert.NoError(t, err)
	assert.Equal(t, SingleReference, ac.Mode)
	assert.InDelta(t, math.Pi/2, ac.Phase, 1e-12)
	assert.Equal(t, FilterRCLegacy, ac.resolvedFilter())
}

func TestDetectorConfig(t *testing.T) {
	assert.NoError(t, DefaultDetectorConfig().Validate())
	assert.NoError(t, DetectorConfig{Source: "counter"}.Validate())
	assert.Error(t, DetectorConfig{Source: "psychic"}.Validate())
	assert.Error(t, DetectorConfig{Source: "fixed", ReadPeriod: -time.Second}.Validate())
}

func TestLoadConfigFromViper(t *testing.T) {
	defer viper.Set(lockinConfigKey, nil)
	defer viper.Set(detectorConfigKey, nil)

	viper.Set(lockinConfigKey, map[string]interface{}{
		"mode":           "single",
		"inputfrequency": 17.5,
		"cycleinterval":  "100ms",
	})
	cfg, err := LoadLockInConfig()
	assert.NoError(t, err)
	assert.Equal(t, "single", cfg.Mode)
	assert.Equal(t, 17.5, cfg.InputFrequency)
	assert.Equal(t, 100*time.Millisecond, cfg.CycleInterval)
	assert.Equal(t, 250, cfg.PointsPerCycle, "unset fields keep their defaults")

	viper.Set(detectorConfigKey, map[string]interface{}{"source": "counter"})
	dc, err := LoadDetectorConfig()
	assert.NoError(t, err)
	assert.Equal(t, "counter", dc.Source)
	assert.Equal(t, DefaultReadPeriod, dc.ReadPeriod)
}

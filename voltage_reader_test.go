package lockin

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fixedSource is a DataSource that returns a canned array.
type fixedSource struct {
	data []float64
	err  error
	n    int
}

func (fs *fixedSource) CycleInterval() time.Duration { return time.Hour }
func (fs *fixedSource) PointsPerCycle() int {
	if fs.n > 0 {
		return fs.n
	}
	return len(fs.data)
}
func (fs *fixedSource) CycleRate() int                 { return 1000 }
func (fs *fixedSource) GetDataArray() ([]float64, error) { return fs.data, fs.err }

func TestLockInType(t *testing.T) {
	lt, err := ParseLockInType("Software")
	assert.NoError(t, err)
	assert.Equal(t, SoftwareLockInType, lt)
	lt, err = ParseLockInType("")
	assert.NoError(t, err)
	assert.Equal(t, HardwareLockInType, lt)
	_, err = ParseLockInType("quantum")
	assert.Error(t, err)
	assert.Equal(t, "hardware", HardwareLockInType.String())
}

func TestHardwareLockIn(t *testing.T) {
	_, err := NewHardwareLockIn(nil, OutputScale{})
	assert.ErrorIs(t, err, ErrNoDataSource)

	scale := OutputScale{Sensitivity: 1, SensitivityUnit: Millivolts, FullScale: 10}
	src := &fixedSource{data: []float64{4, 5, 6}}
	hw, err := NewHardwareLockIn(src, scale)
	assert.NoError(t, err)
	v, err := hw.ReadVoltage()
	assert.NoError(t, err)
	assert.InDelta(t, 0.5e-3, v, 1e-15, "5 V of 10 V full scale at 1 mV sensitivity")

	src.err = errors.New("board timeout")
	_, err = hw.ReadVoltage()
	assert.Error(t, err)

	src.err = nil
	src.data = nil
	_, err = hw.ReadVoltage()
	assert.Error(t, err)
}

func TestSoftwareLockIn(t *testing.T) {
	_, err := SoftwareLockIn{}.ReadVoltage()
	assert.ErrorIs(t, err, ErrNotInitialized)

	amp, err := NewAmplifier(&fixedSource{data: []float64{1}}, NewFixedModulation(13), AmplifierConfig{})
	assert.NoError(t, err)
	var reader VoltageReader = SoftwareLockIn{Amplifier: amp}
	v, err := reader.ReadVoltage()
	assert.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

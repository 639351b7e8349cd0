package lockin

import (
	"fmt"
	"strings"
	"sync"
)

// LockInType says whether the signal comes from this package's software
// Amplifier or from an external lock-in instrument's analog output.
type LockInType int

// Names for the possible values of LockInType
const (
	HardwareLockInType LockInType = iota
	SoftwareLockInType
)

func (t LockInType) String() string {
	switch t {
	case HardwareLockInType:
		return "hardware"
	case SoftwareLockInType:
		return "software"
	}
	return fmt.Sprintf("LockInType(%d)", int(t))
}

// ParseLockInType converts "hardware" or "software" to a LockInType. The empty
// string means hardware.
func ParseLockInType(name string) (LockInType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hardware":
		return HardwareLockInType, nil
	case "software":
		return SoftwareLockInType, nil
	}
	return HardwareLockInType, fmt.Errorf("lock-in type %q is not recognized", name)
}

// VoltageReader produces the measured signal in volts. Callers that scan an
// instrument read one value per step without caring which kind of lock-in is
// behind it.
type VoltageReader interface {
	ReadVoltage() (float64, error)
}

// SoftwareLockIn reads the latest value published by an Amplifier.
type SoftwareLockIn struct {
	Amplifier *Amplifier
}

// ReadVoltage returns the Amplifier's current signal value.
func (s SoftwareLockIn) ReadVoltage() (float64, error) {
	if s.Amplifier == nil {
		return 0, fmt.Errorf("software lock-in: %w", ErrNotInitialized)
	}
	return s.Amplifier.SignalVoltage(), nil
}

// HardwareLockIn reads an external lock-in's analog output through a
// DataSource. One acquisition is averaged and converted from output volts to
// signal volts with Scale.
type HardwareLockIn struct {
	data  DataSource
	scale OutputScale
	sync.Mutex
}

// NewHardwareLockIn returns a HardwareLockIn reading from data.
func NewHardwareLockIn(data DataSource, scale OutputScale) (*HardwareLockIn, error) {
	if data == nil {
		return nil, ErrNoDataSource
	}
	return &HardwareLockIn{data: data, scale: scale}, nil
}

// ReadVoltage acquires one array and returns its average, scaled to the
// signal level. Concurrent reads are serialized.
func (h *HardwareLockIn) ReadVoltage() (float64, error) {
	h.Lock()
	defer h.Unlock()
	samples, err := h.data.GetDataArray()
	if err != nil {
		return 0, fmt.Errorf("hardware lock-in: %w", err)
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("hardware lock-in: acquisition returned no samples")
	}
	return h.scale.SignalFromOutput(Average(samples))
}

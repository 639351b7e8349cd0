package lockin

import (
	"fmt"
	"math"
	"strings"
)

// LegacyHeadroom is how far above the requested pass frequency the legacy
// single-pole filter puts its corner.
const LegacyHeadroom = 1.1

// LowPassFilter applies a single-pole (RC) low-pass filter with corner
// passFrequency to input sampled at samplingRate, using
// alpha = dt/(dt+RC). The first output equals the first input.
func LowPassFilter(input []float64, passFrequency, samplingRate float64) []float64 {
	rc := 1 / (2 * math.Pi * passFrequency)
	dt := 1 / samplingRate
	alpha := dt / (dt + rc)

	output := make([]float64, len(input))
	if len(input) == 0 {
		return output
	}
	output[0] = input[0]
	for i := 1; i < len(input); i++ {
		output[i] = output[i-1] + alpha*(input[i]-output[i-1])
	}
	return output
}

// LowPassFilterLegacy is the single-pole filter as the board-bound lock-in
// computed it: the corner sits LegacyHeadroom above passFrequency and
// alpha = samplingRate/(samplingRate+RC). Note this alpha is very nearly 1
// for any practical rate, so the filter passes almost everything; callers
// that depend on that behavior select it explicitly.
func LowPassFilterLegacy(input []float64, passFrequency, samplingRate float64) []float64 {
	return lowPassDirectRatio(input, passFrequency*LegacyHeadroom, samplingRate)
}

func lowPassDirectRatio(input []float64, corner, samplingRate float64) []float64 {
	rc := 1 / (2 * math.Pi * corner)
	alpha := samplingRate / (samplingRate + rc)

	output := make([]float64, len(input))
	if len(input) == 0 {
		return output
	}
	output[0] = input[0]
	for i := 1; i < len(input); i++ {
		output[i] = alpha*input[i] + (1-alpha)*output[i-1]
	}
	return output
}

// Filter smooths one cycle's worth of demodulated data.
type Filter interface {
	LowPass(input []float64) []float64
}

// RCFilter is a single-pole Filter.
type RCFilter struct {
	PassFrequency float64 // Hz
	SamplingRate  float64 // Hz
	Legacy        bool    // use the direct-ratio alpha and corner headroom
	Headroom      float64 // legacy corner multiplier; 0 means LegacyHeadroom
}

// LowPass filters input.
func (f RCFilter) LowPass(input []float64) []float64 {
	if !f.Legacy {
		return LowPassFilter(input, f.PassFrequency, f.SamplingRate)
	}
	headroom := f.Headroom
	if headroom <= 0 {
		headroom = LegacyHeadroom
	}
	return lowPassDirectRatio(input, f.PassFrequency*headroom, f.SamplingRate)
}

// FilterPolicy selects how the amplifier smooths demodulated data.
type FilterPolicy int

// Names for the possible values of FilterPolicy
const (
	FilterAuto                  FilterPolicy = iota // the mode's customary filter
	FilterRC                                        // single pole, alpha = dt/(dt+RC)
	FilterRCLegacy                                  // single pole, alpha = fs/(fs+RC), corner x1.1
	FilterButterworth                               // 5th-order, fixed empirical recursion, fresh state per call
	FilterButterworthContinuous                     // 5th-order, derived coefficients, state kept across calls
)

var filterPolicyNames = map[FilterPolicy]string{
	FilterAuto:                  "auto",
	FilterRC:                    "rc",
	FilterRCLegacy:              "rc-legacy",
	FilterButterworth:           "butterworth",
	FilterButterworthContinuous: "butterworth-continuous",
}

func (p FilterPolicy) String() string {
	if name, ok := filterPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("FilterPolicy(%d)", int(p))
}

// ParseFilterPolicy converts a name such as "rc" or "butterworth" to a
// FilterPolicy. The empty string means FilterAuto.
func ParseFilterPolicy(name string) (FilterPolicy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return FilterAuto, nil
	}
	for p, n := range filterPolicyNames {
		if n == name {
			return p, nil
		}
	}
	return FilterAuto, fmt.Errorf("filter policy %q is not recognized", name)
}

// NewFilter builds a Filter for data sampled at samplingRate with the given
// corner (pass) frequency. FilterAuto must be resolved by the caller.
func NewFilter(policy FilterPolicy, samplingRate, corner float64) (Filter, error) {
	if !(samplingRate > 0) || !(corner > 0) {
		return nil, fmt.Errorf("filter with rate %v Hz, corner %v Hz: %w", samplingRate, corner, ErrBadFrequency)
	}
	switch policy {
	case FilterRC:
		return RCFilter{PassFrequency: corner, SamplingRate: samplingRate}, nil
	case FilterRCLegacy:
		return RCFilter{PassFrequency: corner, SamplingRate: samplingRate, Legacy: true}, nil
	case FilterButterworth:
		bw, err := NewButterworth(samplingRate, corner)
		if err != nil {
			return nil, err
		}
		return bw, nil
	case FilterButterworthContinuous:
		cb, err := NewContinuousButterworth(samplingRate, corner)
		if err != nil {
			return nil, err
		}
		return cb, nil
	}
	return nil, fmt.Errorf("cannot build a filter for policy %v", policy)
}

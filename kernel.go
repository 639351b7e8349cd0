package lockin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
)

// KernelParameter is one kernel setting that affects acquisition timing.
type KernelParameter struct {
	Name    string
	Value   string
	Warning string // empty when the value is fine
	Err     error  // the parameter could not be read
}

// timingCheck inspects a kernel setting's value and returns a warning, or ""
// if the value is acceptable.
type timingCheck struct {
	name  string
	check func(value string) string
}

var timingChecks = []timingCheck{
	{"kernel.sched_rt_runtime_us", func(v string) string {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < 950000 {
			return fmt.Sprintf("real-time tasks are throttled to %d us per second", n)
		}
		return ""
	}},
	{"kernel.timer_migration", func(v string) string {
		if v == "1" {
			return "timers may migrate between CPUs; cycle timing jitter may be higher"
		}
		return ""
	}},
	{"vm.swappiness", func(v string) string {
		if n, err := strconv.Atoi(v); err == nil && n > 60 {
			return fmt.Sprintf("swappiness %d is high; a swapped-out acquisition loop will miss cycles", n)
		}
		return ""
	}},
}

// CheckKernelTiming reads the kernel parameters that affect how regularly the
// periodic acquisition cycle can run, and logs a warning to ProblemLogger for
// each questionable one. Parameters that cannot be read (e.g., on systems
// without /proc/sys) are reported with Err set and not logged.
func CheckKernelTiming() []KernelParameter {
	params := make([]KernelParameter, 0, len(timingChecks))
	for _, tc := range timingChecks {
		p := KernelParameter{Name: tc.name}
		value, err := sysctl.Get(tc.name)
		if err != nil {
			p.Err = err
			params = append(params, p)
			continue
		}
		p.Value = strings.TrimSpace(value)
		p.Warning = tc.check(p.Value)
		if p.Warning != "" {
			ProblemLogger.Printf("kernel %s = %s: %s", p.Name, p.Value, p.Warning)
		}
		params = append(params, p)
	}
	return params
}

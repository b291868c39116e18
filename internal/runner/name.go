package runner

import (
	"strconv"
	"strings"
)

// VirtualMachine identifies the machine a runner is provisioned on.
type VirtualMachine struct {
	// Name is the machine name.  Pooled machines carry a trailing
	// "-<index>", e.g. "baseVM-3".
	Name string
}

// RunnerName returns the name the runner advertises.
//
// With no configured name the VM name is used as-is.  Otherwise the
// pool index is appended to the configured name ("CI Runner 3"), or
// dropped when the VM name has no numeric suffix.
func RunnerName(configured string, vm VirtualMachine) string {
	if configured == "" {
		return vm.Name
	}
	i := strings.LastIndex(vm.Name, "-")
	if i < 0 {
		return configured
	}
	suffix := vm.Name[i+1:]
	if suffix == "" {
		return configured
	}
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return configured
	}
	return configured + " " + strconv.Itoa(index)
}

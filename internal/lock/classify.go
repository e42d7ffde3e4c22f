package lock

import "strings"

// Class partitions operations into control commands and reads.
type Class string

const (
	ClassControl Class = "control"
	ClassRead    Class = "read"
)

// controlMarkers match operation names that mutate instrument state.
var controlMarkers = []string{
	"set_",
	"reset",
	"clear",
	"save",
	"recall",
	"calibrate",
	"autoscale",
	"trigger_",
}

// Classify reports whether an operation name is a control command or a
// read. Matching is case-insensitive on name substrings.
func Classify(name string) Class {
	lower := strings.ToLower(name)
	for _, marker := range controlMarkers {
		if strings.Contains(lower, marker) {
			return ClassControl
		}
	}
	return ClassRead
}

// IsControl is shorthand for Classify(name) == ClassControl.
func IsControl(name string) bool {
	return Classify(name) == ClassControl
}

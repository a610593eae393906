// Package units converts detector quantities into the units the HTTP API
// serves.
package units

import "strings"

// Frequency unit constants. Alert rows carry MHz on the wire and the
// published state uses GHz.
const (
	MHz = "mhz"
	GHz = "ghz"
)

// ValidUnits contains all valid frequency unit values
var ValidUnits = []string{MHz, GHz}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// MHzToGHz converts a wire frequency to GHz, e.g. 24150 -> 24.15.
func MHzToGHz(mhz uint16) float64 {
	return float64(mhz) / 1000.0
}

// ConvertFrequency converts a frequency stored in GHz to the target units.
// Unknown units leave the value in GHz.
func ConvertFrequency(ghz float64, targetUnits string) float64 {
	switch targetUnits {
	case MHz:
		return ghz * 1000.0
	default:
		return ghz
	}
}

// MaxStrength is the raw value of a full-scale front or rear signal reading.
const MaxStrength = 0xFF

// StrengthPercent scales a raw 0-255 signal strength to 0-100.
func StrengthPercent(raw int) int {
	switch {
	case raw <= 0:
		return 0
	case raw >= MaxStrength:
		return 100
	}
	return (raw*100 + MaxStrength/2) / MaxStrength
}

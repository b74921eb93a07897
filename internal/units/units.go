// Package units converts between the apparatus' raw sensor voltages, tube
// distances and screen pixels, and holds the speed units the status API
// accepts.
package units

import "math"

// DefaultSensorScale is the voltage swing of one full wheel revolution on the
// rotary sensor.
const DefaultSensorScale = 5.033

// Speed unit constants
const (
	CMPS = "cmps"
	MMPS = "mmps"
	MPS  = "mps"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{CMPS, MMPS, MPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "cmps, mmps, mps"
}

// ConvertSpeed converts a speed from centimetres per second to the target
// units. Unknown units return the input unchanged.
func ConvertSpeed(cmps float64, targetUnits string) float64 {
	switch targetUnits {
	case MMPS:
		return cmps * 10
	case MPS:
		return cmps / 100
	default:
		return cmps
	}
}

// WheelCircumference returns the running-wheel circumference for a diameter.
func WheelCircumference(diameterCm float64) float64 {
	return math.Pi * diameterCm
}

// VoltsToCm converts a change in sensor voltage into distance travelled on the
// wheel rim. A non-positive scale yields zero.
func VoltsToCm(deltaVolts, sensorScale, circumferenceCm float64) float64 {
	if sensorScale <= 0 {
		return 0
	}
	return deltaVolts / sensorScale * circumferenceCm
}

// PixelsPerCm returns the horizontal pixel density of the marker screen.
func PixelsPerCm(screenWidthPx int, screenWidthCm float64) float64 {
	if screenWidthCm <= 0 {
		return 0
	}
	return float64(screenWidthPx) / screenWidthCm
}

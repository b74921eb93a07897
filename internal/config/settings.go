// Package config holds the rig settings: a JSON file of optional fields whose
// Get* accessors fall back to built-in defaults, plus the runtime get/set
// operations exposed to the operator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tuberig/internal/actuator"
	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/units"
)

// DefaultSettingsPath is where the daemon looks for its settings file.
const DefaultSettingsPath = "config/tuberig.settings.json"

// Settings is the on-disk settings document. Every field is optional;
// omitted fields take the value from Defaults.
type Settings struct {
	// Kinematics
	TubeDistanceCm     *float64 `json:"tube_distance_cm,omitempty"`
	AccelerationCutoff *float64 `json:"acceleration_cutoff,omitempty"`
	SpeedMultiplier    *float64 `json:"speed_multiplier,omitempty"`
	WheelDiameterCm    *float64 `json:"wheel_diameter_cm,omitempty"`
	SensorScale        *float64 `json:"sensor_scale,omitempty"`
	RewardAbort        *float64 `json:"reward_abort,omitempty"` // fraction of tube distance
	TubeSpeedCmS       *float64 `json:"tube_speed,omitempty"`   // pairing speed cap

	// Loop rates
	TargetFPS    *float64 `json:"target_fps,omitempty"`
	SamplingRate *float64 `json:"sampling_rate,omitempty"`
	TracerRate   *float64 `json:"tracer_rate,omitempty"`

	// Trial timing, duration strings like "1.4s"
	RewardLength     *string `json:"reward_length,omitempty"`
	SettleDelay      *string `json:"settle_delay,omitempty"`
	FlashDuration    *string `json:"flash_duration,omitempty"`
	FlashPeriod      *string `json:"flash_period,omitempty"`
	PairingTubeDelay *string `json:"pairing_tube_delay,omitempty"`
	FramePulse       *string `json:"frame_pulse,omitempty"` // empty: half a tick
	RewardEnabled    *bool   `json:"reward_enabled,omitempty"`

	// Marker screen
	ScreenWidthPx      *int     `json:"screen_width_px,omitempty"`
	ScreenWidthCm      *float64 `json:"screen_width_cm,omitempty"`
	MarkerScale        *float64 `json:"marker_scale,omitempty"`
	MainScreenLeftward *bool    `json:"main_screen_direction_left,omitempty"`

	// GPIO
	TubePin  *int `json:"tube_pwm_pin,omitempty"`
	DiskPin  *int `json:"disk_pwm_pin,omitempty"`
	FramePin *int `json:"frame_out_pin,omitempty"`

	// Reward disk state probabilities: blocked, visual, smell, opened.
	DiskWeights *string `json:"disk_weights,omitempty"`

	Simulation *bool `json:"simulation,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Defaults is the fully populated default settings document.
func Defaults() *Settings {
	return &Settings{
		TubeDistanceCm:     ptrFloat64(10),
		AccelerationCutoff: ptrFloat64(1.0),
		SpeedMultiplier:    ptrFloat64(1),
		WheelDiameterCm:    ptrFloat64(10),
		SensorScale:        ptrFloat64(units.DefaultSensorScale),
		RewardAbort:        ptrFloat64(0.5),
		TubeSpeedCmS:       ptrFloat64(10),

		TargetFPS:    ptrFloat64(120),
		SamplingRate: ptrFloat64(200),
		TracerRate:   ptrFloat64(300),

		RewardLength:     ptrString("2s"),
		SettleDelay:      ptrString("1s"),
		FlashDuration:    ptrString("1.4s"),
		FlashPeriod:      ptrString("200ms"),
		PairingTubeDelay: ptrString("200ms"),
		FramePulse:       ptrString(""),
		RewardEnabled:    ptrBool(true),

		ScreenWidthPx:      ptrInt(1920),
		ScreenWidthCm:      ptrFloat64(52),
		MarkerScale:        ptrFloat64(1),
		MainScreenLeftward: ptrBool(false),

		TubePin:  ptrInt(18),
		DiskPin:  ptrInt(13),
		FramePin: ptrInt(23),

		DiskWeights: ptrString("0,1,1,1"),

		Simulation: ptrBool(false),
	}
}

var defaults = Defaults()

func get[T any](v, def *T) T {
	if v == nil {
		return *def
	}
	return *v
}

func getDuration(v, def *string) time.Duration {
	d, err := time.ParseDuration(get(v, def))
	if err != nil {
		d, _ = time.ParseDuration(*def)
	}
	return d
}

// LoadSettings reads a settings file. The path must have a .json extension
// and the file must be under 1MB.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("settings file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Validate checks the values that are set.
func (s *Settings) Validate() error {
	positive := map[string]*float64{
		"tube_distance_cm":    s.TubeDistanceCm,
		"acceleration_cutoff": s.AccelerationCutoff,
		"wheel_diameter_cm":   s.WheelDiameterCm,
		"sensor_scale":        s.SensorScale,
		"target_fps":          s.TargetFPS,
		"sampling_rate":       s.SamplingRate,
		"tracer_rate":         s.TracerRate,
		"screen_width_cm":     s.ScreenWidthCm,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}
	if s.TargetFPS != nil && *s.TargetFPS > 1000 {
		return fmt.Errorf("target_fps must be at most 1000, got %v", *s.TargetFPS)
	}
	if s.RewardAbort != nil && (*s.RewardAbort < 0 || *s.RewardAbort >= ContactFraction) {
		return fmt.Errorf("reward_abort must be in [0, %v), got %v", ContactFraction, *s.RewardAbort)
	}
	if s.TubeSpeedCmS != nil && *s.TubeSpeedCmS < 0 {
		return fmt.Errorf("tube_speed must not be negative, got %v", *s.TubeSpeedCmS)
	}
	durations := map[string]*string{
		"reward_length":      s.RewardLength,
		"settle_delay":       s.SettleDelay,
		"flash_duration":     s.FlashDuration,
		"flash_period":       s.FlashPeriod,
		"pairing_tube_delay": s.PairingTubeDelay,
		"frame_pulse":        s.FramePulse,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	if s.DiskWeights != nil {
		if _, err := ParseDiskWeights(*s.DiskWeights); err != nil {
			return fmt.Errorf("invalid disk_weights: %w", err)
		}
	}
	return nil
}

// ContactFraction mirrors kinematics.ContactFraction for validation.
const ContactFraction = kinematics.ContactFraction

func (s *Settings) GetTubeDistanceCm() float64     { return get(s.TubeDistanceCm, defaults.TubeDistanceCm) }
func (s *Settings) GetAccelerationCutoff() float64 { return get(s.AccelerationCutoff, defaults.AccelerationCutoff) }
func (s *Settings) GetSpeedMultiplier() float64    { return get(s.SpeedMultiplier, defaults.SpeedMultiplier) }
func (s *Settings) GetWheelDiameterCm() float64    { return get(s.WheelDiameterCm, defaults.WheelDiameterCm) }
func (s *Settings) GetSensorScale() float64        { return get(s.SensorScale, defaults.SensorScale) }
func (s *Settings) GetRewardAbort() float64        { return get(s.RewardAbort, defaults.RewardAbort) }
func (s *Settings) GetTubeSpeedCmS() float64       { return get(s.TubeSpeedCmS, defaults.TubeSpeedCmS) }
func (s *Settings) GetTargetFPS() float64          { return get(s.TargetFPS, defaults.TargetFPS) }
func (s *Settings) GetSamplingRate() float64       { return get(s.SamplingRate, defaults.SamplingRate) }
func (s *Settings) GetTracerRate() float64         { return get(s.TracerRate, defaults.TracerRate) }
func (s *Settings) GetRewardEnabled() bool         { return get(s.RewardEnabled, defaults.RewardEnabled) }
func (s *Settings) GetScreenWidthPx() int          { return get(s.ScreenWidthPx, defaults.ScreenWidthPx) }
func (s *Settings) GetScreenWidthCm() float64      { return get(s.ScreenWidthCm, defaults.ScreenWidthCm) }
func (s *Settings) GetMarkerScale() float64        { return get(s.MarkerScale, defaults.MarkerScale) }
func (s *Settings) GetMainScreenLeftward() bool    { return get(s.MainScreenLeftward, defaults.MainScreenLeftward) }
func (s *Settings) GetSimulation() bool            { return get(s.Simulation, defaults.Simulation) }

// GetRewardLength is how long the tube is held after contact.
func (s *Settings) GetRewardLength() time.Duration {
	return getDuration(s.RewardLength, defaults.RewardLength)
}

// GetSettleDelay is how long the rig rests after a trial before it is idle.
func (s *Settings) GetSettleDelay() time.Duration {
	return getDuration(s.SettleDelay, defaults.SettleDelay)
}

func (s *Settings) GetFlashDuration() time.Duration {
	return getDuration(s.FlashDuration, defaults.FlashDuration)
}

func (s *Settings) GetFlashPeriod() time.Duration {
	return getDuration(s.FlashPeriod, defaults.FlashPeriod)
}

func (s *Settings) GetPairingTubeDelay() time.Duration {
	return getDuration(s.PairingTubeDelay, defaults.PairingTubeDelay)
}

// GetFramePulse returns the frame pulse width. Unset means half a control
// tick.
func (s *Settings) GetFramePulse() time.Duration {
	if s.FramePulse == nil || *s.FramePulse == "" {
		return time.Duration(float64(time.Second) / (2 * s.GetTargetFPS()))
	}
	return getDuration(s.FramePulse, defaults.FramePulse)
}

// GetPins returns the GPIO assignment.
func (s *Settings) GetPins() actuator.Pins {
	return actuator.Pins{
		Tube:  get(s.TubePin, defaults.TubePin),
		Disk:  get(s.DiskPin, defaults.DiskPin),
		Frame: get(s.FramePin, defaults.FramePin),
	}
}

// GetDiskWeights returns the relative disk state probabilities.
func (s *Settings) GetDiskWeights() []float64 {
	w, err := ParseDiskWeights(get(s.DiskWeights, defaults.DiskWeights))
	if err != nil {
		w, _ = ParseDiskWeights(*defaults.DiskWeights)
	}
	return w
}

// Kinematics builds filter parameters from the settings.
func (s *Settings) Kinematics() kinematics.Params {
	return kinematics.Params{
		TubeDistanceCm:       s.GetTubeDistanceCm(),
		AccelerationCutoff:   s.GetAccelerationCutoff(),
		SensorScale:          s.GetSensorScale(),
		WheelCircumferenceCm: units.WheelCircumference(s.GetWheelDiameterCm()),
		SpeedMultiplier:      s.GetSpeedMultiplier(),
	}
}

// TickPeriod is the control loop period.
func (s *Settings) TickPeriod() time.Duration {
	return time.Duration(float64(time.Second) / s.GetTargetFPS())
}

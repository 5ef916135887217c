package main

import (
	"math"
	"time"

	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"

	"mecanum/canmotor"
	"mecanum/mixer"
)

// Defaults for the reference base.
const (
	kVehicleTrackwidthMm = 528.580

	kMaxSpeedMmPerSec     = 700.0
	kMaxAngularDegsPerSec = 90.0
)

// Config is the attribute block of the base component.
type Config struct {
	CanChannel string `json:"can_channel,omitempty"`
	// DefaultSpeed scales every drive request that does not set its own
	// speed. Values above 1 are accepted and raise the gain.
	DefaultSpeed *float64 `json:"default_speed,omitempty"`
	// CanIDs overrides the controller ID per wheel, keyed by wheel name.
	CanIDs map[string]uint32 `json:"can_ids,omitempty"`
	// InvertedWheels lists wheels mounted reversed. Unset keeps the
	// reference wiring where only back-right is reversed.
	InvertedWheels []string `json:"inverted_wheels,omitempty"`
	MaxRPM         float64  `json:"max_rpm,omitempty"`
	CommsTimeoutMs int      `json:"comms_timeout_ms,omitempty"`

	WidthMm              float64 `json:"width_mm,omitempty"`
	WheelCircumferenceMm float64 `json:"wheel_circumference_mm,omitempty"`
	MaxSpeedMmPerSec     float64 `json:"max_speed_mm_per_sec,omitempty"`
	MaxAngularDegsPerSec float64 `json:"max_angular_degs_per_sec,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.DefaultSpeed != nil {
		if err := validateDefaultSpeed(*cfg.DefaultSpeed); err != nil {
			return nil, viamutils.NewConfigValidationError(path, err)
		}
	}
	for name := range cfg.CanIDs {
		if _, ok := mixer.ParseChannel(name); !ok {
			return nil, viamutils.NewConfigValidationError(path, errors.Errorf("unknown wheel %q in can_ids", name))
		}
	}
	for _, name := range cfg.InvertedWheels {
		if _, ok := mixer.ParseChannel(name); !ok {
			return nil, viamutils.NewConfigValidationError(path, errors.Errorf("unknown wheel %q in inverted_wheels", name))
		}
	}
	for field, v := range map[string]float64{
		"max_rpm":                  cfg.MaxRPM,
		"width_mm":                 cfg.WidthMm,
		"wheel_circumference_mm":   cfg.WheelCircumferenceMm,
		"max_speed_mm_per_sec":     cfg.MaxSpeedMmPerSec,
		"max_angular_degs_per_sec": cfg.MaxAngularDegsPerSec,
	} {
		if v < 0 {
			return nil, viamutils.NewConfigValidationError(path, errors.Errorf("%s must not be negative", field))
		}
	}
	if cfg.CommsTimeoutMs < 0 {
		return nil, viamutils.NewConfigValidationError(path, errors.New("comms_timeout_ms must not be negative"))
	}
	if _, err := cfg.busConfig(); err != nil {
		return nil, viamutils.NewConfigValidationError(path, err)
	}
	return nil, nil
}

// validateDefaultSpeed rejects negative speeds. Speeds above 1 only raise
// the gain and are allowed.
func validateDefaultSpeed(speed float64) error {
	if speed < 0 || math.IsNaN(speed) {
		return errors.Errorf("default speed must not be negative, got %v", speed)
	}
	return nil
}

func (cfg *Config) defaultSpeed() float64 {
	if cfg.DefaultSpeed == nil {
		return mixer.DefaultSpeed
	}
	return *cfg.DefaultSpeed
}

// busConfig applies the attribute overrides to the default wiring.
func (cfg *Config) busConfig() (canmotor.Config, error) {
	bc := canmotor.DefaultConfig()
	if cfg.CanChannel != "" {
		bc.Channel = cfg.CanChannel
	}
	for name, id := range cfg.CanIDs {
		ch, ok := mixer.ParseChannel(name)
		if !ok {
			return bc, errors.Errorf("unknown wheel %q", name)
		}
		bc.IDs[ch] = id
	}
	if cfg.InvertedWheels != nil {
		bc.Inverted = [mixer.NumChannels]bool{}
		for _, name := range cfg.InvertedWheels {
			ch, ok := mixer.ParseChannel(name)
			if !ok {
				return bc, errors.Errorf("unknown wheel %q", name)
			}
			bc.Inverted[ch] = true
		}
	}
	if cfg.MaxRPM > 0 {
		bc.MaxRPM = cfg.MaxRPM
	}
	bc.CommsTimeout = time.Duration(cfg.CommsTimeoutMs) * time.Millisecond
	return bc, bc.Validate()
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

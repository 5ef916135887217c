package canmotor

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"mecanum/mixer"
)

// Wheel geometry of the stock mecanum wheels.
const (
	WheelRadiusMm        float64 = 76.2
	WheelCircumferenceMm float64 = 2 * math.Pi * WheelRadiusMm
)

// Drive limits for the stock wheel controllers.
const (
	kLimitCurrentMax  = 5                                                       // Maximum motor current
	kLimitSpeedMaxKph = 2.5                                                     // Max speed in KPH
	kLimitSpeedMaxRpm = kLimitSpeedMaxKph * 1000000 / WheelCircumferenceMm / 60 // Max speed in RPM

	defaultChannel         = "can0"
	defaultPublishInterval = 10 * time.Millisecond
)

// Config describes how mixer channels map onto wheel controllers.
type Config struct {
	// SocketCAN interface name, e.g. can0 or vcan0.
	Channel string
	// CAN ID of the controller behind each mixer channel.
	IDs [mixer.NumChannels]uint32
	// Inverted reverses the sign of the power sent to a channel.
	Inverted [mixer.NumChannels]bool

	CurrentLimit int16
	// MaxRPM is the wheel speed commanded at full power.
	MaxRPM float64

	// CommsTimeout zeroes every wheel when no command arrives in time.
	// Zero disables the fail-safe.
	CommsTimeout    time.Duration
	PublishInterval time.Duration
}

// DefaultConfig returns the wiring of the reference base: only the
// back-right motor is mounted reversed.
func DefaultConfig() Config {
	var cfg Config
	cfg.Channel = defaultChannel
	cfg.IDs[mixer.FrontLeft] = 0x0000022B
	cfg.IDs[mixer.FrontRight] = 0x0000022A
	cfg.IDs[mixer.BackLeft] = 0x0000022D
	cfg.IDs[mixer.BackRight] = 0x0000022C
	cfg.Inverted[mixer.BackRight] = true
	cfg.CurrentLimit = kLimitCurrentMax
	cfg.MaxRPM = kLimitSpeedMaxRpm
	cfg.PublishInterval = defaultPublishInterval
	return cfg
}

// Validate checks the config for values the controllers cannot accept.
func (cfg Config) Validate() error {
	if cfg.Channel == "" {
		return errors.New("can channel must be set")
	}
	seen := map[uint32]mixer.Channel{}
	for _, ch := range mixer.Channels() {
		id := cfg.IDs[ch]
		if id == 0 {
			return errors.Errorf("missing can id for %s", ch)
		}
		if other, ok := seen[id]; ok {
			return errors.Errorf("can id %#x used by both %s and %s", id, other, ch)
		}
		seen[id] = ch
	}
	if cfg.MaxRPM <= 0 || cfg.MaxRPM > kRpmFieldMax {
		return errors.Errorf("max rpm %v out of range (0, %d]", cfg.MaxRPM, kRpmFieldMax)
	}
	if cfg.CurrentLimit < 0 || cfg.CurrentLimit > kCurrentFieldMax {
		return errors.Errorf("current limit %d out of range [0, %d]", cfg.CurrentLimit, kCurrentFieldMax)
	}
	if cfg.PublishInterval <= 0 {
		return errors.New("publish interval must be positive")
	}
	return nil
}

// Package mixer converts a planar motion request into four mecanum wheel powers.
package mixer

import (
	"context"
	"math"
	"sync"

	"go.uber.org/multierr"
)

// Channel identifies one of the four wheel outputs.
type Channel int

// Output order. Forward components land on FrontLeft and BackRight, side
// components on FrontRight and BackLeft, which matches wheels whose rollers
// form an X when the base is viewed from above.
const (
	FrontLeft Channel = iota
	FrontRight
	BackLeft
	BackRight

	NumChannels = 4
)

// Channels returns every channel in write order.
func Channels() []Channel {
	return []Channel{FrontLeft, FrontRight, BackLeft, BackRight}
}

func (c Channel) String() string {
	switch c {
	case FrontLeft:
		return "front-left"
	case FrontRight:
		return "front-right"
	case BackLeft:
		return "back-left"
	case BackRight:
		return "back-right"
	default:
		return "unknown"
	}
}

// ParseChannel returns the channel with the given String() name.
func ParseChannel(name string) (Channel, bool) {
	for _, c := range Channels() {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

const (
	// DefaultSpeed is the speed scale used when none is configured.
	DefaultSpeed = 1.0
	// SlowFactor scales the default speed when slow mode is requested.
	SlowFactor = 0.5

	minPower = -1.0
	maxPower = 1.0

	// floor for the normalising denominator; cos and sin never vanish together
	minScaleDenominator = 1e-9
)

// MotionRequest is a desired planar motion for a single control cycle.
type MotionRequest struct {
	// Angle in radians. 0 strafes toward +x, Pi/2 drives forward.
	Angle float64
	// Magnitude of the drive vector, nominally [0, 1]. Not clamped.
	Magnitude float64
	// Turn bias in [-1, 1]. Positive turns clockwise.
	Turn float64
}

// MotionFromVector builds a request from a strafe (x) and forward (y) vector.
func MotionFromVector(x, y, turn float64) MotionRequest {
	return MotionRequest{
		Angle:     math.Atan2(y, x),
		Magnitude: math.Hypot(x, y),
		Turn:      turn,
	}
}

// MotorPowers holds one power per Channel, each in [-1, 1].
type MotorPowers [NumChannels]float64

// IsZero reports whether every power is zero.
func (p MotorPowers) IsZero() bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

// Actuators is the sink the mixer writes powers to. Implementations own any
// polarity inversion required by the motor wiring.
type Actuators interface {
	SetPower(ctx context.Context, ch Channel, power float64) error
}

// Mixer maps motion requests onto four wheel powers and hands them to an
// Actuators sink. The default speed may be any real; values outside [0, 1]
// just change the effective gain.
type Mixer struct {
	sink Actuators

	mu           sync.RWMutex
	defaultSpeed float64
	last         MotorPowers
}

// New returns a mixer writing to sink with the given default speed scale.
func New(sink Actuators, defaultSpeed float64) *Mixer {
	return &Mixer{sink: sink, defaultSpeed: defaultSpeed}
}

// DefaultSpeed returns the configured speed scale.
func (m *Mixer) DefaultSpeed() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultSpeed
}

// SetDefaultSpeed replaces the configured speed scale.
func (m *Mixer) SetDefaultSpeed(speed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultSpeed = speed
}

// LastPowers returns the powers most recently written to the sink.
func (m *Mixer) LastPowers() MotorPowers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Drive drives at the default speed.
func (m *Mixer) Drive(ctx context.Context, req MotionRequest) error {
	return m.DriveAt(ctx, req, m.DefaultSpeed())
}

// DriveSlow drives at half the default speed when slow is set.
func (m *Mixer) DriveSlow(ctx context.Context, req MotionRequest, slow bool) error {
	return m.DriveAt(ctx, req, EffectiveSpeed(m.DefaultSpeed(), slow))
}

// DriveAt drives with speed as the effective scale, ignoring the default.
func (m *Mixer) DriveAt(ctx context.Context, req MotionRequest, speed float64) error {
	return m.apply(ctx, ComputeMotorPowers(req.Angle, req.Magnitude, req.Turn, speed))
}

// Stop writes zero power to every channel.
func (m *Mixer) Stop(ctx context.Context) error {
	return m.apply(ctx, MotorPowers{})
}

// apply writes powers in channel order. A failed write does not skip the
// remaining channels.
func (m *Mixer) apply(ctx context.Context, powers MotorPowers) error {
	m.mu.Lock()
	m.last = powers
	m.mu.Unlock()

	var err error
	for _, ch := range Channels() {
		err = multierr.Append(err, m.sink.SetPower(ctx, ch, powers[ch]))
	}
	return err
}

// EffectiveSpeed returns the speed scale for a default and slow flag.
func EffectiveSpeed(defaultSpeed float64, slow bool) float64 {
	if slow {
		return defaultSpeed * SlowFactor
	}
	return defaultSpeed
}

// ComputeMotorPowers returns the clamped wheel powers for a motion.
//
// The drive angle is rotated by Pi/4 so that the forward and side components
// line up with the wheel roller axes. Both components are normalised by the
// larger of the two so a full-magnitude request always reaches full power on
// at least one wheel pair.
func ComputeMotorPowers(angle, magnitude, turn, speed float64) MotorPowers {
	leftTurn := turn
	rightTurn := -turn

	theta := angle - math.Pi/4
	forward := math.Cos(theta)
	side := math.Sin(theta)

	denom := math.Max(math.Abs(forward), math.Abs(side))
	if denom < minScaleDenominator {
		denom = minScaleDenominator
	}
	forward /= denom
	side /= denom

	var powers MotorPowers
	powers[FrontLeft] = speed * (magnitude*forward + leftTurn)
	powers[BackRight] = speed * (magnitude*forward + rightTurn)
	powers[FrontRight] = speed * (magnitude*side + rightTurn)
	powers[BackLeft] = speed * (magnitude*side + leftTurn)

	for i := range powers {
		powers[i] = clamp(minPower, maxPower, powers[i])
	}
	return powers
}

// clamp maps NaN, e.g. from an infinite magnitude times a zero component, to 0.
func clamp(minimum, maximum, val float64) float64 {
	if math.IsNaN(val) {
		return 0
	}
	return math.Min(math.Max(val, minimum), maximum)
}

// Package main is a viam module serving a mecanum base driven over CAN.
package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"mecanum/canmotor"
	"mecanum/mixer"
)

var model = resource.NewModel("mecanum", "drivetrain", "mixer")

const maxMoveDuration = time.Duration(math.MaxInt64)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("mecanumBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	registerBase()
	mecanumModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	if err := mecanumModule.AddModelFromRegistry(ctx, base.API, model); err != nil {
		return err
	}

	err = mecanumModule.Start(ctx)
	defer mecanumModule.Close(ctx)

	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// helper function to add the base's constructor and metadata to the component registry, so that we can later construct it.
func registerBase() {
	resource.RegisterComponent(
		base.API,
		model,
		resource.Registration[base.Base, *Config]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger logging.Logger,
		) (base.Base, error) {
			return newBase(ctx, conf, logger)
		}})
}

// wheelBus is the CAN side of the base. *canmotor.Bus implements it.
type wheelBus interface {
	mixer.Actuators
	Telemetry() canmotor.Telemetry
	Close(ctx context.Context) error
}

type mecanumBase struct {
	resource.Named

	mu                   sync.RWMutex
	busConf              canmotor.Config
	widthMm              float64
	wheelCircumferenceMm float64
	maxSpeedMmPerSec     float64
	maxAngularDegsPerSec float64
	geometries           []spatialmath.Geometry

	bus    wheelBus
	mixer  *mixer.Mixer
	logger logging.Logger
}

// newBase opens the CAN bus and wraps it in a mixer.
func newBase(ctx context.Context, conf resource.Config, logger logging.Logger) (base.Base, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	busConf, err := newConf.busConfig()
	if err != nil {
		return nil, err
	}
	geometries, err := parseGeometries(conf)
	if err != nil {
		return nil, err
	}

	bus, err := canmotor.Open(ctx, busConf, logger)
	if err != nil {
		return nil, err
	}

	b := newMecanumBase(conf.ResourceName(), newConf, busConf, bus, logger)
	b.geometries = geometries
	return b, nil
}

func newMecanumBase(
	name resource.Name,
	conf *Config,
	busConf canmotor.Config,
	bus wheelBus,
	logger logging.Logger,
) *mecanumBase {
	b := &mecanumBase{
		Named:   name.AsNamed(),
		busConf: busConf,
		bus:     bus,
		mixer:   mixer.New(bus, conf.defaultSpeed()),
		logger:  logger,
	}
	b.applyLimits(conf)
	return b
}

func parseGeometries(conf resource.Config) ([]spatialmath.Geometry, error) {
	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		if g := frame.Geometry(); g != nil {
			geometries = append(geometries, g)
		}
	}
	return geometries, nil
}

func (b *mecanumBase) applyLimits(conf *Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.widthMm = orDefault(conf.WidthMm, kVehicleTrackwidthMm)
	b.wheelCircumferenceMm = orDefault(conf.WheelCircumferenceMm, canmotor.WheelCircumferenceMm)
	b.maxSpeedMmPerSec = orDefault(conf.MaxSpeedMmPerSec, kMaxSpeedMmPerSec)
	b.maxAngularDegsPerSec = orDefault(conf.MaxAngularDegsPerSec, kMaxAngularDegsPerSec)
}

func (b *mecanumBase) limits() (maxSpeedMmPerSec, maxAngularDegsPerSec float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxSpeedMmPerSec, b.maxAngularDegsPerSec
}

// Reconfigure updates speed and geometry in place. Wiring changes need a
// new bus, so they rebuild the resource.
func (b *mecanumBase) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return err
	}
	busConf, err := newConf.busConfig()
	if err != nil {
		return err
	}
	b.mu.RLock()
	sameBus := busConf == b.busConf
	b.mu.RUnlock()
	if !sameBus {
		return resource.NewMustRebuildError(conf.ResourceName())
	}
	geometries, err := parseGeometries(conf)
	if err != nil {
		return err
	}

	b.applyLimits(newConf)
	b.mu.Lock()
	b.geometries = geometries
	b.mu.Unlock()
	b.mixer.SetDefaultSpeed(newConf.defaultSpeed())
	b.logger.Infow("reconfigured", "default_speed", newConf.defaultSpeed())
	return nil
}

/*
	Mecanum Base Implementation
	Every motion is mixed into four wheel powers and handed to the bus, which
	keeps publishing them until the next command.
*/

// drive picks the speed scale from extra: an explicit "speed" wins over
// "slow", and neither means the configured default.
func (b *mecanumBase) drive(ctx context.Context, req mixer.MotionRequest, extra map[string]interface{}) error {
	if speed, ok := extra["speed"].(float64); ok {
		return b.mixer.DriveAt(ctx, req, speed)
	}
	if slow, ok := extra["slow"].(bool); ok {
		return b.mixer.DriveSlow(ctx, req, slow)
	}
	return b.mixer.Drive(ctx, req)
}

// MoveStraight drives forward (or backward) for the time the distance
// takes at the requested speed, then stops. It is open loop.
func (b *mecanumBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	maxSpeed, _ := b.limits()

	angle := math.Pi / 2
	if (distanceMm < 0) != (mmPerSec < 0) {
		angle = -math.Pi / 2
	}
	// time the move on the speed actually applied
	speed := math.Min(math.Abs(mmPerSec), maxSpeed)
	req := mixer.MotionRequest{
		Angle:     angle,
		Magnitude: speed / maxSpeed,
	}
	seconds := math.Abs(float64(distanceMm)) / speed
	return b.timedMove(ctx, req, seconds)
}

// Spin turns in place for the time the angle takes at the requested rate.
// Positive angles are counter-clockwise.
func (b *mecanumBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	_, maxAngular := b.limits()

	rate := math.Min(math.Abs(degsPerSec), maxAngular)
	turn := rate / maxAngular
	if (angleDeg < 0) == (degsPerSec < 0) {
		turn = -turn
	}
	seconds := math.Abs(angleDeg) / rate
	return b.timedMove(ctx, mixer.MotionRequest{Turn: turn}, seconds)
}

func (b *mecanumBase) timedMove(ctx context.Context, req mixer.MotionRequest, seconds float64) error {
	if err := b.mixer.DriveAt(ctx, req, 1); err != nil {
		return err
	}
	defer func() {
		// ctx may already be cancelled here
		if err := b.mixer.Stop(context.Background()); err != nil {
			b.logger.Errorw("stop after timed move failed", "error", err)
		}
	}()

	if !goutils.SelectContextOrWait(ctx, moveDuration(seconds)) {
		return ctx.Err()
	}
	return nil
}

// moveDuration converts seconds to a duration, saturating instead of
// overflowing for very long moves.
func moveDuration(seconds float64) time.Duration {
	if seconds >= float64(maxMoveDuration)/float64(time.Second) {
		return maxMoveDuration
	}
	return time.Duration(seconds * float64(time.Second))
}

// SetPower sets the linear and angular [-1, 1] drive power. linear.X
// strafes right, linear.Y drives forward, angular.Z turns counter-clockwise.
func (b *mecanumBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.logger.Debugw("SetPower",
		"linear.X", linear.X,
		"linear.Y", linear.Y,
		"angular.Z", angular.Z,
	)
	b.warnNonPlanar(linear, angular)

	return b.drive(ctx, mixer.MotionFromVector(linear.X, linear.Y, -angular.Z), extra)
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity
// as a fraction of the configured maximums.
func (b *mecanumBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnNonPlanar(linear, angular)
	maxSpeed, maxAngular := b.limits()

	req := mixer.MotionFromVector(linear.X/maxSpeed, linear.Y/maxSpeed, -angular.Z/maxAngular)
	return b.mixer.DriveAt(ctx, req, 1)
}

// Some vector components do not apply to a 2D base
func (b *mecanumBase) warnNonPlanar(linear, angular r3.Vector) {
	if 0 != linear.Z {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if 0 != angular.X {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if 0 != angular.Y {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

// Stop stops the base. It is assumed the base stops immediately.
func (b *mecanumBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	return b.mixer.Stop(ctx)
}

func (b *mecanumBase) IsMoving(ctx context.Context) (bool, error) {
	return !b.mixer.LastPowers().IsZero(), nil
}

func (b *mecanumBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return base.Properties{
		WidthMeters:              b.widthMm / 1000.0,
		WheelCircumferenceMeters: b.wheelCircumferenceMm / 1000.0,
	}, nil
}

func (b *mecanumBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.geometries, nil
}

// DoCommand exposes the mixer directly: drive with an explicit angle,
// change the default speed, and read back powers and telemetry.
func (b *mecanumBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "drive":
		var req mixer.MotionRequest
		for key, dst := range map[string]*float64{
			"angle":     &req.Angle,
			"magnitude": &req.Magnitude,
			"turn":      &req.Turn,
		} {
			raw, ok := cmd[key]
			if !ok {
				continue
			}
			v, ok := raw.(float64)
			if !ok {
				return nil, errors.Errorf("%s value must be a number but is type %T", key, raw)
			}
			*dst = v
		}
		if err := b.drive(ctx, req, cmd); err != nil {
			return nil, err
		}
		return map[string]interface{}{"powers": powersMap(b.mixer.LastPowers())}, nil

	case "set_speed":
		speedRaw, ok := cmd["speed"]
		if !ok {
			return nil, errors.New("speed must be set to a float")
		}
		speed, ok := speedRaw.(float64)
		if !ok {
			return nil, errors.New("speed value must be a float")
		}
		if err := validateDefaultSpeed(speed); err != nil {
			return nil, err
		}
		b.mixer.SetDefaultSpeed(speed)
		return map[string]interface{}{"return": fmt.Sprintf("set_speed command processed: %f", speed)}, nil

	case "get_powers":
		return map[string]interface{}{"powers": powersMap(b.mixer.LastPowers())}, nil

	case "get_telemetry":
		telem := b.bus.Telemetry()
		return map[string]interface{}{
			"state_of_charge": telem.StateOfCharge,
			"default_speed":   b.mixer.DefaultSpeed(),
		}, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func powersMap(powers mixer.MotorPowers) map[string]interface{} {
	out := make(map[string]interface{}, mixer.NumChannels)
	for _, ch := range mixer.Channels() {
		out[ch.String()] = powers[ch]
	}
	return out
}

// Close stops the wheels and releases the bus.
func (b *mecanumBase) Close(ctx context.Context) error {
	if err := b.mixer.Stop(ctx); err != nil {
		b.logger.Errorw("close stop failed", "error", err)
	}
	return b.bus.Close(ctx)
}

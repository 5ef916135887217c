// Package canmotor drives four mecanum wheel controllers over SocketCAN.
package canmotor

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"mecanum/mixer"
)

const (
	kCanIdTelemBatteryStateId uint32 = 0x251

	kTelemUnknown = -1.0
)

// ErrClosed is returned when a power is set on a closed bus.
var ErrClosed = errors.New("can bus closed")

// Sender transmits a single CAN frame. *canbus.Socket satisfies it.
type Sender interface {
	Send(msg canbus.Frame) (int, error)
}

// Telemetry is the most recent state reported by the base.
type Telemetry struct {
	// StateOfCharge in percent, -1 until the battery reports.
	StateOfCharge float64
}

// Bus implements mixer.Actuators on top of a CAN socket. Every wheel
// command is sent once immediately and then repeated by a publishing loop,
// since the controllers stop on their own when the bus goes quiet.
type Bus struct {
	cfg    Config
	logger logging.Logger

	tx Sender
	rx *canbus.Socket

	nextFrameCh chan canbus.Frame
	done        <-chan struct{}

	telemetryLock sync.RWMutex
	telemetry     Telemetry

	activeBackgroundWorkers sync.WaitGroup
	cancel                  func()
	closeOnce               sync.Once
	closeErr                error
}

var _ mixer.Actuators = (*Bus)(nil)

// Open binds send and receive sockets on cfg.Channel and starts the
// publishing and telemetry loops.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating send socket")
	}
	if err := socketSend.Bind(cfg.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", cfg.Channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "creating receive socket"), socketSend.Close())
	}
	err = socketRecv.SetFilters([]unix.CanFilter{
		{Id: kCanIdTelemBatteryStateId, Mask: unix.CAN_SFF_MASK},
	})
	if err == nil {
		err = socketRecv.Bind(cfg.Channel)
	}
	if err != nil {
		return nil, multierr.Combine(
			errors.Wrapf(err, "binding receive socket on %s", cfg.Channel),
			socketRecv.Close(),
			socketSend.Close(),
		)
	}

	b := newBus(cfg, logger, socketSend)
	b.rx = socketRecv
	b.start()

	logger.Infow("can bus open", "channel", cfg.Channel)
	return b, nil
}

// newBus returns an unstarted bus sending on tx.
func newBus(cfg Config, logger logging.Logger, tx Sender) *Bus {
	return &Bus{
		cfg:         cfg,
		logger:      logger,
		tx:          tx,
		nextFrameCh: make(chan canbus.Frame),
		telemetry:   Telemetry{StateOfCharge: kTelemUnknown},
	}
}

func (b *Bus) start() {
	cancelCtx, cancel := context.WithCancel(context.Background())
	b.done = cancelCtx.Done()
	b.cancel = cancel

	b.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		b.publishThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)

	// Recv blocks in a read on the raw socket and closing the fd does not
	// wake it, so the receive loop is not waited on. It exits on the next
	// frame or error after Close.
	if b.rx != nil {
		viamutils.PanicCapturingGo(func() {
			b.receiveThread(cancelCtx)
		})
	}
}

// SetPower commands the wheel behind ch. Power is in [-1, 1] and is
// reversed for inverted channels before conversion to rpm.
func (b *Bus) SetPower(ctx context.Context, ch mixer.Channel, power float64) error {
	if ch < 0 || int(ch) >= mixer.NumChannels {
		return errors.Errorf("unknown channel %d", ch)
	}
	if b.cfg.Inverted[ch] {
		power = -power
	}
	frame := speedCommand(power, b.cfg.MaxRPM, b.cfg.CurrentLimit).toFrame(b.cfg.IDs[ch])
	return b.setNextFrame(ctx, frame)
}

func (b *Bus) setNextFrame(ctx context.Context, frame canbus.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	case b.nextFrameCh <- frame:
	}
	return nil
}

// Telemetry returns the latest telemetry received from the base.
func (b *Bus) Telemetry() Telemetry {
	b.telemetryLock.RLock()
	defer b.telemetryLock.RUnlock()
	return b.telemetry
}

// Close stops the loops, disables every wheel and releases the sockets.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.activeBackgroundWorkers.Wait()

		var err error
		if b.rx != nil {
			err = multierr.Append(err, b.rx.Close())
		}

		for _, ch := range mixer.Channels() {
			frame := disableCommand(b.cfg.CurrentLimit).toFrame(b.cfg.IDs[ch])
			if _, sendErr := b.tx.Send(frame); sendErr != nil {
				err = multierr.Append(err, errors.Wrapf(sendErr, "disabling %s", ch))
			}
		}
		if c, ok := b.tx.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
		b.closeErr = err
	})
	return b.closeErr
}

// publishThread sends new wheel frames as they arrive and repeats the
// latest frame for every wheel each publish interval.
func (b *Bus) publishThread(ctx context.Context) {
	p := newPublisher(b.cfg, time.Now())
	ticker := time.NewTicker(b.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.nextFrameCh:
			if !p.handle(frame, time.Now()) {
				b.logger.Warnw("dropping frame for unknown can id", "id", frame.ID)
				continue
			}
			if _, err := b.tx.Send(frame); err != nil {
				b.logger.Errorw("wheel command send error", "id", frame.ID, "error", err)
			}
		case now := <-ticker.C:
			p.flush(b.tx, now, b.logger)
		}
	}
}

// receiveThread receives telemetry frames until ctx is done.
func (b *Bus) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := b.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Errorw("CAN Rx error", "error", err)
			if !viamutils.SelectContextOrWait(ctx, b.cfg.PublishInterval) {
				return
			}
			continue
		}
		b.handleTelemetry(frame)
	}
}

func (b *Bus) handleTelemetry(frame canbus.Frame) {
	switch frame.ID {
	case kCanIdTelemBatteryStateId:
		soc, err := canSignalBatteryStateOfCharge.extract(frame.Data)
		if err != nil {
			b.logger.Debugw("bad battery state frame", "error", err)
			return
		}
		b.telemetryLock.Lock()
		b.telemetry.StateOfCharge = soc
		b.telemetryLock.Unlock()
	}
}

// publisher holds the latest frame for each wheel and the comms fail-safe.
type publisher struct {
	cfg      Config
	frames   [mixer.NumChannels]canbus.Frame
	deadline time.Time
	timedOut bool
}

func newPublisher(cfg Config, now time.Time) *publisher {
	p := &publisher{cfg: cfg, deadline: now.Add(cfg.CommsTimeout)}
	p.zero()
	return p
}

func (p *publisher) zero() {
	for _, ch := range mixer.Channels() {
		p.frames[ch] = speedCommand(0, p.cfg.MaxRPM, p.cfg.CurrentLimit).toFrame(p.cfg.IDs[ch])
	}
}

// handle stores frame as the latest command for its wheel and reports
// whether the frame belongs to a known wheel.
func (p *publisher) handle(frame canbus.Frame, now time.Time) bool {
	for _, ch := range mixer.Channels() {
		if p.cfg.IDs[ch] == frame.ID {
			p.frames[ch] = frame
			p.deadline = now.Add(p.cfg.CommsTimeout)
			p.timedOut = false
			return true
		}
	}
	return false
}

// flush sends the latest frame of every wheel in channel order, zeroing
// them first if the comms timeout has passed.
func (p *publisher) flush(tx Sender, now time.Time, logger logging.Logger) {
	if p.cfg.CommsTimeout > 0 && !p.timedOut && now.After(p.deadline) {
		logger.Warnw("no wheel command received, stopping", "timeout", p.cfg.CommsTimeout)
		p.zero()
		p.timedOut = true
	}
	for _, ch := range mixer.Channels() {
		if _, err := tx.Send(p.frames[ch]); err != nil {
			logger.Errorw("wheel command send error", "wheel", ch.String(), "error", err)
		}
	}
}

package canmotor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/canbus"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"mecanum/mixer"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []canbus.Frame
	err    error
}

func (f *fakeSender) Send(msg canbus.Frame) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return len(msg.Data), f.err
}

func (f *fakeSender) sent() []canbus.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]canbus.Frame(nil), f.frames...)
}

func frameRPM(frame canbus.Frame) int16 {
	raw := uint16(frame.Data[1]) | uint16(frame.Data[2]&0x0F)<<8
	return int16(raw<<4) >> 4
}

func frameState(frame canbus.Frame) byte {
	return frame.Data[0] & 0x0F
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Channel = "vcan0"
	cfg.MaxRPM = 100
	cfg.PublishInterval = time.Hour
	return cfg
}

func TestWheelCommandToFrame(t *testing.T) {
	cmd := wheelCommand{
		state:   wheelStates[wheelStateEnable],
		mode:    wheelModes[wheelModeRelative],
		rpm:     0x123,
		current: 0x5A7,
		encoder: 0x01020304,
	}
	frame := cmd.toFrame(0x22A)

	test.That(t, frame.ID, test.ShouldEqual, uint32(0x22A))
	test.That(t, frame.Kind, test.ShouldEqual, canbus.EFF)
	test.That(t, frame.Data, test.ShouldResemble, []byte{0x21, 0x23, 0x71, 0x5A, 0x04, 0x03, 0x02, 0x01})
}

func TestNegativeRPMRoundTrip(t *testing.T) {
	frame := speedCommand(-0.5, 100, kLimitCurrentMax).toFrame(0x22C)
	test.That(t, frameRPM(frame), test.ShouldEqual, int16(-50))
	// current nibble must survive a negative rpm
	test.That(t, frame.Data[2]>>4, test.ShouldEqual, byte(kLimitCurrentMax))
}

func TestSpeedCommand(t *testing.T) {
	cmd := speedCommand(1, 87.4, 5)
	test.That(t, cmd.rpm, test.ShouldEqual, int16(87))
	test.That(t, cmd.state, test.ShouldEqual, wheelStates[wheelStateEnable])
	test.That(t, cmd.mode, test.ShouldEqual, wheelModes[wheelModeSpeed])

	cmd = speedCommand(-1, 5000, 5)
	test.That(t, cmd.rpm, test.ShouldEqual, int16(-kRpmFieldMax))
}

func TestSignalExtract(t *testing.T) {
	soc, err := canSignalBatteryStateOfCharge.extract([]byte{0xE8, 0x03})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, soc, test.ShouldAlmostEqual, 100.0)

	signed := canSignal{scale: 1, start: 4, length: 8, littleEndian: true, signed: true}
	v, err := signed.extract([]byte{0xF0, 0x0F})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, -1.0)

	bigEndian := canSignal{scale: 0.5, offset: 1, start: 0, length: 16}
	v, err = bigEndian.extract([]byte{0x01, 0x00})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 129.0)

	_, err = canSignal{start: 8, length: 16}.extract([]byte{0x00, 0x00})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = canSignal{length: 40}.extract(make([]byte, 8))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
	test.That(t, DefaultConfig().MaxRPM, test.ShouldAlmostEqual, kLimitSpeedMaxRpm)

	cfg := DefaultConfig()
	cfg.Channel = ""
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.IDs[mixer.BackLeft] = cfg.IDs[mixer.FrontLeft]
	test.That(t, cfg.Validate().Error(), test.ShouldContainSubstring, "used by both")

	cfg = DefaultConfig()
	cfg.IDs[mixer.FrontRight] = 0
	test.That(t, cfg.Validate().Error(), test.ShouldContainSubstring, "front-right")

	cfg = DefaultConfig()
	cfg.MaxRPM = kRpmFieldMax + 1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.CurrentLimit = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestPublisherFailSafe(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := testConfig()
	cfg.CommsTimeout = time.Second
	start := time.Now()
	p := newPublisher(cfg, start)

	drive := speedCommand(0.5, cfg.MaxRPM, cfg.CurrentLimit).toFrame(cfg.IDs[mixer.FrontLeft])
	test.That(t, p.handle(drive, start), test.ShouldBeTrue)
	test.That(t, p.handle(canbus.Frame{ID: 0x7FF}, start), test.ShouldBeFalse)

	tx := &fakeSender{}
	p.flush(tx, start.Add(500*time.Millisecond), logger)
	frames := tx.sent()
	test.That(t, frames, test.ShouldHaveLength, mixer.NumChannels)
	test.That(t, frameRPM(frames[mixer.FrontLeft]), test.ShouldEqual, int16(50))

	tx = &fakeSender{}
	p.flush(tx, start.Add(2*time.Second), logger)
	for i, frame := range tx.sent() {
		test.That(t, frame.ID, test.ShouldEqual, cfg.IDs[i])
		test.That(t, frameRPM(frame), test.ShouldEqual, int16(0))
	}

	// a fresh command clears the fail-safe
	test.That(t, p.handle(drive, start.Add(3*time.Second)), test.ShouldBeTrue)
	tx = &fakeSender{}
	p.flush(tx, start.Add(3*time.Second), logger)
	test.That(t, frameRPM(tx.sent()[mixer.FrontLeft]), test.ShouldEqual, int16(50))
}

func TestPublisherNoTimeout(t *testing.T) {
	cfg := testConfig()
	start := time.Now()
	p := newPublisher(cfg, start)
	drive := speedCommand(1, cfg.MaxRPM, cfg.CurrentLimit).toFrame(cfg.IDs[mixer.BackLeft])
	p.handle(drive, start)

	tx := &fakeSender{}
	p.flush(tx, start.Add(time.Hour), logging.NewTestLogger(t))
	test.That(t, frameRPM(tx.sent()[mixer.BackLeft]), test.ShouldEqual, int16(100))
}

func TestBusSetPowerPolarity(t *testing.T) {
	ctx := context.Background()
	tx := &fakeSender{}
	b := newBus(testConfig(), logging.NewTestLogger(t), tx)
	b.start()

	for _, ch := range mixer.Channels() {
		test.That(t, b.SetPower(ctx, ch, 0.5), test.ShouldBeNil)
	}
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	frames := tx.sent()
	test.That(t, frames, test.ShouldHaveLength, 2*mixer.NumChannels)
	cfg := testConfig()
	for i, ch := range mixer.Channels() {
		test.That(t, frames[i].ID, test.ShouldEqual, cfg.IDs[ch])
		want := int16(50)
		if ch == mixer.BackRight {
			want = -50
		}
		test.That(t, frameRPM(frames[i]), test.ShouldEqual, want)
	}
	for _, frame := range frames[mixer.NumChannels:] {
		test.That(t, frameState(frame), test.ShouldEqual, wheelStates[wheelStateDisable])
	}
}

func TestBusWithMixer(t *testing.T) {
	ctx := context.Background()
	tx := &fakeSender{}
	b := newBus(testConfig(), logging.NewTestLogger(t), tx)
	b.start()

	m := mixer.New(b, 1)
	test.That(t, m.Drive(ctx, mixer.MotionRequest{Angle: 0, Magnitude: 1}), test.ShouldBeNil)
	test.That(t, m.Stop(ctx), test.ShouldBeNil)
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	frames := tx.sent()
	// strafe: +,-,-,+ with the back right wheel reversed on the wire
	want := []int16{100, -100, -100, -100, 0, 0, 0, 0}
	for i, rpm := range want {
		test.That(t, frameRPM(frames[i]), test.ShouldEqual, rpm)
	}
}

func TestBusClosed(t *testing.T) {
	ctx := context.Background()
	b := newBus(testConfig(), logging.NewTestLogger(t), &fakeSender{})
	b.start()
	test.That(t, b.Close(ctx), test.ShouldBeNil)
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	err := b.SetPower(ctx, mixer.FrontLeft, 1)
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}

func TestBusCloseReportsSendErrors(t *testing.T) {
	sendErr := errors.New("bus off")
	b := newBus(testConfig(), logging.NewTestLogger(t), &fakeSender{err: sendErr})
	b.start()
	err := b.Close(context.Background())
	test.That(t, errors.Is(err, sendErr), test.ShouldBeTrue)
}

func TestBusUnknownChannel(t *testing.T) {
	b := newBus(testConfig(), logging.NewTestLogger(t), &fakeSender{})
	err := b.SetPower(context.Background(), mixer.Channel(7), 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestHandleTelemetry(t *testing.T) {
	b := newBus(testConfig(), logging.NewTestLogger(t), &fakeSender{})
	test.That(t, b.Telemetry().StateOfCharge, test.ShouldEqual, kTelemUnknown)

	b.handleTelemetry(canbus.Frame{ID: kCanIdTelemBatteryStateId, Data: []byte{0x6F, 0x02}})
	test.That(t, b.Telemetry().StateOfCharge, test.ShouldAlmostEqual, 62.3)

	// short payloads are ignored
	b.handleTelemetry(canbus.Frame{ID: kCanIdTelemBatteryStateId, Data: []byte{0x01}})
	test.That(t, b.Telemetry().StateOfCharge, test.ShouldAlmostEqual, 62.3)
	test.That(t, math.IsNaN(b.Telemetry().StateOfCharge), test.ShouldBeFalse)
}

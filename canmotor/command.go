package canmotor

import (
	"encoding/binary"
	"math"

	"github.com/go-daq/canbus"
)

const (
	wheelStateDisable   = "disable"
	wheelStateEnable    = "enable"
	wheelStateResetErr  = "resetError"
	wheelStateResetPos  = "resetPosition"
	wheelStateResetCal  = "resetCalibration"
	wheelStateCalSensor = "calibrateSensor"

	wheelModeSpeed    = "speed"
	wheelModeAbsolute = "absolute"
	wheelModeRelative = "relative"
	wheelModeCurrent  = "current"

	// rpm and current are 12 bit fields in the command frame
	kRpmFieldMax     = 1<<11 - 1
	kCurrentFieldMax = 1<<12 - 1
)

var (
	wheelStates = map[string]byte{
		wheelStateDisable:   0x00,
		wheelStateEnable:    0x01,
		wheelStateResetErr:  0x02,
		wheelStateResetPos:  0x03,
		wheelStateResetCal:  0x04,
		wheelStateCalSensor: 0x05,
	}
	wheelModes = map[string]byte{
		wheelModeSpeed:    0x00,
		wheelModeAbsolute: 0x01,
		wheelModeRelative: 0x02,
		wheelModeCurrent:  0x03,
	}
)

type wheelCommand struct {
	state   byte
	mode    byte
	rpm     int16
	current int16
	encoder int32
}

// speedCommand returns an enabled speed-mode command for a power in [-1, 1].
func speedCommand(power, maxRPM float64, current int16) wheelCommand {
	rpm := math.Round(power * maxRPM)
	rpm = math.Min(math.Max(rpm, -kRpmFieldMax), kRpmFieldMax)
	return wheelCommand{
		state:   wheelStates[wheelStateEnable],
		mode:    wheelModes[wheelModeSpeed],
		rpm:     int16(rpm),
		current: current,
	}
}

func disableCommand(current int16) wheelCommand {
	return wheelCommand{
		state:   wheelStates[wheelStateDisable],
		mode:    wheelModes[wheelModeSpeed],
		current: current,
	}
}

// toFrame packs the command into an extended CAN frame:
//
//	byte 0    state (low nibble), mode (high nibble)
//	byte 1-2  rpm, 12 bit signed
//	byte 2-3  current, 12 bit, starting at bit 20
//	byte 4-7  encoder target, little endian
func (cmd wheelCommand) toFrame(canID uint32) canbus.Frame {
	frame := canbus.Frame{
		ID:   canID,
		Data: make([]byte, 8),
		Kind: canbus.EFF,
	}
	frame.Data[0] = (cmd.state & 0x0F) | ((cmd.mode & 0x0F) << 4)
	frame.Data[1] = byte(cmd.rpm & 0xFF)
	frame.Data[2] = byte((cmd.rpm>>8)&0x0F) | byte((cmd.current&0x0F)<<4)
	frame.Data[3] = byte((cmd.current >> 4) & 0xFF)
	binary.LittleEndian.PutUint32(frame.Data[4:8], uint32(cmd.encoder))
	return frame
}

package canmotor

import (
	"github.com/pkg/errors"
)

const kNumBitsPerByte = 8

// canSignal describes a scalar packed into a CAN payload.
type canSignal struct {
	scale        float64
	offset       float64
	start        uint8 // least significant bit
	length       uint8 // in bits, at most 32
	littleEndian bool
	signed       bool
}

var canSignalBatteryStateOfCharge = canSignal{scale: 0.1, start: 0, length: 16, littleEndian: true}

// extract decodes the signal from data. Bytes covered by the signal are
// joined in payload order for little endian signals and reverse order
// otherwise, then shifted down to the start bit.
func (s canSignal) extract(data []byte) (float64, error) {
	if s.length == 0 || s.length > 32 {
		return 0, errors.Errorf("unsupported signal length %d", s.length)
	}
	msb := int(s.start) + int(s.length) - 1
	byteStart := int(s.start) / kNumBitsPerByte
	byteStop := msb / kNumBitsPerByte
	if byteStop >= len(data) {
		return 0, errors.Errorf("signal ends in byte %d but payload has %d bytes", byteStop, len(data))
	}

	var raw uint64
	for i := byteStart; i <= byteStop; i++ {
		shift := i - byteStart
		if !s.littleEndian {
			shift = byteStop - i
		}
		raw |= uint64(data[i]) << (shift * kNumBitsPerByte)
	}
	raw >>= int(s.start) - byteStart*kNumBitsPerByte
	raw &= 1<<s.length - 1

	var value float64
	if s.signed && raw&(1<<(s.length-1)) != 0 {
		value = float64(int64(raw | ^uint64(0)<<s.length))
	} else {
		value = float64(raw)
	}
	return value*s.scale + s.offset, nil
}

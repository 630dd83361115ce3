package gt06

import (
	"encoding/binary"
	"errors"

	"nuha.dev/gpsrelay/internal/util/crc16"
)

const (
	startByte byte = 0x78
	stopCR    byte = 0x0D
	stopLF    byte = 0x0A

	// frame size is the length field + 5 (start marker, length byte, stop marker)
	frameOverhead = 5
	// protocol number + serial + crc
	minLength = 5
	ackLength = 10
)

var (
	ErrNeedMoreData = errors.New("gt06: need more data")
	ErrCorrupt      = errors.New("gt06: corrupt frame")
	ErrNotDecodable = errors.New("gt06: payload not decodable")
)

type Frame struct {
	Protocol byte
	Length   int // value of the length field
	Payload  []byte
	Serial   uint16
	CRC      uint16
	Raw      []byte
}

// ChecksumOK reports whether the crc slot matches the X25 checksum of len..serial.
// Device frames are not rejected on mismatch, some firmwares fill it with garbage.
func (f *Frame) ChecksumOK() bool {
	if len(f.Raw) < ackLength {
		return false
	}
	return crc16.Checksum(crc16.X25, f.Raw[2:len(f.Raw)-4]) == f.CRC
}

// DecodeFrame slices the first frame out of buf. The returned frame references buf,
// callers that keep it past the next buffer mutation must copy.
func DecodeFrame(buf []byte) (Frame, int, error) {
	var f Frame
	if len(buf) >= 1 && buf[0] != startByte {
		return f, 0, ErrCorrupt
	}
	if len(buf) >= 2 && buf[1] != startByte {
		return f, 0, ErrCorrupt
	}
	if len(buf) < 3 {
		return f, 0, ErrNeedMoreData
	}
	length := int(buf[2])
	if length < minLength {
		return f, 0, ErrCorrupt
	}
	frameLength := length + frameOverhead
	if len(buf) < frameLength {
		return f, 0, ErrNeedMoreData
	}
	if buf[frameLength-2] != stopCR || buf[frameLength-1] != stopLF {
		return f, 0, ErrCorrupt
	}
	//var_buf starts at protocol number
	varBuf := buf[3:frameLength]
	f.Length = length
	f.Protocol = varBuf[0]
	f.Payload = varBuf[1 : length-4]
	f.Serial = binary.BigEndian.Uint16(varBuf[length-4 : length-2])
	f.CRC = binary.BigEndian.Uint16(varBuf[length-2 : length])
	f.Raw = buf[:frameLength]
	return f, frameLength, nil
}

func newFrame(protocol byte, payload []byte, serial uint16) []byte {
	lp := len(payload)
	lf := lp + ackLength
	frame := make([]byte, lf)
	frame[0] = startByte
	frame[1] = startByte
	frame[2] = byte(lp + minLength)
	frame[3] = protocol
	copy(frame[4:], payload)
	binary.BigEndian.PutUint16(frame[lf-6:lf-4], serial)
	crc := crc16.Checksum(crc16.X25, frame[2:lf-4])
	binary.BigEndian.PutUint16(frame[lf-4:lf-2], crc)
	frame[lf-2] = stopCR
	frame[lf-1] = stopLF
	return frame
}

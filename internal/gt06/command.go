package gt06

import (
	"encoding/binary"
	"strconv"
	"sync/atomic"
)

// MinInterval is the lowest upload interval a tracker is ever asked for, in seconds.
const MinInterval = 10

type AckKind int

const (
	AckLogin AckKind = iota
	AckLocation
	AckStatus
)

func (k AckKind) protocol() byte {
	switch k {
	case AckLocation:
		return gt06GPS
	case AckStatus:
		return statusInformation
	default:
		return LoginMessage
	}
}

// EncodeAck returns the 10 byte acknowledgement for kind echoing serial.
func EncodeAck(kind AckKind, serial uint16) []byte {
	return newFrame(kind.protocol(), []byte{}, serial)
}

// EncodeAckFor acknowledges a received frame echoing its own protocol number,
// so 0x22/0x23 variants get a matching answer.
func EncodeAckFor(protocol byte, serial uint16) []byte {
	return newFrame(protocol, []byte{}, serial)
}

// EncodeCommand wraps an ascii command in a server command frame:
// flags(4) + ascii, then serial and X25 crc over length..serial.
func EncodeCommand(cmd string, serial uint16, flags uint32) []byte {
	payload := make([]byte, 4+len(cmd))
	binary.BigEndian.PutUint32(payload[:4], flags)
	copy(payload[4:], cmd)
	return newFrame(serverCommand, payload, serial)
}

// CommandText extracts the ascii command of a server command frame.
func CommandText(f Frame) (string, uint32, bool) {
	if f.Protocol != serverCommand || len(f.Payload) < 4 {
		return "", 0, false
	}
	return string(f.Payload[4:]), binary.BigEndian.Uint32(f.Payload[:4]), true
}

func TimerCommand(seconds int) string {
	if seconds < MinInterval {
		seconds = MinInterval
	}
	return "TIMER," + strconv.Itoa(seconds) + "#"
}

func SleepCommand(on bool) string {
	if on {
		return "SLEEP,ON#"
	}
	return "SLEEP,OFF#"
}

// GenerateTimerCommand encodes a TIMER command frame, the interval is clamped to MinInterval.
func GenerateTimerCommand(seconds int, serial uint16) []byte {
	return EncodeCommand(TimerCommand(seconds), serial, uint32(serial))
}

var commandSerial uint32

// NextSerial returns the next outbound command serial, shared by every connection.
// It wraps at 65536.
func NextSerial() uint16 {
	return uint16(atomic.AddUint32(&commandSerial, 1))
}

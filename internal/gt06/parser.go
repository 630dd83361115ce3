package gt06

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/phuslu/log"
)

const (
	LoginMessage byte = 0x01

	gt06GPS           byte = 0x12
	statusInformation byte = 0x13
	gk310GPS          byte = 0x22
	gk310Status       byte = 0x23
	serverCommand     byte = 0x80
)

const (
	coordScale = 1800000

	loginPayloadLen    = 8
	locationPayloadMin = 18
	statusPayloadMin   = 3

	flagPositioned = 0x1000
	flagWest       = 0x0800
	flagNorth      = 0x0400
	headingMask    = 0x03FF
)

var batteryTable = [8]int{0, 5, 10, 25, 50, 75, 100, 100}

var signalTable = [16]int{0, 25, 50, 75, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}

// Identity is the tracker IMEI, decimal digits only.
type Identity string

type LocationEvent struct {
	Identity   Identity
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	Speed      int // km/h
	Heading    int
	SatCount   int
	Positioned bool
}

func (l *LocationEvent) MarshalObject(e *log.Entry) {
	e.Str("imei", string(l.Identity)).Float64("lat", l.Latitude).Float64("lon", l.Longitude).Int("speed", l.Speed).Int("heading", l.Heading).Time("gps_time", l.Timestamp)
}

type StatusEvent struct {
	Identity Identity
	Battery  int // percent
	Charging bool
	Signal   int // percent
}

func (s *StatusEvent) MarshalObject(e *log.Entry) {
	e.Str("imei", string(s.Identity)).Int("battery", s.Battery).Bool("charging", s.Charging).Int("signal", s.Signal)
}

func IsLocation(protocol byte) bool {
	return protocol == gt06GPS || protocol == gk310GPS
}

func IsStatus(protocol byte) bool {
	return protocol == statusInformation || protocol == gk310Status
}

// DecodeLogin unpacks the BCD identity. The 16 digit field is left padded with one
// digit that is dropped, a 14 digit identity is additionally right padded with 0xF.
func DecodeLogin(f Frame) (Identity, error) {
	if f.Protocol != LoginMessage || len(f.Payload) < loginPayloadLen {
		return "", ErrNotDecodable
	}
	digits := make([]byte, 0, 2*loginPayloadLen)
	for _, b := range f.Payload[:loginPayloadLen] {
		digits = append(digits, b>>4, b&0x0F)
	}
	if digits[len(digits)-1] == 0x0F {
		digits = digits[:len(digits)-1]
	}
	var sb strings.Builder
	for _, d := range digits[1:] {
		if d > 9 {
			return "", ErrNotDecodable
		}
		sb.WriteByte('0' + d)
	}
	return Identity(sb.String()), nil
}

// EncodeLogin builds a login frame for identity, the inverse of DecodeLogin.
func EncodeLogin(id Identity, serial uint16) ([]byte, error) {
	s := string(id)
	if len(s) != 14 && len(s) != 15 {
		return nil, fmt.Errorf("identity must be 14 or 15 digits, got %d", len(s))
	}
	digits := "0" + s
	if len(digits) == 15 {
		digits += "F"
	}
	payload := make([]byte, loginPayloadLen)
	for i := 0; i < loginPayloadLen; i++ {
		hi, lo := digits[2*i], digits[2*i+1]
		if hi < '0' || hi > '9' || ((lo < '0' || lo > '9') && !(i == loginPayloadLen-1 && lo == 'F')) {
			return nil, fmt.Errorf("identity must be decimal: %q", s)
		}
		var l byte = 0x0F
		if lo != 'F' {
			l = lo - '0'
		}
		payload[i] = (hi-'0')<<4 | l
	}
	return newFrame(LoginMessage, payload, serial), nil
}

func fromBCD(b byte) (int, bool) {
	hi, lo := b>>4, b&0x0F
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return int(hi)*10 + int(lo), true
}

func toBCD(v int) byte {
	return byte((v/10)%10)<<4 | byte(v%10)
}

func parseDateTime(d []byte) (time.Time, error) {
	var f [6]int
	for i := range f {
		v, ok := fromBCD(d[i])
		if !ok {
			return time.Time{}, ErrNotDecodable
		}
		f[i] = v
	}
	if f[1] < 1 || f[1] > 12 || f[2] < 1 || f[2] > 31 || f[3] > 23 || f[4] > 59 || f[5] > 59 {
		return time.Time{}, ErrNotDecodable
	}
	return time.Date(f[0]+2000, time.Month(f[1]), f[2], f[3], f[4], f[5], 0, time.UTC), nil
}

func DecodeLocation(f Frame, id Identity) (LocationEvent, error) {
	m := LocationEvent{Identity: id}
	d := f.Payload
	if !IsLocation(f.Protocol) || len(d) < locationPayloadMin {
		return m, ErrNotDecodable
	}
	ts, err := parseDateTime(d[0:6])
	if err != nil {
		return m, err
	}
	m.Timestamp = ts
	m.SatCount = int(d[6] & 0x0F)
	lat := float64(binary.BigEndian.Uint32(d[7:11])) / coordScale
	lon := float64(binary.BigEndian.Uint32(d[11:15])) / coordScale
	if lat > 90 || lon > 180 {
		return m, ErrNotDecodable
	}
	m.Speed = int(d[15])
	cs := binary.BigEndian.Uint16(d[16:18])
	if cs&flagNorth != 0 {
		m.Latitude = lat
	} else {
		m.Latitude = -lat
	}
	if cs&flagWest != 0 {
		m.Longitude = -lon
	} else {
		m.Longitude = lon
	}
	m.Positioned = cs&flagPositioned != 0
	m.Heading = int(cs & headingMask)
	return m, nil
}

// EncodeLocation builds a 0x12 frame carrying ev, hemisphere bits follow the coordinate signs.
func EncodeLocation(ev LocationEvent, serial uint16) []byte {
	t := ev.Timestamp.UTC()
	payload := make([]byte, locationPayloadMin)
	payload[0] = toBCD(t.Year() - 2000)
	payload[1] = toBCD(int(t.Month()))
	payload[2] = toBCD(t.Day())
	payload[3] = toBCD(t.Hour())
	payload[4] = toBCD(t.Minute())
	payload[5] = toBCD(t.Second())
	payload[6] = 0xC0 | byte(ev.SatCount&0x0F)
	binary.BigEndian.PutUint32(payload[7:11], uint32(math.Round(math.Abs(ev.Latitude)*coordScale)))
	binary.BigEndian.PutUint32(payload[11:15], uint32(math.Round(math.Abs(ev.Longitude)*coordScale)))
	payload[15] = byte(ev.Speed)
	cs := uint16(ev.Heading) & headingMask
	if ev.Positioned {
		cs |= flagPositioned
	}
	if ev.Latitude >= 0 {
		cs |= flagNorth
	}
	if ev.Longitude < 0 {
		cs |= flagWest
	}
	binary.BigEndian.PutUint16(payload[16:18], cs)
	return newFrame(gt06GPS, payload, serial)
}

func DecodeStatus(f Frame, id Identity) (StatusEvent, error) {
	m := StatusEvent{Identity: id}
	d := f.Payload
	if !IsStatus(f.Protocol) || len(d) < statusPayloadMin {
		return m, ErrNotDecodable
	}
	m.Charging = d[0]&0b00000100 != 0
	level := int(d[0]&0b00111000) >> 3
	if level == 0 {
		level = int(d[1])
		if level > len(batteryTable)-1 {
			level = len(batteryTable) - 1
		}
	}
	m.Battery = batteryTable[level]
	m.Signal = signalTable[d[2]&0x0F]
	return m, nil
}

// EncodeStatus builds a heartbeat frame from raw levels.
func EncodeStatus(terminalInfo, voltage, gsm byte, serial uint16) []byte {
	return newFrame(statusInformation, []byte{terminalInfo, voltage, gsm, 0x00, 0x02}, serial)
}

// Package crc16 implements the reflected CRC16 variants used by tracker protocols.
package crc16

// Params describes a reflected CRC16 algorithm. Poly is the bit-reversed polynomial.
type Params struct {
	Poly   uint16
	Init   uint16
	XorOut uint16
	Name   string
}

// Table is a 256-entry lookup table bound to its params.
type Table struct {
	params Params
	data   [256]uint16
}

// CRC-16/X-25 (also called CRC-16/IBM-SDLC), polynomial 0x1021 reflected.
var X25 = MakeTable(Params{Poly: 0x8408, Init: 0xFFFF, XorOut: 0xFFFF, Name: "CRC-16/X-25"})

func MakeTable(p Params) *Table {
	t := &Table{params: p}
	for n := 0; n < 256; n++ {
		crc := uint16(n)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ p.Poly
			} else {
				crc >>= 1
			}
		}
		t.data[n] = crc
	}
	return t
}

func (t *Table) Params() Params {
	return t.params
}

// Checksum returns the finalised CRC of data.
func Checksum(t *Table, data []byte) uint16 {
	return Update(t.params.Init, t, data) ^ t.params.XorOut
}

// Update feeds data into a running (not finalised) crc.
func Update(crc uint16, t *Table, data []byte) uint16 {
	for _, b := range data {
		crc = (crc >> 8) ^ t.data[byte(crc)^b]
	}
	return crc
}

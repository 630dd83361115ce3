package crc16

import "testing"

func TestX25CheckValue(t *testing.T) {
	crc := Checksum(X25, []byte("123456789"))
	if crc != 0x906E {
		t.Errorf("X25 check value mismatch, got 0x%04X", crc)
	}
}

func TestUpdateMatchesChecksum(t *testing.T) {
	d := []byte("123456789")
	crc := Update(X25.Params().Init, X25, d[:4])
	crc = Update(crc, X25, d[4:])
	if crc^X25.Params().XorOut != Checksum(X25, d) {
		t.Error("incremental update differs from one-shot checksum")
	}
}

func TestEmpty(t *testing.T) {
	if Checksum(X25, nil) != 0x0000 {
		t.Errorf("empty X25 checksum should be 0x0000, got 0x%04X", Checksum(X25, nil))
	}
}

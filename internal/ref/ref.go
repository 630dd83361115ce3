// Package ref turns database ids into opaque references safe to hand to viewers.
package ref

import (
	"errors"
	"fmt"

	"github.com/speps/go-hashids/v2"
)

var ErrInvalid = errors.New("ref: invalid reference")

const minLength = 8

type Encoder struct {
	h *hashids.HashID
}

func New(salt string) (*Encoder, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = minLength
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, fmt.Errorf("ref: %w", err)
	}
	return &Encoder{h: h}, nil
}

// Encode returns the reference of id, "" for ids hashids cannot encode (negative).
func (e *Encoder) Encode(id int64) string {
	s, err := e.h.EncodeInt64([]int64{id})
	if err != nil {
		return ""
	}
	return s
}

func (e *Encoder) Decode(s string) (int64, error) {
	ids, err := e.h.DecodeInt64WithError(s)
	if err != nil || len(ids) != 1 {
		return 0, ErrInvalid
	}
	return ids[0], nil
}

package util

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenRandomString(t *testing.T) {
	a := GenRandomString([]byte{0x01}, 24)
	b := GenRandomString([]byte{0x01}, 24)
	if a == b {
		t.Error("two random strings are equal")
	}
	d, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil || len(d) != 25 || d[0] != 0x01 {
		t.Errorf("unexpected decoding %v %v", d, err)
	}
}

func TestJsonError(t *testing.T) {
	w := httptest.NewRecorder()
	JsonError(w, 404, "no such device")
	if w.Code != 404 || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("unexpected response %d %v", w.Code, w.Header())
	}
	if !strings.Contains(w.Body.String(), `"error":"no such device"`) {
		t.Errorf("body %s", w.Body.String())
	}
}

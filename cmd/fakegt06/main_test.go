package main

import (
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--addr", "relay:7000", "--imei=355000000000001", "--interval", "30s"})
	if err != nil {
		t.Fatal(err)
	}
	if o.addr != "relay:7000" || o.imei != "355000000000001" || o.every != 30*time.Second {
		t.Errorf("unexpected options %+v", o)
	}
	if o.lat != -34.6037 || o.lon != -58.3816 {
		t.Errorf("defaults not kept %+v", o)
	}
	if _, err := parseFlags([]string{"--interval", "soon"}); err == nil {
		t.Error("bad duration accepted")
	}
}

func TestApplyTimerCommand(t *testing.T) {
	period := int64(10 * time.Second)
	applyCommand("TIMER,300#", &period)
	if time.Duration(period) != 300*time.Second {
		t.Errorf("period %v", time.Duration(period))
	}
	applyCommand("SLEEP,OFF#", &period)
	if time.Duration(period) != 300*time.Second {
		t.Errorf("sleep command changed the period to %v", time.Duration(period))
	}
}

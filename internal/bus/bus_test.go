package bus

import (
	"context"
	"testing"
)

func TestMemoryDeliversToEveryConn(t *testing.T) {
	m := NewMemory()
	a, b := m.Conn(), m.Conn()
	var gotA, gotB []string
	a.Subscribe(context.Background(), "c", func(p []byte) { gotA = append(gotA, string(p)) })
	b.Subscribe(context.Background(), "c", func(p []byte) { gotB = append(gotB, string(p)) })
	b.Subscribe(context.Background(), "other", func(p []byte) { t.Error("wrong channel") })

	if err := a.Publish(context.Background(), "c", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if len(gotA) != 1 || len(gotB) != 1 || gotB[0] != "x" {
		t.Errorf("unexpected delivery a=%v b=%v", gotA, gotB)
	}

	b.Close()
	a.Publish(context.Background(), "c", []byte("y"))
	if len(gotB) != 1 {
		t.Errorf("closed conn still receives %v", gotB)
	}
	if err := b.Publish(context.Background(), "c", []byte("z")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDisabled(t *testing.T) {
	if Disabled.Enabled() {
		t.Error("disabled bus reports enabled")
	}
	if err := Disabled.Publish(context.Background(), "c", nil); err == nil {
		t.Error("expected publish error")
	}
}

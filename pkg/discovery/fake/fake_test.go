package fake

import (
	"context"
	"testing"
	"time"

	"github.com/svcbridge/svcbridge/pkg/discovery"
)

func TestEmitAndReceive(t *testing.T) {
	a := New(map[int]string{0: "eth0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := a.Events(ctx)
	a.Emit(discovery.Event{Type: discovery.InstanceSeen, IfaceIdx: 0, IfaceIPVer: 4, Name: "Printer", SType: "_ipp._tcp"})

	select {
	case ev := <-ch:
		if ev.Type != discovery.InstanceSeen || ev.Name != "Printer" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestIfaceName(t *testing.T) {
	a := New(map[int]string{0: "eth0", 1: "wlan0"})
	if got := a.IfaceName(1); got != "wlan0" {
		t.Errorf("IfaceName(1) = %q, want wlan0", got)
	}
	if got := a.IfaceName(99); got != "" {
		t.Errorf("IfaceName(99) = %q, want empty", got)
	}
}

func TestEventsClosesOnCancel(t *testing.T) {
	a := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := a.Events(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to close, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

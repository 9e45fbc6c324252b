package main

import "testing"

func TestIfaceNames_ReturnsLocalInterfaceIndex(t *testing.T) {
	names := ifaceNames()
	if len(names) == 0 {
		t.Skip("no local network interfaces visible in this environment")
	}
	for idx, name := range names {
		if idx <= 0 {
			t.Errorf("unexpected non-positive interface index %d", idx)
		}
		if name == "" {
			t.Errorf("unexpected empty interface name for index %d", idx)
		}
	}
}

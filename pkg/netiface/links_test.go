package netiface

import "testing"

func TestFilterPhysicalExcludesLoopbackAndTunnels(t *testing.T) {
	in := []Link{
		{Name: "lo", Index: 1},
		{Name: "eth0", Index: 2},
		{Name: "wg-home", Index: 3},
		{Name: "wlan0", Index: 4},
		{Name: "wg0", Index: 5},
	}
	got := filterPhysical(in)
	want := []string{"eth0", "wlan0"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want names %v", got, want)
	}
	for i, l := range got {
		if l.Name != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, l.Name, want[i])
		}
	}
}

func TestFilterPhysicalEmpty(t *testing.T) {
	got := filterPhysical(nil)
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

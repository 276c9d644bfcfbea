package types

import "testing"

func TestRoundUp(t *testing.T) {
	cases := []struct{ x, align, want uint64 }{
		{0, 16, 0}, {1, 16, 16}, {16, 16, 16}, {17, 16, 32}, {4095, 4096, 4096},
	}
	for _, c := range cases {
		if got := RoundUp(c.x, c.align); got != c.want {
			t.Errorf("RoundUp(%d, %d) = %d, want %d", c.x, c.align, got, c.want)
		}
	}
}

func TestProtFromELFFlagsRefusesNothingButReportsWriteAndExec(t *testing.T) {
	rx := ProtFromELFFlags(PF_R | PF_X)
	if !rx.Read() || rx.Exec() || rx.Write() {
		t.Errorf("RX flags decoded as %s", rx)
	}
	if rx.WriteAndExec() {
		t.Error("RX should not be WriteAndExec")
	}

	wx := ProtFromELFFlags(PF_W | PF_X)
	if !wx.WriteAndExec() {
		t.Error("WX should be WriteAndExec")
	}
}

func TestProtString(t *testing.T) {
	cases := []struct {
		p    Prot
		want string
	}{
		{0, "---"},
		{ProtRead, "r--"},
		{ProtRead | ProtWrite, "rw-"},
		{ProtRead | ProtExec, "r-x"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Prot(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestPageAlign(t *testing.T) {
	if got := PageAlignDown(0x401234); got != 0x401000 {
		t.Errorf("PageAlignDown(0x401234) = %#x, want 0x401000", got)
	}
	if got := PageAlignUp(0x401001); got != 0x402000 {
		t.Errorf("PageAlignUp(0x401001) = %#x, want 0x402000", got)
	}
	if got := PageAlignUp(0x401000); got != 0x401000 {
		t.Errorf("PageAlignUp(0x401000) = %#x, want 0x401000 (already aligned)", got)
	}
}

func TestSegmentAlignConsistent(t *testing.T) {
	cases := []struct {
		vaddr, off, align uint64
		want              bool
	}{
		{0x401000, 0x1000, 0x1000, true},
		{0x401000, 0x1000, 0, true},
		{0x401000, 0x1000, 1, true},
		{0x401123, 0x1000, 0x1000, false},
		{0x401fff, 0x2fff, 0x1000, true},
	}
	for _, c := range cases {
		if got := SegmentAlignConsistent(c.vaddr, c.off, c.align); got != c.want {
			t.Errorf("SegmentAlignConsistent(%#x, %#x, %#x) = %v, want %v", c.vaddr, c.off, c.align, got, c.want)
		}
	}
}

func TestStringName(t *testing.T) {
	names := []IntName{{I: 1, S: "one"}, {I: 2, S: "two"}}
	if got := StringName(1, names); got != "one" {
		t.Errorf("StringName(1) = %q, want %q", got, "one")
	}
	if got := StringName(99, names); got != "0x63" {
		t.Errorf("StringName(99) = %q, want hex fallback", got)
	}
}

package region

import "testing"

func TestDefaultTableClassification(t *testing.T) {
	tbl := DefaultTable(0x100000, 0x400000)

	specs := []struct {
		addr     uint32
		expDesc  string
		expKind  Kind
		critical bool
		writable bool
	}{
		{0x0, "null guard page", KindNullGuard, true, false},
		{0xfff, "null guard page", KindNullGuard, true, false},
		{0xb8000, "BIOS/legacy area", KindBIOS, true, false},
		{0x250000, "kernel image", KindKernelCode, true, false},
	}

	for i, spec := range specs {
		c := tbl.Classify(spec.addr)
		if !c.Known {
			t.Fatalf("[spec %d] expected 0x%x to match a registered region", i, spec.addr)
		}
		if c.Region.Kind != spec.expKind {
			t.Fatalf("[spec %d] expected kind %s; got %s", i, spec.expKind, c.Region.Kind)
		}
		if got := tbl.DescriptionOf(spec.addr); got != spec.expDesc {
			t.Fatalf("[spec %d] expected description %q; got %q", i, spec.expDesc, got)
		}
		if got := tbl.IsCritical(spec.addr); got != spec.critical {
			t.Fatalf("[spec %d] expected IsCritical to report %t", i, spec.critical)
		}
		if got := tbl.IsWritable(spec.addr); got != spec.writable {
			t.Fatalf("[spec %d] expected IsWritable to report %t", i, spec.writable)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	tbl := NewTable(
		Region{Name: "inner", Start: 0x2000, End: 0x3000, Kind: KindMMIO, Critical: true},
		Region{Name: "outer", Start: 0x1000, End: 0x8000, Kind: KindKernelData},
	)

	if got := tbl.DescriptionOf(0x2800); got != "inner" {
		t.Fatalf("expected the first matching region to win; got %q", got)
	}
	if got := tbl.DescriptionOf(0x4000); got != "outer" {
		t.Fatalf("expected the outer region to match; got %q", got)
	}
}

func TestHeuristicHints(t *testing.T) {
	tbl := NewTable()

	specs := []struct {
		addr uint32
		exp  Hint
	}{
		{0x00000010, HintNullish},
		{0xdeadbeef, HintFreedPoison},
		{0xdddddddd, HintFreedPoison},
		{0xcafebabe, HintCanary},
		{0xcccccccc, HintDebugFill},
		{0xaaaaaaaa, HintDebugFill},
		{0x12345678, HintNone},
	}

	for i, spec := range specs {
		c := tbl.Classify(spec.addr)
		if c.Known {
			t.Fatalf("[spec %d] expected 0x%x to match no region", i, spec.addr)
		}
		if c.Hint != spec.exp {
			t.Fatalf("[spec %d] expected hint %q for 0x%x; got %q", i, spec.exp, spec.addr, c.Hint)
		}
	}

	// Heuristics never claim write restrictions.
	if !tbl.IsWritable(0xdeadbeef) {
		t.Fatal("expected an unknown address to carry no write restriction")
	}
	if tbl.IsCritical(0xdeadbeef) {
		t.Fatal("expected an unknown address not to be critical")
	}
}

func TestRuntimeRegistration(t *testing.T) {
	tbl := DefaultTable(0x100000, 0x400000)

	if !tbl.RegisterFramebuffer(0xe0000000, 0xe0800000) {
		t.Fatal("expected the framebuffer registration to succeed")
	}
	if !tbl.RegisterMMIO("ioapic", 0xfec00000, 0xfec01000) {
		t.Fatal("expected the MMIO registration to succeed")
	}

	c := tbl.Classify(0xe0400000)
	if !c.Known || c.Region.Kind != KindFramebuffer {
		t.Fatalf("expected a framebuffer classification; got %+v", c)
	}
	if !tbl.IsWritable(0xe0400000) {
		t.Fatal("expected the framebuffer to be writable")
	}
	if !tbl.IsCritical(0xfec00800) {
		t.Fatal("expected the MMIO range to be critical")
	}
}

func TestTableCapacity(t *testing.T) {
	tbl := NewTable()

	for i := 0; i < maxRegions; i++ {
		start := uint32(i+1) * 0x1000
		if !tbl.Register(Region{Name: "r", Start: start, End: start + 0x1000}) {
			t.Fatalf("[region %d] expected the registration to succeed", i)
		}
	}

	// Past the bound registrations are dropped, not faulted on.
	if tbl.Register(Region{Name: "overflow", Start: 0xf0000000, End: 0xf0001000}) {
		t.Fatal("expected the registration past the capacity to be dropped")
	}
	if c := tbl.Classify(0xf0000800); c.Known {
		t.Fatal("expected the dropped region not to classify")
	}

	if tbl.Register(Region{Name: "inverted", Start: 0x2000, End: 0x1000}) {
		t.Fatal("expected an inverted range to be rejected")
	}
}

package guard

import "testing"

type rangeMeta struct {
	start, end uint32
}

func (m rangeMeta) SumBytes(buf []byte) []byte {
	return append(buf,
		byte(m.start), byte(m.start>>8), byte(m.start>>16), byte(m.start>>24),
		byte(m.end), byte(m.end>>8), byte(m.end>>16), byte(m.end>>24))
}

func TestGuardedSealAndVerify(t *testing.T) {
	var g Guarded[rangeMeta]

	if g.Verify() {
		t.Fatal("expected zero-value Guarded to fail verification")
	}

	g.Seal(0x4b4d4554, rangeMeta{start: 0x1000, end: 0x2000})

	if !g.Verify() {
		t.Fatal("expected sealed value to verify")
	}

	val, ok := g.Get()
	if !ok {
		t.Fatal("expected Get to succeed on a sealed value")
	}
	if val.start != 0x1000 || val.end != 0x2000 {
		t.Fatalf("expected Get to return the sealed value; got %+v", val)
	}
}

func TestGuardedDetectsTampering(t *testing.T) {
	var g Guarded[rangeMeta]
	g.Seal(0x4b4d4554, rangeMeta{start: 0x1000, end: 0x2000})

	// Simulate a stray write into the metadata block.
	g.value.end = 0xdeadbeef

	if g.Verify() {
		t.Fatal("expected verification to fail after tampering")
	}

	if _, ok := g.Get(); ok {
		t.Fatal("expected Get to fail after tampering")
	}
}

func TestGuardedUpdateReseals(t *testing.T) {
	var g Guarded[rangeMeta]
	g.Seal(0x4b4d4554, rangeMeta{start: 0x1000, end: 0x2000})

	g.Update(rangeMeta{start: 0x3000, end: 0x4000})

	val, ok := g.Get()
	if !ok {
		t.Fatal("expected Get to succeed after Update")
	}
	if val.start != 0x3000 {
		t.Fatalf("expected updated value; got %+v", val)
	}
	if exp, got := uint32(0x4b4d4554), g.Magic(); got != exp {
		t.Fatalf("expected magic 0x%x to survive Update; got 0x%x", exp, got)
	}
}

func TestSumIsStable(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	if Sum(data) != Sum(data) {
		t.Fatal("expected Sum to be deterministic")
	}
	if Sum(data) == Sum(data[:3]) {
		t.Fatal("expected different inputs to produce different checksums")
	}
}

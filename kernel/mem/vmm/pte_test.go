package vmm

import (
	"testing"

	"kestrel/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var pte pageTableEntry

	if pte.HasFlags(FlagPresent) {
		t.Fatal("expected a zero entry not to have the present flag set")
	}

	pte.SetFlags(FlagPresent | FlagRW | FlagCopyOnWrite)
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected the entry to have both the present and the RW flags set")
	}
	if !pte.HasAnyFlag(FlagCopyOnWrite | FlagShared) {
		t.Fatal("expected the entry to have at least one of the CoW/shared flags set")
	}
	if pte.HasFlags(FlagPresent | FlagUserAccessible) {
		t.Fatal("expected HasFlags to report false when one of the flags is missing")
	}

	pte.ClearFlags(FlagRW)
	if pte.HasAnyFlag(FlagRW) {
		t.Fatal("expected the RW flag to be cleared")
	}
	if !pte.HasFlags(FlagPresent | FlagCopyOnWrite) {
		t.Fatal("expected ClearFlags to leave the other flags intact")
	}
}

func TestPageTableEntryFrame(t *testing.T) {
	var pte pageTableEntry

	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(pmm.Frame(0xbadf0))
	if got := pte.Frame(); got != pmm.Frame(0xbadf0) {
		t.Fatalf("expected pte frame to be 0xbadf0; got 0x%x", got)
	}
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected SetFrame to leave the entry flags intact")
	}

	// Setting a new frame must not leak bits from the previous one.
	pte.SetFrame(pmm.Frame(0x1))
	if got := pte.Frame(); got != pmm.Frame(0x1) {
		t.Fatalf("expected pte frame to be 0x1; got 0x%x", got)
	}
}

package mem

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		exp  uint32
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{2 * Mb, 512},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected Pages() for size %d to return %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}
}

func TestPageAlign(t *testing.T) {
	if got := PageAlign(0x1fff); got != 0x1000 {
		t.Fatalf("expected PageAlign(0x1fff) to return 0x1000; got 0x%x", got)
	}

	if got := PageAlignUp(0x1001); got != 0x2000 {
		t.Fatalf("expected PageAlignUp(0x1001) to return 0x2000; got 0x%x", got)
	}

	if got := PageAlignUp(0x2000); got != 0x2000 {
		t.Fatalf("expected PageAlignUp(0x2000) to return 0x2000; got 0x%x", got)
	}
}

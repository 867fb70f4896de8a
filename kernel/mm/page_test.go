package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameAndPageFromAddress(t *testing.T) {
	specs := []struct {
		input uintptr
		exp   uintptr
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{4123, 1},
		{0xc0100fff, 0xc0100},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != Frame(spec.exp) {
			t.Errorf("[spec %d] expected frame to be %d; got %d", specIndex, spec.exp, got)
		}

		if got := PageFromAddress(spec.input); got != Page(spec.exp) {
			t.Errorf("[spec %d] expected page to be %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestPageAlignment(t *testing.T) {
	specs := []struct {
		size       uintptr
		expAligned bool
		expUp      uintptr
		expCount   uintptr
	}{
		{0, true, 0, 0},
		{1, false, PageSize, 1},
		{PageSize, true, PageSize, 1},
		{PageSize + 1, false, 2 * PageSize, 2},
		{10 * PageSize, true, 10 * PageSize, 10},
	}

	for specIndex, spec := range specs {
		if got := IsPageAligned(spec.size); got != spec.expAligned {
			t.Errorf("[spec %d] expected IsPageAligned to return %t; got %t", specIndex, spec.expAligned, got)
		}
		if got := PageAlignUp(spec.size); got != spec.expUp {
			t.Errorf("[spec %d] expected PageAlignUp to return %d; got %d", specIndex, spec.expUp, got)
		}
		if got := PageCount(spec.size); got != spec.expCount {
			t.Errorf("[spec %d] expected PageCount to return %d; got %d", specIndex, spec.expCount, got)
		}
	}
}

func TestProt(t *testing.T) {
	specs := []struct {
		prot Prot
		exp  string
	}{
		{ProtNone, "---"},
		{ProtR, "r--"},
		{ProtRW, "rw-"},
		{ProtRX, "r-x"},
		{ProtRWX | ProtCoW, "rwxc"},
	}

	for specIndex, spec := range specs {
		if got := spec.prot.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}

	if !ProtRW.Contains(ProtR) || ProtR.Contains(ProtRW) {
		t.Error("unexpected Contains result")
	}

	if AccessWrite.Prot() != ProtWrite || AccessExec.Prot() != ProtExec || AccessRead.Prot() != ProtRead {
		t.Error("unexpected Access to Prot mapping")
	}
}

func TestVirtualRange(t *testing.T) {
	r := VirtualRange{Start: 0x1000, Size: 0x3000}

	if exp, got := uintptr(0x4000), r.End(); got != exp {
		t.Fatalf("expected End() to return 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{0xfff, false},
		{0x1000, true},
		{0x3fff, true},
		{0x4000, false},
	}

	for specIndex, spec := range specs {
		if got := r.Contains(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}

	if !r.ContainsRange(VirtualRange{0x2000, 0x2000}) {
		t.Error("expected range to contain [0x2000, 0x4000)")
	}

	if r.ContainsRange(VirtualRange{0x3000, 0x2000}) {
		t.Error("expected range not to contain [0x3000, 0x5000)")
	}

	if !r.IsPageAligned() || (VirtualRange{0x1001, 0x1000}).IsPageAligned() {
		t.Error("unexpected IsPageAligned result")
	}
}

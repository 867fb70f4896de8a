package gate

import (
	"bytes"
	"testing"
)

func TestDispatch(t *testing.T) {
	defer HandleInterrupt(PageFaultException, nil)

	if Dispatch(PageFaultException, &Registers{}) {
		t.Fatal("expected Dispatch to return false when no handler is installed")
	}

	var got *Registers
	HandleInterrupt(PageFaultException, func(regs *Registers) { got = regs })

	regs := &Registers{Info: PageFaultWrite | PageFaultUser, FaultAddr: 0x1000}
	if !Dispatch(PageFaultException, regs) {
		t.Fatal("expected Dispatch to return true")
	}

	if got != regs {
		t.Fatal("expected handler to receive the dispatched registers")
	}
}

func TestRegistersDumpTo(t *testing.T) {
	var (
		buf  bytes.Buffer
		regs = Registers{Info: 2, FaultAddr: 0xdeadb000, IP: 0xc0100000, SP: 0xbffff000}
	)

	regs.DumpTo(&buf)

	exp := "IP  = 00000000c0100000 SP  = 00000000bffff000\nCR2 = 00000000deadb000 ERR = 0000000000000002\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

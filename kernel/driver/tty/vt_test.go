package tty

import (
	"bytes"
	"testing"
)

var _ Tty = (*Vt)(nil)

func TestVtPosition(t *testing.T) {
	specs := []struct {
		inX, inY   uint16
		expX, expY uint16
	}{
		{20, 20, 20, 20},
		{100, 20, 79, 20},
		{10, 200, 10, 24},
		{100, 100, 79, 24},
	}

	var buf bytes.Buffer
	vt := NewVt(&buf, 80, 25)

	w, h := vt.Dimensions()
	if w != 80 || h != 25 {
		t.Fatalf("Dimensions wrong: got %v x %v", w, h)
	}

	for specIndex, spec := range specs {
		vt.SetPosition(spec.inX, spec.inY)
		if x, y := vt.Position(); x != spec.expX || y != spec.expY {
			t.Errorf("[spec %d] expected setting position to (%d, %d) to update the position to (%d, %d); got (%d, %d)", specIndex, spec.inX, spec.inY, spec.expX, spec.expY, x, y)
		}
	}

	if exp, got := "\x1b[25;80H", buf.String()[buf.Len()-len("\x1b[25;80H"):]; got != exp {
		t.Errorf("expected last escape to be %q; got %q", exp, got)
	}
}

func TestVtWrite(t *testing.T) {
	var buf bytes.Buffer
	vt := NewVt(&buf, 80, 25)

	vt.Clear()
	if exp := "\x1b[2J\x1b[H"; buf.String() != exp {
		t.Fatalf("expected Clear to emit %q; got %q", exp, buf.String())
	}
	buf.Reset()

	specs := []struct {
		input      string
		expX, expY uint16
	}{
		{"12", 2, 0},
		{"\n", 0, 1},
		{"\t3", 5, 1},
		{"456\r", 0, 1},
		{"ab\tc", 5, 1},
	}

	for specIndex, spec := range specs {
		n, err := vt.Write([]byte(spec.input))
		if err != nil || n != len(spec.input) {
			t.Fatalf("[spec %d] expected to write %d bytes; got %d (%v)", specIndex, len(spec.input), n, err)
		}
		if x, y := vt.Position(); x != spec.expX || y != spec.expY {
			t.Errorf("[spec %d] expected cursor at (%d, %d); got (%d, %d)", specIndex, spec.expX, spec.expY, x, y)
		}
	}

	if exp := "12\n\t3456\rab\tc"; buf.String() != exp {
		t.Errorf("expected output to be forwarded unchanged; got %q", buf.String())
	}

	// Wrap at the end of the line and stay on the last line when scrolling.
	vt.SetPosition(79, 24)
	if err := vt.WriteByte('x'); err != nil {
		t.Fatal(err)
	}
	if x, y := vt.Position(); x != 0 || y != 24 {
		t.Errorf("expected cursor at (0, 24) after wrapping; got (%d, %d)", x, y)
	}
}

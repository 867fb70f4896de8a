package tty

import (
	"io"
	"strconv"
	"sync"
)

const tabWidth = 4

// Vt implements a simple terminal that can process LF, CR and TAB
// characters. Output is forwarded to a host writer; the terminal only
// tracks the cursor so that it can be positioned with ANSI escapes.
type Vt struct {
	mu  sync.Mutex
	out io.Writer

	width  uint16
	height uint16

	curX uint16
	curY uint16
}

// NewVt returns a width x height terminal writing to out.
func NewVt(out io.Writer, width, height uint16) *Vt {
	return &Vt{out: out, width: width, height: height}
}

// Dimensions returns the terminal width and height in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	return t.width, t.height
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = io.WriteString(t.out, "\x1b[2J\x1b[H")
	t.curX, t.curY = 0, 0
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y).
func (t *Vt) SetPosition(x, y uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if x >= t.width {
		x = t.width - 1
	}

	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
	_, _ = io.WriteString(t.out, "\x1b["+strconv.Itoa(int(y)+1)+";"+strconv.Itoa(int(x)+1)+"H")
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range data {
		t.advance(b)
	}

	return t.out.Write(data)
}

// WriteByte implements io.ByteWriter.
func (t *Vt) WriteByte(b byte) error {
	_, err := t.Write([]byte{b})
	return err
}

func (t *Vt) advance(b byte) {
	switch b {
	case '\r':
		t.cr()
	case '\n':
		t.cr()
		t.lf()
	case '\t':
		n := tabWidth - int(t.curX)%tabWidth
		for i := 0; i < n; i++ {
			t.advance(' ')
		}
	default:
		t.curX++
		if t.curX == t.width {
			t.cr()
			t.lf()
		}
	}
}

// cr resets the x coordinate of the terminal cursor to 0.
func (t *Vt) cr() {
	t.curX = 0
}

// lf advances the y coordinate of the terminal cursor by one line. Once
// the last line is reached the host terminal scrolls and the cursor stays
// on the bottom line.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
	}
}

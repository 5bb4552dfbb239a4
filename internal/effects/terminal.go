package effects

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// LineTerminal is a TerminalEffects handler over plain streams. Input is
// read line by line; frames are written as text. Screen control is a no-op.
type LineTerminal struct {
	out    io.Writer
	width  int
	height int

	mu      sync.Mutex
	lines   chan string
	readErr error
}

// NewLineTerminal starts reading in and renders to out.
func NewLineTerminal(in io.Reader, out io.Writer) *LineTerminal {
	t := &LineTerminal{out: out, width: 80, height: 24, lines: make(chan string, 16)}
	if in != nil {
		go t.pump(in)
	} else {
		close(t.lines)
	}
	return t
}

func (t *LineTerminal) pump(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		t.lines <- sc.Text()
	}
	t.mu.Lock()
	t.readErr = sc.Err()
	if t.readErr == nil {
		t.readErr = io.EOF
	}
	t.mu.Unlock()
	close(t.lines)
}

func (t *LineTerminal) eof() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr == nil {
		return io.EOF
	}
	return t.readErr
}

func lineEvent(l string) TerminalEvent {
	ev := TerminalEvent{Line: l}
	if len(l) == 1 {
		ev.Key = l
	}
	return ev
}

func (t *LineTerminal) NextEvent(ctx context.Context) (TerminalEvent, error) {
	select {
	case l, ok := <-t.lines:
		if !ok {
			return TerminalEvent{}, t.eof()
		}
		return lineEvent(l), nil
	case <-ctx.Done():
		return TerminalEvent{}, ctx.Err()
	}
}

func (t *LineTerminal) PollEvent(ctx context.Context, ms uint64) (TerminalEvent, bool, error) {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case l, ok := <-t.lines:
		if !ok {
			return TerminalEvent{}, false, t.eof()
		}
		return lineEvent(l), true, nil
	case <-timer.C:
		return TerminalEvent{}, false, nil
	case <-ctx.Done():
		return TerminalEvent{}, false, ctx.Err()
	}
}

func (t *LineTerminal) Render(_ context.Context, f Frame) error {
	_, err := fmt.Fprintln(t.out, strings.Join(f.Lines, "\n"))
	return err
}

func (t *LineTerminal) Size() (int, int, error) { return t.width, t.height, nil }

func (t *LineTerminal) SetRawMode(bool) error         { return nil }
func (t *LineTerminal) SetAlternateScreen(bool) error { return nil }
func (t *LineTerminal) SetCursorVisible(bool) error   { return nil }

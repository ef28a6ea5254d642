package input

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
)

const (
	doubleClickTime     = 400 * time.Millisecond
	doubleClickDistance = 4
)

// TerminalSource reads keyboard and mouse events from a tcell screen.
// The screen must already be initialised; Close finalises it.
type TerminalSource struct {
	screen tcell.Screen
	events chan tcell.Event
	done   chan struct{}
	once   sync.Once

	// mouse state, touched only by Next
	lastButtons tcell.ButtonMask
	lastX       int
	lastY       int
	click       clickTracker
}

// NewTerminalSource enables mouse reporting on screen and starts polling it.
func NewTerminalSource(screen tcell.Screen) *TerminalSource {
	screen.EnableMouse()
	s := &TerminalSource{
		screen: screen,
		events: make(chan tcell.Event, 64),
		done:   make(chan struct{}),
		click:  clickTracker{maxTime: doubleClickTime, maxDistance: doubleClickDistance},
	}
	go s.poll()
	return s
}

func (s *TerminalSource) poll() {
	defer close(s.events)
	for {
		ev := s.screen.PollEvent()
		if ev == nil {
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Next returns the next keyboard or mouse event. Other terminal events
// are skipped. It returns io.EOF once the screen is finalised.
func (s *TerminalSource) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case tev, ok := <-s.events:
			if !ok {
				return Event{}, io.EOF
			}
			if ev, ok := s.convert(tev); ok {
				return ev, nil
			}
		}
	}
}

// Close finalises the screen and stops polling.
func (s *TerminalSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.screen.Fini()
	})
	return nil
}

func (s *TerminalSource) convert(tev tcell.Event) (Event, bool) {
	switch e := tev.(type) {
	case *tcell.EventKey:
		return Event{
			Channel: Keyboard,
			Key:     keyName(e),
			Rune:    e.Rune(),
			KeyDown: true,
			Time:    e.When(),
		}, true

	case *tcell.EventMouse:
		x, y := e.Position()
		buttons := e.Buttons()
		ev := Event{
			Channel: Mouse,
			Button:  convertButton(buttons),
			Wheel:   convertWheel(buttons),
			X:       x,
			Y:       y,
			Time:    e.When(),
		}
		ev.Moved = (x != s.lastX || y != s.lastY) && ev.Wheel == WheelNone

		pressed := buttons&^s.lastButtons&(tcell.Button1|tcell.Button2|tcell.Button3) != 0
		if pressed && ev.Button != ButtonNone {
			ev.DoubleClick = s.click.record(x, y, ev.Time) == 2
		}

		s.lastButtons = buttons
		s.lastX, s.lastY = x, y
		return ev, true

	default:
		return Event{}, false
	}
}

func keyName(e *tcell.EventKey) string {
	if e.Key() == tcell.KeyRune {
		return string(e.Rune())
	}
	if name, ok := tcell.KeyNames[e.Key()]; ok {
		return name
	}
	return e.Name()
}

func convertButton(b tcell.ButtonMask) Button {
	switch {
	case b&tcell.Button1 != 0:
		return ButtonLeft
	case b&tcell.Button2 != 0:
		return ButtonMiddle
	case b&tcell.Button3 != 0:
		return ButtonRight
	case b&(tcell.Button4|tcell.Button5|tcell.Button6|tcell.Button7|tcell.Button8) != 0:
		return ButtonOther
	default:
		return ButtonNone
	}
}

func convertWheel(b tcell.ButtonMask) Wheel {
	switch {
	case b&tcell.WheelUp != 0:
		return WheelUp
	case b&tcell.WheelDown != 0:
		return WheelDown
	case b&tcell.WheelLeft != 0:
		return WheelLeft
	case b&tcell.WheelRight != 0:
		return WheelRight
	default:
		return WheelNone
	}
}

// clickTracker counts consecutive clicks close in time and space.
type clickTracker struct {
	maxTime     time.Duration
	maxDistance int

	lastX, lastY int
	lastTime     time.Time
	count        int
}

// record registers a click and returns its position in the sequence.
// The count wraps after a double click.
func (t *clickTracker) record(x, y int, at time.Time) int {
	if at.IsZero() {
		at = time.Now()
	}
	elapsed := at.Sub(t.lastTime)
	near := abs(x-t.lastX)+abs(y-t.lastY) <= t.maxDistance
	if t.count > 0 && elapsed >= 0 && elapsed <= t.maxTime && near {
		t.count++
		if t.count > 2 {
			t.count = 1
		}
	} else {
		t.count = 1
	}
	t.lastX, t.lastY = x, y
	t.lastTime = at
	return t.count
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package input

import (
	"fmt"
	"strings"
	"time"
)

// Channel selects the keyboard or mouse registry.
type Channel int

const (
	Keyboard Channel = iota
	Mouse

	channelCount
)

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case Keyboard:
		return "keyboard"
	case Mouse:
		return "mouse"
	default:
		return "unknown"
	}
}

// Valid reports whether c is Keyboard or Mouse.
func (c Channel) Valid() bool {
	return c >= 0 && c < channelCount
}

// ParseChannel parses "keyboard" or "mouse".
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keyboard", "key", "keys":
		return Keyboard, nil
	case "mouse":
		return Mouse, nil
	default:
		return Keyboard, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
}

// Button identifies a mouse button.
type Button uint8

const (
	ButtonNone Button = iota
	ButtonLeft
	ButtonRight
	ButtonMiddle
	ButtonOther
)

// String returns the button name.
func (b Button) String() string {
	switch b {
	case ButtonNone:
		return "none"
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	case ButtonOther:
		return "other"
	default:
		return "unknown"
	}
}

// Wheel identifies a wheel movement.
type Wheel uint8

const (
	WheelNone Wheel = iota
	WheelUp
	WheelDown
	WheelLeft
	WheelRight
)

// String returns the wheel direction.
func (w Wheel) String() string {
	switch w {
	case WheelNone:
		return "none"
	case WheelUp:
		return "up"
	case WheelDown:
		return "down"
	case WheelLeft:
		return "left"
	case WheelRight:
		return "right"
	default:
		return "unknown"
	}
}

// Vertical reports whether the wheel moved vertically.
func (w Wheel) Vertical() bool { return w == WheelUp || w == WheelDown }

// Horizontal reports whether the wheel moved horizontally.
func (w Wheel) Horizontal() bool { return w == WheelLeft || w == WheelRight }

// Event is one keyboard or mouse event.
type Event struct {
	Channel Channel

	// Keyboard
	Key     string
	Rune    rune
	KeyDown bool

	// Mouse
	Button      Button
	DoubleClick bool
	Wheel       Wheel
	Moved       bool
	X, Y        int

	Time time.Time
}

// KeyEvent builds a key-down event.
func KeyEvent(key string) Event {
	ev := Event{Channel: Keyboard, Key: key, KeyDown: true, Time: time.Now()}
	if r := []rune(key); len(r) == 1 {
		ev.Rune = r[0]
	}
	return ev
}

// MouseEvent builds a mouse event for button at (x, y).
func MouseEvent(button Button, x, y int) Event {
	return Event{Channel: Mouse, Button: button, X: x, Y: y, Time: time.Now()}
}

package registry

import "fmt"

// Keyed is the constraint satisfied by registry keys.
type Keyed interface {
	comparable
	SlotName() string
	SlotIndex() int
}

// Slot is the basic (name, index) registration key.
type Slot struct {
	Name  string
	Index int
}

// SlotName returns the slot name.
func (s Slot) SlotName() string { return s.Name }

// SlotIndex returns the ordering index.
func (s Slot) SlotIndex() int { return s.Index }

func (s Slot) String() string {
	return fmt.Sprintf("%s@%d", s.Name, s.Index)
}

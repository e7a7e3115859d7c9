package steps

import (
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Content is what a step execution produces. It is one of Skipped,
// *Message, *StepValue or *Combined.
type Content interface {
	isContent()
}

type skipped struct{}

// Skipped is returned when a step's conditions are not met.
var Skipped Content = skipped{}

// Message is a streamed reply to show the user.
type Message struct {
	StepID string
	Chunks <-chan ports.StreamChunk
	// SaveTo, when set, receives the final text.
	SaveTo *domain.SlotPath
	// Continued is the partial text this reply continues, if any.
	Continued string
}

// StepValue is a pure state change with an optional jump.
type StepValue struct {
	Slots []domain.SlotValuePair
	// Goto is the id of the next step; empty means continue in order.
	Goto string
}

// Item is one child result of a combined step.
type Item struct {
	StepID  string
	Content Content
}

// Combined holds the contents of a combined step's children in declared order.
type Combined struct {
	Items []Item
}

func (skipped) isContent()    {}
func (*Message) isContent()   {}
func (*StepValue) isContent() {}
func (*Combined) isContent()  {}

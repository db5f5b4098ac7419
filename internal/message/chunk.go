package message

import (
	"strings"
	"time"
)

// NewChunk builds a fragment with a fresh id.
func NewChunk(role Role, typ Type, content string) Chunk {
	return Chunk{Message: New(role, typ, content)}
}

// EndChunk is the terminal fragment of a successful stream.
func EndChunk() Chunk {
	c := NewChunk(RoleAssistant, TypeMessage, "")
	c.Recipient = RecipientUser
	c.End = true
	return c
}

// ErrorChunk is the terminal fragment of a failed stream.
func ErrorChunk(err error) Chunk {
	c := NewChunk(RoleAssistant, TypeError, err.Error())
	c.Recipient = RecipientUser
	return c
}

// Assembler rebuilds complete messages from a fragment sequence. Content
// between a start and an end fragment is concatenated into one message that
// takes its role, type, format and recipient from the start fragment.
// Fragments outside a start/end pair are complete messages on their own.
type Assembler struct {
	current *Message
	buf     strings.Builder
	now     func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Add feeds one fragment and returns the message it completes, if any.
func (a *Assembler) Add(c Chunk) (Message, bool) {
	if c.Start {
		// an unterminated message is superseded
		a.current = &Message{
			Role:      c.Role,
			Type:      c.Type,
			Format:    c.Format,
			Recipient: c.Recipient,
		}
		a.buf.Reset()
	}

	if a.current == nil {
		if c.End && c.Content == "" && c.Type == TypeMessage {
			return Message{}, false
		}
		return c.Message.Normalize(a.now()), true
	}

	a.buf.WriteString(c.Content)

	if !c.End {
		return Message{}, false
	}

	return a.finish(), true
}

// Pending reports whether a start fragment has not seen its end yet.
func (a *Assembler) Pending() bool {
	return a.current != nil
}

// Flush returns the partially assembled message, if any, and resets.
func (a *Assembler) Flush() (Message, bool) {
	if a.current == nil || a.buf.Len() == 0 {
		a.current = nil
		a.buf.Reset()
		return Message{}, false
	}
	return a.finish(), true
}

func (a *Assembler) finish() Message {
	m := *a.current
	m.Content = a.buf.String()
	a.current = nil
	a.buf.Reset()
	return m.Normalize(a.now())
}

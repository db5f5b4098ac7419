package engine

import (
	"strings"

	"github.com/ovenzeze/open-interpreter/internal/message"
)

const fence = "```"

// block is one finished segment of a completion: prose or a fenced code
// block.
type block struct {
	typ     message.Type
	format  message.Format
	content strings.Builder
}

// fenceParser splits streamed completion text into prose and code blocks.
// When emit is set it also produces start, delta and end chunks as text
// arrives. Fences are only recognized at the start of a line.
type fenceParser struct {
	emit func(message.Chunk)
	// onBlock runs after a block is finished and its end chunk emitted,
	// before any later text is parsed.
	onBlock func(*block)

	buf       string
	lineStart bool
	newlines  int
	cur       *block
	blocks    []*block
}

func newFenceParser(emit func(message.Chunk)) *fenceParser {
	return &fenceParser{emit: emit, lineStart: true}
}

// Write feeds a text delta.
func (p *fenceParser) Write(s string) {
	p.buf += s
	p.drain(false)
}

// Close flushes buffered text and ends the open block.
func (p *fenceParser) Close() {
	p.drain(true)
	p.closeBlock()
}

func (p *fenceParser) Blocks() []*block {
	return p.blocks
}

func (p *fenceParser) drain(final bool) {
	for p.buf != "" {
		i := strings.IndexByte(p.buf, '\n')
		if i < 0 {
			if final || !p.maybeFence() {
				p.line(p.buf, false)
				p.buf = ""
			}
			return
		}

		line := p.buf[:i]
		p.buf = p.buf[i+1:]
		p.line(line, true)
	}
}

// maybeFence reports whether the buffered partial line could still turn out
// to be a fence.
func (p *fenceParser) maybeFence() bool {
	if !p.lineStart {
		return false
	}
	t := strings.TrimLeft(p.buf, " \t")
	if len(t) < len(fence) {
		return strings.HasPrefix(fence, t)
	}
	return strings.HasPrefix(t, fence)
}

func (p *fenceParser) line(text string, newline bool) {
	if p.lineStart {
		if t := strings.TrimSpace(text); strings.HasPrefix(t, fence) {
			p.toggle(strings.TrimPrefix(t, fence))
			p.lineStart = true
			return
		}
	}

	p.write(text)
	if newline {
		p.newlines++
	}
	p.lineStart = newline
}

func (p *fenceParser) toggle(info string) {
	if p.cur != nil && p.cur.typ == message.TypeCode {
		p.closeBlock()
		return
	}

	p.closeBlock()

	// unknown languages stay code without a format and are never run
	format, _ := message.FenceFormat(info)
	p.cur = &block{typ: message.TypeCode, format: format}
	p.newlines = 0
}

// write appends text to the open block. Newlines are held back until more
// text follows so blocks never end in a line break.
func (p *fenceParser) write(text string) {
	if text == "" {
		return
	}

	if p.cur == nil {
		p.cur = &block{typ: message.TypeMessage}
		p.newlines = 0
	}

	if p.cur.content.Len() == 0 {
		p.newlines = 0
		if p.cur.typ == message.TypeMessage && strings.TrimSpace(text) == "" {
			return
		}
		p.start()
	}

	delta := strings.Repeat("\n", p.newlines) + text
	p.newlines = 0
	p.cur.content.WriteString(delta)

	if p.emit != nil {
		p.emit(p.chunk(delta))
	}
}

func (p *fenceParser) start() {
	if p.emit == nil {
		return
	}
	c := p.chunk("")
	c.Start = true
	p.emit(c)
}

func (p *fenceParser) closeBlock() {
	b := p.cur
	p.cur = nil
	p.newlines = 0

	if b == nil || b.content.Len() == 0 {
		return
	}

	p.blocks = append(p.blocks, b)

	if p.emit != nil {
		c := chunkFor(b, "")
		c.End = true
		p.emit(c)
	}

	if p.onBlock != nil {
		p.onBlock(b)
	}
}

func (p *fenceParser) chunk(content string) message.Chunk {
	return chunkFor(p.cur, content)
}

func chunkFor(b *block, content string) message.Chunk {
	c := message.NewChunk(message.RoleAssistant, b.typ, content)
	c.Recipient = message.RecipientUser
	if b.typ == message.TypeCode {
		c.Format = b.format
	}
	return c
}

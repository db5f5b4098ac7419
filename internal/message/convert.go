package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const fence = "```"

// FromLegacy converts a bare array of {role, content} objects, the format
// older session files used. Entries without role or content are skipped.
func FromLegacy(raw []json.RawMessage, now time.Time) []Message {
	var out []Message

	for _, item := range raw {
		var entry struct {
			Role    Role            `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(item, &entry); err != nil || entry.Role == "" || entry.Content == nil {
			continue
		}

		content, err := contentText(entry.Content)
		if err != nil {
			continue
		}

		typ := TypeMessage
		switch {
		case entry.Role == RoleAssistant && strings.Contains(content, fence):
			typ = TypeCode
		case entry.Role == RoleComputer:
			typ = TypeConsole
		}

		m := Message{Role: entry.Role, Type: typ, Content: content}
		out = append(out, m.Normalize(now))
	}

	return out
}

// OpenAIMessage is a chat-completions style message.
type OpenAIMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

var fenceLanguages = map[string]Format{
	"python":     FormatPython,
	"javascript": FormatJavaScript,
	"shell":      FormatShell,
	"html":       FormatHTML,
}

// FromOpenAI converts chat-completions messages. Assistant content is split
// on fenced code blocks into message and code parts; system messages become
// assistant messages addressed to the user.
func FromOpenAI(msgs []OpenAIMessage) []Message {
	now := time.Now()
	var out []Message

	for _, om := range msgs {
		role := Role(om.Role)
		recipient := Recipient(om.Recipient)
		if recipient == "" {
			recipient = RecipientUser
			if role == RoleUser {
				recipient = RecipientAssistant
			}
		}

		switch {
		case om.Role == "system":
			m := Message{Role: RoleAssistant, Type: TypeMessage, Content: om.Content, Recipient: RecipientUser}
			out = append(out, m.Normalize(now))

		case role == RoleAssistant && strings.Contains(om.Content, fence):
			for _, part := range SplitCode(om.Content) {
				part.Recipient = recipient
				out = append(out, part.Normalize(now))
			}

		case role == RoleUser || role == RoleAssistant:
			typ := Type(om.Type)
			if typ == "" {
				typ = TypeMessage
			}
			m := Message{Role: role, Type: typ, Content: om.Content, Recipient: recipient}
			out = append(out, m.Normalize(now))
		}
	}

	return out
}

// SplitCode splits assistant text on fenced code blocks. Even segments are
// prose, odd segments are code whose first line may name the language.
func SplitCode(text string) []Message {
	var out []Message

	for i, block := range strings.Split(text, fence) {
		if i%2 == 0 {
			if prose := strings.TrimSpace(block); prose != "" {
				out = append(out, Message{Role: RoleAssistant, Type: TypeMessage, Content: prose})
			}
			continue
		}

		lang, code := FormatPython, block
		if first, rest, ok := strings.Cut(block, "\n"); ok {
			if f, known := FenceFormat(first); known {
				lang, code = f, rest
			}
		}

		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		out = append(out, Message{Role: RoleAssistant, Type: TypeCode, Format: lang, Content: code})
	}

	return out
}

var fenceAliases = map[string]Format{
	"py":   FormatPython,
	"js":   FormatJavaScript,
	"sh":   FormatShell,
	"bash": FormatShell,
	"":     FormatPython,
}

// FenceFormat maps a code fence info string to a code format. An empty info
// string means python.
func FenceFormat(info string) (Format, bool) {
	info = strings.ToLower(strings.TrimSpace(info))
	if f, ok := fenceLanguages[info]; ok {
		return f, true
	}
	f, ok := fenceAliases[info]
	return f, ok
}

// ToOpenAI folds messages into chat-completions shape: consecutive user or
// assistant messages merge, code renders as fenced blocks.
func ToOpenAI(msgs []Message) []OpenAIMessage {
	var out []OpenAIMessage
	var current *OpenAIMessage

	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}

	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}

		if current != nil && current.Role != string(m.Role) {
			flush()
		}
		if current == nil {
			current = &OpenAIMessage{Role: string(m.Role)}
		}

		switch m.Type {
		case TypeMessage:
			current.Content += m.Content
		case TypeCode:
			if m.Content == "" {
				continue
			}
			lang := m.Format
			if lang == "" {
				lang = FormatPython
			}
			if current.Content != "" {
				current.Content += "\n"
			}
			current.Content += fmt.Sprintf("%s%s\n%s\n%s", fence, lang, m.Content, fence)
		}
	}

	flush()
	return out
}

// Package message implements the NCU message envelope: a closed grammar of
// role, type and format, the streaming chunk variant, and conversions from
// legacy and OpenAI-shaped payloads.
package message

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
)

// New returns a message with a fresh id and creation time.
func New(role Role, typ Type, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Type:      typ,
		Content:   content,
		CreatedAt: At(time.Now()),
	}
}

// Normalize assigns an id and creation time when missing.
func (m Message) Normalize(now time.Time) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = At(now)
	}
	return m
}

// Validate checks the role/type/format grammar.
func (m Message) Validate() error {
	types, ok := roleTypes[m.Role]
	if !ok {
		return apierr.Validation("invalid role %q", m.Role)
	}

	formats, ok := typeFormats[m.Type]
	if !ok {
		return apierr.Validation("invalid message type %q", m.Type)
	}

	if !slices.Contains(types, m.Type) {
		return apierr.Validation("type %q not allowed for role %q", m.Type, m.Role)
	}

	if m.Format != "" {
		if !knownFormats[m.Format] {
			return apierr.Validation("invalid format %q", m.Format)
		}
		if !slices.Contains(formats, m.Format) {
			return apierr.Validation("format %q not allowed for type %q", m.Format, m.Type)
		}
	}

	if m.Recipient != "" && m.Recipient != RecipientUser && m.Recipient != RecipientAssistant {
		return apierr.Validation("invalid recipient %q", m.Recipient)
	}

	return nil
}

// ValidateSequence checks every message and requires each code message that
// is not last to be followed by a computer confirmation or console message.
func ValidateSequence(msgs []Message) error {
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}

		if m.Type != TypeCode || i+1 >= len(msgs) {
			continue
		}

		next := msgs[i+1]
		if next.Role != RoleComputer || (next.Type != TypeConfirmation && next.Type != TypeConsole) {
			return apierr.Validation("code message %d must be followed by a computer confirmation or console message", i)
		}
	}
	return nil
}

type inbound struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Type      Type            `json:"type"`
	Content   json.RawMessage `json:"content"`
	Format    Format          `json:"format"`
	Recipient Recipient       `json:"recipient"`
	CreatedAt Timestamp       `json:"created_at"`
}

// Decode parses one inbound message. role, type and content are required;
// streaming framing bits are dropped; non-string content is kept as compact
// JSON text.
func Decode(raw json.RawMessage) (Message, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Message{}, apierr.Validation("invalid message: %v", err)
	}

	if in.Role == "" || in.Type == "" || in.Content == nil {
		return Message{}, apierr.Validation("message missing required fields: role, type, content")
	}

	content, err := contentText(in.Content)
	if err != nil {
		return Message{}, apierr.Validation("invalid message content: %v", err)
	}

	m := Message{
		ID:        in.ID,
		Role:      in.Role,
		Type:      in.Type,
		Content:   content,
		Format:    in.Format,
		Recipient: in.Recipient,
		CreatedAt: in.CreatedAt,
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m.Normalize(time.Now()), nil
}

func contentText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}
